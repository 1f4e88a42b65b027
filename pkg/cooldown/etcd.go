package cooldown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/helsinki-systems/fc-nixos/pkg/etcdutil"
)

// EtcdManagerOptions configures the etcd-backed cooldown coordinator.
type EtcdManagerOptions struct {
	Namespace string
	Key       string
	NodeName  string
	Clock     func() time.Time
}

// EtcdManager stores the cooldown window under a key bound to a lease that
// expires with the window. The client is owned by the caller.
type EtcdManager struct {
	client *clientv3.Client
	key    string
	node   string
	now    func() time.Time
}

type cooldownRecord struct {
	Node        string `json:"node"`
	Reason      string `json:"reason,omitempty"`
	StartedAt   string `json:"started_at"`
	DurationSec int64  `json:"duration_sec"`
}

// NewEtcdManager constructs a cooldown manager on top of client.
func NewEtcdManager(client *clientv3.Client, opts EtcdManagerOptions) (*EtcdManager, error) {
	if client == nil {
		return nil, errors.New("cooldown etcd manager requires a client")
	}
	trimmedKey := strings.TrimSpace(opts.Key)
	if trimmedKey == "" {
		return nil, errors.New("cooldown etcd manager requires a key")
	}
	node := strings.TrimSpace(opts.NodeName)
	if node == "" {
		return nil, errors.New("cooldown etcd manager requires a node name")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &EtcdManager{
		client: client,
		key:    etcdutil.Key(opts.Namespace, trimmedKey),
		node:   node,
		now:    clock,
	}, nil
}

// Status implements Manager.
func (m *EtcdManager) Status(ctx context.Context) (Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	linearizableCtx := clientv3.WithRequireLeader(ctx)

	resp, err := m.client.Get(linearizableCtx, m.key)
	if err != nil {
		return Status{}, wrap(err, "read cooldown key")
	}
	if len(resp.Kvs) == 0 {
		return Status{}, nil
	}
	kv := resp.Kvs[0]

	var record cooldownRecord
	if err := json.Unmarshal(kv.Value, &record); err != nil {
		return Status{}, fmt.Errorf("parse cooldown payload: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, record.StartedAt)
	if err != nil {
		return Status{}, fmt.Errorf("parse cooldown start timestamp: %w", err)
	}
	status := Status{Active: true, Node: record.Node, Reason: record.Reason, StartedAt: startedAt}
	if record.DurationSec > 0 {
		status.ExpiresAt = startedAt.Add(time.Duration(record.DurationSec) * time.Second)
		status.Remaining = status.ExpiresAt.Sub(m.now())
	}

	if kv.Lease != 0 {
		ttlResp, err := m.client.TimeToLive(linearizableCtx, clientv3.LeaseID(kv.Lease))
		if err != nil {
			return Status{}, wrap(err, "query cooldown ttl")
		}
		if ttlResp.TTL <= 0 {
			return Status{}, nil
		}
		// The lease is authoritative when clocks disagree.
		if leaseLeft := time.Duration(ttlResp.TTL) * time.Second; status.Remaining <= 0 || leaseLeft < status.Remaining {
			status.Remaining = leaseLeft
		}
	}
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	return status, nil
}

// Start implements Manager.
func (m *EtcdManager) Start(ctx context.Context, duration time.Duration, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if duration <= 0 {
		if _, err := m.client.Delete(ctx, m.key); err != nil {
			return wrap(err, "clear cooldown key")
		}
		return nil
	}

	seconds := int64(math.Ceil(duration.Seconds()))
	lease, err := m.client.Grant(ctx, seconds)
	if err != nil {
		return wrap(err, "grant cooldown lease")
	}

	payload, err := json.Marshal(cooldownRecord{
		Node:        m.node,
		Reason:      reason,
		StartedAt:   m.now().UTC().Format(time.RFC3339Nano),
		DurationSec: seconds,
	})
	if err != nil {
		return err
	}

	if _, err := m.client.Put(ctx, m.key, string(payload), clientv3.WithLease(lease.ID)); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = m.client.Revoke(cleanupCtx, lease.ID)
		return wrap(err, "store cooldown payload")
	}
	return nil
}

func wrap(err error, what string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", what, err)
}

var _ Manager = (*EtcdManager)(nil)

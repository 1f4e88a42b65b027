package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/helsinki-systems/fc-nixos/pkg/etcdutil"
)

// EtcdManagerOptions configures the etcd-backed reboot lock.
type EtcdManagerOptions struct {
	LockKey   string
	Namespace string
	TTL       time.Duration
	NodeName  string
	ProcessID int
	// Reason is stored with the lease so other nodes can tell why the lock
	// is taken.
	Reason string
	Clock  func() time.Time
}

// EtcdManager coordinates lock acquisition via etcd mutexes. The client is
// owned by the caller.
type EtcdManager struct {
	client     *clientv3.Client
	key        string
	ttlSeconds int
	holder     Holder
	now        func() time.Time
}

// Holder identifies the node holding the reboot lock.
type Holder struct {
	Node       string `json:"node"`
	PID        int    `json:"pid"`
	Reason     string `json:"reason,omitempty"`
	AcquiredAt string `json:"acquired_at"`
}

// NewEtcdManager builds a lock manager on top of client.
func NewEtcdManager(client *clientv3.Client, opts EtcdManagerOptions) (*EtcdManager, error) {
	if client == nil {
		return nil, errors.New("etcd lock manager requires a client")
	}
	trimmedKey := strings.TrimSpace(opts.LockKey)
	if trimmedKey == "" {
		return nil, errors.New("etcd lock manager requires a non-empty lock key")
	}
	ttlSeconds := int(math.Ceil(opts.TTL.Seconds()))
	if ttlSeconds <= 0 {
		return nil, errors.New("etcd lock manager TTL must be at least 1 second")
	}
	nodeName := strings.TrimSpace(opts.NodeName)
	if nodeName == "" {
		return nil, errors.New("etcd lock manager requires a non-empty node name for metadata")
	}

	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &EtcdManager{
		client:     client,
		key:        etcdutil.Key(opts.Namespace, trimmedKey),
		ttlSeconds: ttlSeconds,
		holder:     Holder{Node: nodeName, PID: pid, Reason: opts.Reason},
		now:        clock,
	}, nil
}

// Acquire attempts to obtain the lock without waiting.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	linearizableCtx := clientv3.WithRequireLeader(ctx)

	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds))
	if err != nil {
		return nil, wrapUnlessCanceled(err, "create session")
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.TryLock(linearizableCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrNotAcquired
		}
		return nil, wrapUnlessCanceled(err, "try lock")
	}

	if err := m.annotate(linearizableCtx, session, mutex); err != nil {
		cleanupCtx, cancel := context.WithTimeout(clientv3.WithRequireLeader(context.Background()), 5*time.Second)
		_ = mutex.Unlock(cleanupCtx)
		cancel()
		_ = session.Close()
		return nil, wrapUnlessCanceled(err, "annotate lock")
	}

	return &EtcdLease{session: session, mutex: mutex}, nil
}

// CurrentHolder reports who owns the lock, nil when it is free.
func (m *EtcdManager) CurrentHolder(ctx context.Context) (*Holder, error) {
	resp, err := m.client.Get(clientv3.WithRequireLeader(ctx), m.key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return nil, wrapUnlessCanceled(err, "read lock holder")
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var holder Holder
	if err := json.Unmarshal(resp.Kvs[0].Value, &holder); err != nil {
		// Mutex keys of foreign clients carry no annotation.
		return &Holder{}, nil
	}
	return &holder, nil
}

func (m *EtcdManager) annotate(ctx context.Context, session *concurrency.Session, mutex *concurrency.Mutex) error {
	holder := m.holder
	holder.AcquiredAt = m.now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(holder)
	if err != nil {
		return err
	}
	_, err = session.Client().Put(ctx, mutex.Key(), string(payload), clientv3.WithLease(session.Lease()))
	return err
}

// EtcdLease is a held reboot lock.
type EtcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// Key returns the mutex key owned by the lease.
func (l *EtcdLease) Key() string { return l.mutex.Key() }

// Release unlocks and revokes the session lease.
func (l *EtcdLease) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = clientv3.WithRequireLeader(ctx)

	unlockErr := l.mutex.Unlock(ctx)
	closeErr := l.session.Close()

	if unlockErr != nil && !errors.Is(unlockErr, concurrency.ErrLockReleased) {
		return wrapUnlessCanceled(unlockErr, "unlock")
	}
	if closeErr != nil {
		return wrapUnlessCanceled(closeErr, "close session")
	}
	return nil
}

// Orphan stops refreshing the lease without revoking it, so the lock stays
// held until its TTL runs out.
func (l *EtcdLease) Orphan() {
	l.session.Orphan()
}

func wrapUnlessCanceled(err error, what string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", what, err)
}

var (
	_ Manager = (*EtcdManager)(nil)
	_ Lease   = (*EtcdLease)(nil)
)

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/config"
	"github.com/helsinki-systems/fc-nixos/pkg/cooldown"
	"github.com/helsinki-systems/fc-nixos/pkg/lock"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// ErrRebootDeferred reports that another node holds the reboot lock or the
// cluster is still cooling down from a previous reboot.
var ErrRebootDeferred = errors.New("reboot deferred by cluster guard")

// RebootGuard serialises reboots across the nodes of a cluster.
type RebootGuard interface {
	// Acquire returns a permit to reboot, or an error wrapping
	// ErrRebootDeferred when this node has to wait.
	Acquire(ctx context.Context, kind activity.RebootType) (RebootPermit, error)
}

// RebootPermit is held while the node reboots.
type RebootPermit interface {
	// Hold keeps the permit until its TTL runs out; used once the reboot
	// command has been issued.
	Hold()
	// Abort gives the permit back after the reboot command failed.
	Abort(ctx context.Context) error
}

type orphaner interface {
	Orphan()
}

// EtcdGuard combines the etcd reboot lock with the cluster cooldown window.
type EtcdGuard struct {
	locker   lock.Manager
	cooldown cooldown.Manager
	interval time.Duration
	policy   lock.RetryPolicy
	node     string
	reporter Reporter
}

// GuardOption configures an EtcdGuard.
type GuardOption func(*EtcdGuard)

// WithGuardReporter attaches a reporter for lock attempts.
func WithGuardReporter(rep Reporter) GuardOption {
	return func(g *EtcdGuard) {
		if rep != nil {
			g.reporter = rep
		}
	}
}

// WithGuardSleep replaces the backoff sleep between lock attempts.
func WithGuardSleep(fn func(context.Context, time.Duration) error) GuardOption {
	return func(g *EtcdGuard) { g.policy.Sleep = fn }
}

// NewEtcdGuard builds the guard for node from cfg. The client is owned by
// the caller.
func NewEtcdGuard(client *clientv3.Client, cfg *config.GuardConfig, node string, opts ...GuardOption) (*EtcdGuard, error) {
	if cfg == nil {
		return nil, errors.New("reboot guard is not configured")
	}
	locker, err := lock.NewEtcdManager(client, lock.EtcdManagerOptions{
		LockKey:   cfg.LockKey,
		Namespace: cfg.EtcdNamespace,
		TTL:       cfg.LockTTL(),
		NodeName:  node,
		Reason:    "maintenance reboot",
	})
	if err != nil {
		return nil, fmt.Errorf("reboot lock: %w", err)
	}
	cd, err := cooldown.NewEtcdManager(client, cooldown.EtcdManagerOptions{
		Namespace: cfg.EtcdNamespace,
		Key:       cfg.CooldownKey,
		NodeName:  node,
	})
	if err != nil {
		return nil, fmt.Errorf("reboot cooldown: %w", err)
	}
	minBackoff, maxBackoff := cfg.BackoffBounds()
	return newGuard(locker, cd, cfg.RebootCooldownInterval(), lock.RetryPolicy{
		Attempts:   cfg.MaxLockAttempts,
		MinBackoff: minBackoff,
		MaxBackoff: maxBackoff,
	}, node, opts...), nil
}

func newGuard(locker lock.Manager, cd cooldown.Manager, interval time.Duration, policy lock.RetryPolicy, node string, opts ...GuardOption) *EtcdGuard {
	g := &EtcdGuard{
		locker:   locker,
		cooldown: cd,
		interval: interval,
		policy:   policy,
		node:     node,
		reporter: NoopReporter{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire checks the cooldown, takes the lock, checks the cooldown again
// under the lock and then opens a new cooldown window for this reboot.
func (g *EtcdGuard) Acquire(ctx context.Context, kind activity.RebootType) (RebootPermit, error) {
	if err := g.checkCooldown(ctx, "pre-lock"); err != nil {
		return nil, err
	}

	policy := g.policy
	policy.OnAttempt = func(a lock.Attempt) { g.recordLockAttempt(ctx, a) }
	lease, _, err := lock.AcquireWithRetry(ctx, g.locker, policy)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %v", ErrRebootDeferred, err)
		}
		return nil, fmt.Errorf("acquire reboot lock: %w", err)
	}

	permit := &etcdPermit{guard: g, lease: lease}
	if err := g.checkCooldown(ctx, "post-lock"); err != nil {
		_ = permit.release(ctx)
		return nil, err
	}
	if g.interval > 0 {
		if err := g.cooldown.Start(ctx, g.interval, fmt.Sprintf("%s reboot", kind)); err != nil {
			_ = permit.release(ctx)
			return nil, fmt.Errorf("start reboot cooldown: %w", err)
		}
		permit.cooling = true
	}
	return permit, nil
}

func (g *EtcdGuard) checkCooldown(ctx context.Context, phase string) error {
	status, err := g.cooldown.Status(ctx)
	if err != nil {
		return fmt.Errorf("read reboot cooldown: %w", err)
	}
	if !status.Active {
		return nil
	}
	g.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Node:    g.node,
		Event:   "reboot_cooldown_active",
		Message: status.String(),
		Fields: map[string]interface{}{
			"phase":        phase,
			"holder":       status.Node,
			"remaining_ms": status.Remaining.Milliseconds(),
		},
	})
	return fmt.Errorf("%w: cooldown %s", ErrRebootDeferred, status)
}

func (g *EtcdGuard) recordLockAttempt(ctx context.Context, a lock.Attempt) {
	labels := map[string]string{"result": string(a.Result)}
	fields := map[string]interface{}{
		"attempt":     a.Number,
		"result":      string(a.Result),
		"duration_ms": a.Duration.Milliseconds(),
	}
	level := observability.LevelInfo
	switch a.Result {
	case lock.AttemptContended:
		level = observability.LevelWarn
	case lock.AttemptError, lock.AttemptCanceled:
		level = observability.LevelError
	}
	if a.Err != nil {
		fields["error"] = a.Err.Error()
	}
	if a.Backoff > 0 {
		fields["backoff_ms"] = a.Backoff.Milliseconds()
	}

	g.reporter.RecordMetric(observability.Metric{
		Name:        "reboot_lock_attempts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of reboot lock acquisition attempts grouped by result.",
	})
	g.reporter.RecordMetric(observability.Metric{
		Name:        "reboot_lock_acquire_seconds",
		Type:        observability.MetricHistogram,
		Value:       a.Duration.Seconds(),
		Labels:      labels,
		Description: "Duration of individual reboot lock acquisition attempts.",
		Unit:        "seconds",
	})
	g.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Node:   g.node,
		Event:  "reboot_lock_attempt",
		Fields: fields,
	})
}

type etcdPermit struct {
	guard   *EtcdGuard
	lease   lock.Lease
	cooling bool
}

func (p *etcdPermit) Hold() {
	if o, ok := p.lease.(orphaner); ok {
		o.Orphan()
	}
}

func (p *etcdPermit) Abort(ctx context.Context) error {
	var errs []error
	if p.cooling {
		if err := p.guard.cooldown.Start(ctx, 0, ""); err != nil {
			errs = append(errs, fmt.Errorf("clear reboot cooldown: %w", err))
		}
	}
	if err := p.release(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *etcdPermit) release(ctx context.Context) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.lease.Release(releaseCtx); err != nil {
		return fmt.Errorf("release reboot lock: %w", err)
	}
	return nil
}

var _ RebootGuard = (*EtcdGuard)(nil)

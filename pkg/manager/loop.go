package manager

import (
	"context"
	"errors"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/config"
)

// PassResult summarises one run pass.
type PassResult struct {
	Reboot activity.RebootType
}

// PassRunner runs one complete maintenance pass.
type PassRunner interface {
	RunPass(ctx context.Context) (PassResult, error)
}

// RunPass opens a session and performs schedule, execute, postpone and
// archive in that order.
func (m *ReqManager) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	err := m.Session(ctx, func(ctx context.Context, m *ReqManager) error {
		if err := m.Schedule(ctx); err != nil {
			return err
		}
		if err := m.Execute(ctx, false); err != nil {
			return err
		}
		res.Reboot = m.rebootIssued
		if err := m.Postpone(ctx); err != nil {
			return err
		}
		return m.Archive(ctx)
	})
	return res, err
}

// Loop repeats run passes until a reboot is issued or the context is
// cancelled.
type Loop struct {
	runner        PassRunner
	interval      time.Duration
	sleep         func(time.Duration)
	wake          <-chan struct{}
	iterationHook func(PassResult)
	errorHandler  func(error)
	errorBackoff  time.Duration
	errorMinDelay time.Duration
	errorMaxDelay time.Duration
}

// LoopOption customises loop behaviour.
type LoopOption func(*Loop)

// WithLoopSleepFunc overrides the sleep implementation between iterations.
func WithLoopSleepFunc(fn func(time.Duration)) LoopOption {
	return func(l *Loop) {
		l.sleep = fn
	}
}

// WithLoopIterationHook registers a callback invoked after each successful iteration.
func WithLoopIterationHook(fn func(PassResult)) LoopOption {
	return func(l *Loop) {
		l.iterationHook = fn
	}
}

// WithLoopInterval forces a custom interval between iterations, overriding the configuration value.
func WithLoopInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.interval = d
	}
}

// WithLoopErrorHandler registers a callback for failed passes.
func WithLoopErrorHandler(fn func(error)) LoopOption {
	return func(l *Loop) {
		l.errorHandler = fn
	}
}

// WithLoopErrorBackoff overrides the retry backoff window applied after errors.
func WithLoopErrorBackoff(min, max time.Duration) LoopOption {
	return func(l *Loop) {
		l.errorMinDelay = min
		l.errorMaxDelay = max
	}
}

// WithLoopWake ends the wait between passes early whenever ch fires.
func WithLoopWake(ch <-chan struct{}) LoopOption {
	return func(l *Loop) {
		l.wake = ch
	}
}

// NewLoop constructs a Loop around runner.
func NewLoop(cfg *config.Config, runner PassRunner, opts ...LoopOption) (*Loop, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}

	minDelay, maxDelay := cfg.DaemonBackoff()
	loop := &Loop{
		runner:        runner,
		interval:      cfg.DaemonInterval(),
		sleep:         time.Sleep,
		errorMinDelay: minDelay,
		errorMaxDelay: maxDelay,
	}

	for _, opt := range opts {
		opt(loop)
	}

	if loop.sleep == nil {
		loop.sleep = time.Sleep
	}
	if loop.interval < 0 {
		loop.interval = cfg.DaemonInterval()
	}
	if loop.errorMinDelay <= 0 {
		loop.errorMinDelay = 5 * time.Second
	}
	if loop.errorMaxDelay < loop.errorMinDelay {
		loop.errorMaxDelay = loop.errorMinDelay
	}

	return loop, nil
}

// Run executes passes until one issues a reboot or ctx is cancelled. Failed
// passes are retried with exponential backoff.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := l.runner.RunPass(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			if l.errorHandler != nil {
				l.errorHandler(err)
			}
			if sleepErr := l.sleepWithContext(ctx, l.nextErrorDelay()); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		l.resetErrorBackoff()

		if l.iterationHook != nil {
			l.iterationHook(res)
		}
		if res.Reboot != activity.RebootNone {
			return nil
		}

		if err := l.sleepWithContext(ctx, l.interval); err != nil {
			return err
		}
	}
}

func (l *Loop) nextErrorDelay() time.Duration {
	if l.errorBackoff <= 0 {
		l.errorBackoff = l.errorMinDelay
	} else {
		l.errorBackoff *= 2
		if l.errorBackoff < l.errorMinDelay {
			l.errorBackoff = l.errorMinDelay
		}
	}
	if l.errorBackoff > l.errorMaxDelay {
		l.errorBackoff = l.errorMaxDelay
	}
	return l.errorBackoff
}

func (l *Loop) resetErrorBackoff() {
	l.errorBackoff = 0
}

func (l *Loop) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	case <-l.wake:
		return nil
	}
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/config"
	"github.com/helsinki-systems/fc-nixos/pkg/detector"
	"github.com/helsinki-systems/fc-nixos/pkg/estimate"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
	"github.com/helsinki-systems/fc-nixos/pkg/rebootwindow"
	"github.com/helsinki-systems/fc-nixos/pkg/request"
)

// Runnable yields the requests eligible for execution: interrupted ones
// still marked running first, then due and tempfail requests in request
// order. Every state is refreshed before the first request is yielded.
func (m *ReqManager) Runnable() iter.Seq[*request.Request] {
	return func(yield func(*request.Request) bool) {
		reqs := m.Requests()
		states := make([]request.State, len(reqs))
		for i, req := range reqs {
			states[i] = req.UpdateState()
		}
		for i, req := range reqs {
			if states[i] == request.StateRunning && !yield(req) {
				return
			}
		}
		for i, req := range reqs {
			switch states[i] {
			case request.StateDue, request.StateTempfail:
				if !yield(req) {
					return
				}
			}
		}
	}
}

// Execute runs the runnable requests, or with runAllNow every request that
// is not finished yet, inside a maintenance window. When a successful
// request asks for a reboot the node reboots and stays out of service.
func (m *ReqManager) Execute(ctx context.Context, runAllNow bool) error {
	if err := m.requireLock(); err != nil {
		return err
	}

	var reqs []*request.Request
	if runAllNow {
		for _, req := range m.Requests() {
			if !req.State().Archived() {
				reqs = append(reqs, req)
			}
		}
	} else {
		reqs = slices.Collect(m.Runnable())
	}

	m.rebootIssued = activity.RebootNone
	if len(reqs) == 0 {
		m.event(ctx, observability.LevelDebug, "execute_no_runnable_requests", "no runnable requests", nil)
		return m.leaveMaintenance(ctx)
	}

	m.event(ctx, observability.LevelInfo, "execute_requests", "executing requests", map[string]interface{}{
		"count":       len(reqs),
		"run_all_now": runAllNow,
	})
	if err := m.enterMaintenance(ctx); err != nil {
		return err
	}

	reboot := activity.RebootNone
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		req.Execute(ctx)
		// The due time has passed, so refreshing would turn postpone into due
		// before Postpone sees it.
		state := req.StoredState()
		m.recordExecution(state, time.Since(start))
		if state != request.StateSuccess {
			continue
		}
		if needed := req.Activity().RebootNeeded(); needed != activity.RebootNone {
			reboot = activity.RebootType(detector.Stronger(string(reboot), string(needed)))
		}
	}

	if reboot != activity.RebootNone {
		rebooted, err := m.reboot(ctx, reboot)
		if err != nil || rebooted {
			return err
		}
	}
	return m.leaveMaintenance(ctx)
}

func (m *ReqManager) recordExecution(state request.State, elapsed time.Duration) {
	labels := map[string]string{"state": string(state)}
	m.reporter.RecordMetric(observability.Metric{
		Name:        "request_executions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Executed requests grouped by resulting state.",
	})
	m.reporter.RecordMetric(observability.Metric{
		Name:        "request_execution_seconds",
		Type:        observability.MetricHistogram,
		Value:       elapsed.Seconds(),
		Labels:      labels,
		Description: "Wall time of request executions.",
		Unit:        "seconds",
	})
}

// reboot issues the reboot command of kind. It returns false without error
// when the cluster guard defers the reboot; a new reboot request is queued
// instead.
func (m *ReqManager) reboot(ctx context.Context, kind activity.RebootType) (bool, error) {
	argv := m.cfg.Reboot.WarmCommand
	if kind == activity.RebootCold {
		argv = m.cfg.Reboot.ColdCommand
	}

	now := m.now()
	if verdict := m.windows.Check(now); !verdict.Allowed {
		m.recordWindow(verdict)
		fields := map[string]interface{}{
			"action": string(kind),
			"reason": verdict.Reason,
		}
		if verdict.Rule != "" {
			fields["rule"] = verdict.Rule
		}
		if next := m.windows.NextOpening(now); !next.IsZero() {
			fields["next_opening"] = next.UTC().Format(time.RFC3339)
		}
		m.event(ctx, observability.LevelWarn, "reboot_deferred", "reboot is outside the allowed windows, queueing it", fields)
		return false, m.requeueReboot(ctx, kind)
	}
	if m.windows != nil {
		m.recordWindow(rebootwindow.Verdict{Allowed: true})
	}

	var permit RebootPermit
	if m.guard != nil {
		p, err := m.guard.Acquire(ctx, kind)
		if errors.Is(err, ErrRebootDeferred) {
			m.event(ctx, observability.LevelWarn, "reboot_deferred", "cluster guard deferred the reboot, queueing it", map[string]interface{}{
				"action": string(kind),
				"reason": err.Error(),
			})
			return false, m.requeueReboot(ctx, kind)
		}
		if err != nil {
			return false, err
		}
		permit = p
	}

	m.event(ctx, observability.LevelInfo, "maintenance_reboot", "rebooting the node", map[string]interface{}{
		"action":  string(kind),
		"command": command.Describe(argv),
	})
	if _, err := command.Check(ctx, m.runner, command.Spec{Argv: argv}); err != nil {
		if permit != nil {
			if abortErr := permit.Abort(ctx); abortErr != nil {
				m.event(ctx, observability.LevelWarn, "reboot_guard_abort_failed", "", map[string]interface{}{"error": abortErr.Error()})
			}
		}
		return false, fmt.Errorf("%s reboot: %w", kind, err)
	}
	if permit != nil {
		permit.Hold()
	}
	m.rebootIssued = kind
	return true, nil
}

func (m *ReqManager) requeueReboot(ctx context.Context, kind activity.RebootType) error {
	act, err := activity.NewReboot(kind, m.tools)
	if err != nil {
		return err
	}
	req := request.New(act,
		request.WithEstimate(estimate.MustParse("5m")),
		request.WithComment(fmt.Sprintf("Deferred %s reboot", kind)),
		request.WithClock(m.now),
	)
	if _, err := m.Add(ctx, req, true); err != nil {
		return fmt.Errorf("queue deferred reboot: %w", err)
	}
	return nil
}

// enterMaintenance marks the node out of service and runs the enter hooks.
func (m *ReqManager) enterMaintenance(ctx context.Context) error {
	m.event(ctx, observability.LevelInfo, "maintenance_enter", "entering maintenance", nil)
	client, err := m.dir()
	if err != nil {
		return err
	}
	if err := client.MarkNodeServiceStatus(ctx, m.node, false); err != nil {
		return fmt.Errorf("mark node out of service: %w", err)
	}
	if err := m.runHooks(ctx, "maintenance_enter", m.cfg.EnterHooks()); err != nil {
		return err
	}
	m.recordTransition("enter")
	return nil
}

// RebootIssued returns the reboot the last Execute issued, if any.
func (m *ReqManager) RebootIssued() activity.RebootType { return m.rebootIssued }

// leaveMaintenance runs the leave hooks and returns the node to service.
func (m *ReqManager) leaveMaintenance(ctx context.Context) error {
	m.event(ctx, observability.LevelInfo, "maintenance_leave", "leaving maintenance", nil)
	if err := m.runHooks(ctx, "maintenance_leave", m.cfg.LeaveHooks()); err != nil {
		return err
	}
	client, err := m.dir()
	if err != nil {
		return err
	}
	if err := client.MarkNodeServiceStatus(ctx, m.node, true); err != nil {
		return fmt.Errorf("mark node in service: %w", err)
	}
	m.recordTransition("leave")
	return nil
}

func (m *ReqManager) runHooks(ctx context.Context, group string, hooks []config.Hook) error {
	for _, hook := range hooks {
		if hook.Command == "" {
			continue
		}
		m.event(ctx, observability.LevelInfo, group+"_subsystem", "running hook", map[string]interface{}{
			"subsystem": hook.Subsystem,
			"command":   hook.Command,
		})
		if _, err := command.Check(ctx, m.runner, command.Spec{Argv: command.Shell(hook.Command)}); err != nil {
			return fmt.Errorf("%s hook %s: %w", group, hook.Subsystem, err)
		}
	}
	return nil
}

func (m *ReqManager) recordWindow(verdict rebootwindow.Verdict) {
	result := verdict.Reason
	if verdict.Allowed {
		result = "allowed"
	}
	m.reporter.RecordMetric(observability.Metric{
		Name:        "reboot_window_checks_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Reboot window checks grouped by result.",
	})
}

func (m *ReqManager) recordTransition(direction string) {
	m.reporter.RecordMetric(observability.Metric{
		Name:        "maintenance_transitions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"direction": direction},
		Description: "Maintenance mode transitions of the node.",
	})
}

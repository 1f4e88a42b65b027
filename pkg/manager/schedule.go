package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/directory"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
	"github.com/helsinki-systems/fc-nixos/pkg/request"
)

// Schedule announces every active request to the directory and applies the
// due times it answers with. A due time without a time zone aborts the
// pass. Requests the directory no longer knows are
// reported as deleted and archived; ids the directory knows but this node
// does not are reported as deleted too.
func (m *ReqManager) Schedule(ctx context.Context) error {
	if err := m.requireLock(); err != nil {
		return err
	}
	client, err := m.dir()
	if err != nil {
		return err
	}

	announce := make(map[string]directory.ScheduleRequest, len(m.requests))
	for id, req := range m.requests {
		announce[id] = directory.ScheduleRequest{
			Estimate: req.Estimate.Seconds(),
			Comment:  req.Comment,
		}
	}

	schedules, err := client.ScheduleMaintenance(ctx, announce)
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	disappeared := make(map[string]directory.Completion)
	for _, req := range m.Requests() {
		id := req.ID()
		sched, ok := schedules[id]
		if !ok {
			m.event(ctx, observability.LevelWarn, "schedule_request_disappeared", "directory does not know the request anymore, deleting it", map[string]interface{}{"request": id})
			req.MarkDeleted()
			disappeared[id] = directory.Completion{Result: string(request.StateDeleted)}
			continue
		}
		changed, err := req.UpdateDueString(sched.Time)
		if err != nil {
			m.event(ctx, observability.LevelError, "schedule_invalid_due", "directory returned an unusable due time", map[string]interface{}{
				"request": id,
				"time":    sched.Time,
				"error":   err.Error(),
			})
			return fmt.Errorf("schedule maintenance: %w", err)
		}
		if !changed {
			continue
		}
		req.LastScheduledAt = m.now().UTC()
		if err := req.Save(); err != nil {
			return fmt.Errorf("save scheduled request %s: %w", id, err)
		}
		m.event(ctx, observability.LevelInfo, "schedule_change_start_time", "changed start time", map[string]interface{}{
			"request": id,
			"due":     sched.Time,
		})
	}

	unknown := make([]string, 0)
	for id := range schedules {
		if _, ok := m.requests[id]; !ok {
			unknown = append(unknown, id)
			disappeared[id] = directory.Completion{Result: string(request.StateDeleted)}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		m.event(ctx, observability.LevelWarn, "schedule_unknown_requests", "directory knows requests this node does not, reporting them as deleted", map[string]interface{}{"requests": unknown})
	}

	if len(disappeared) == 0 {
		return nil
	}
	if err := client.EndMaintenance(ctx, disappeared); err != nil {
		return fmt.Errorf("report deleted requests: %w", err)
	}
	for id := range disappeared {
		req, ok := m.requests[id]
		if !ok {
			continue
		}
		if err := m.archiveRequest(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Postpone asks the directory to move requests in state postpone by twice
// their estimate and clears their local due time. The stored state is used
// since a passed due time would otherwise turn them due again.
func (m *ReqManager) Postpone(ctx context.Context) error {
	if err := m.requireLock(); err != nil {
		return err
	}

	postponed := make(map[string]directory.Postponement)
	var reqs []*request.Request
	for _, req := range m.Requests() {
		if req.StoredState() != request.StatePostpone {
			continue
		}
		postponed[req.ID()] = directory.Postponement{PostponeBy: 2 * req.Estimate.Seconds()}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil
	}

	client, err := m.dir()
	if err != nil {
		return err
	}
	if err := client.PostponeMaintenance(ctx, postponed); err != nil {
		return fmt.Errorf("postpone maintenance: %w", err)
	}
	for _, req := range reqs {
		m.event(ctx, observability.LevelInfo, "postpone", "request postponed", map[string]interface{}{
			"request":     req.ID(),
			"postpone_by": postponed[req.ID()].PostponeBy,
		})
		req.UpdateDue(time.Time{})
		if err := req.Save(); err != nil {
			return fmt.Errorf("save postponed request %s: %w", req.ID(), err)
		}
	}
	return nil
}

// Archive reports finished requests to the directory and moves them into
// the archive.
func (m *ReqManager) Archive(ctx context.Context) error {
	if err := m.requireLock(); err != nil {
		return err
	}

	completions := make(map[string]directory.Completion)
	var reqs []*request.Request
	for _, req := range m.Requests() {
		state := req.State()
		if !state.Archived() {
			continue
		}
		completion := directory.Completion{Result: string(state)}
		if d, ok := req.Duration(); ok {
			completion.Duration = &d
		}
		completions[req.ID()] = completion
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil
	}

	client, err := m.dir()
	if err != nil {
		return err
	}
	if err := client.EndMaintenance(ctx, completions); err != nil {
		return fmt.Errorf("end maintenance: %w", err)
	}
	for _, req := range reqs {
		if err := m.archiveRequest(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// archiveRequest moves the request directory into the archive and saves it
// there.
func (m *ReqManager) archiveRequest(ctx context.Context, req *request.Request) error {
	id := req.ID()
	dest, err := m.moveToArchive(req.Dir())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	delete(m.requests, id)
	if dest == "" {
		return nil
	}
	req.SetDir(dest)
	if err := req.Save(); err != nil {
		return fmt.Errorf("save archived request %s: %w", id, err)
	}

	m.event(ctx, observability.LevelInfo, "archive", "request archived", map[string]interface{}{
		"request": id,
		"state":   string(req.State()),
	})
	m.reporter.RecordMetric(observability.Metric{
		Name:        "requests_archived_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": string(req.State())},
		Description: "Requests moved to the archive by result.",
	})
	return nil
}

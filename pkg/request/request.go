// Package request models a single maintenance request: its state machine,
// execution attempts and on-disk snapshot.
package request

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/estimate"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// MaxRetries is the number of attempts after which a request gives up.
const MaxRetries = 48

// Request is one queued maintenance action.
type Request struct {
	id       string
	activity activity.Activity
	state    State
	dir      string

	Estimate        estimate.Estimate
	Comment         string
	NextDue         time.Time
	AddedAt         time.Time
	LastScheduledAt time.Time
	Attempts        []Attempt

	log      observability.Logger
	siblings func() []*Request
	now      func() time.Time
}

// Option customises a Request.
type Option func(*Request)

// WithEstimate sets the expected duration.
func WithEstimate(e estimate.Estimate) Option {
	return func(r *Request) { r.Estimate = e }
}

// WithComment sets the operator facing description.
func WithComment(comment string) Option {
	return func(r *Request) { r.Comment = comment }
}

// WithDir sets the request directory.
func WithDir(dir string) Option {
	return func(r *Request) { r.dir = dir }
}

// WithID fixes the request id instead of generating one.
func WithID(id string) Option {
	return func(r *Request) { r.id = id }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Request) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger for the request and its activity.
func WithLogger(logger observability.Logger) Option {
	return func(r *Request) { r.log = logger }
}

// New creates a pending request around act.
func New(act activity.Activity, opts ...Option) *Request {
	r := &Request{
		activity: act,
		state:    StatePending,
		Estimate: estimate.Default,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if act != nil {
		act.Bind(r)
	}
	r.SetUpLogging(r.log)
	return r
}

// ID returns the request id, generating it on first use.
func (r *Request) ID() string {
	if r.id == "" {
		r.id = uuid.NewString()
	}
	return r.id
}

// Activity returns the owned activity.
func (r *Request) Activity() activity.Activity { return r.activity }

// Dir returns the request directory.
func (r *Request) Dir() string { return r.dir }

// SetDir moves the request to another directory. It does not touch the disk.
func (r *Request) SetDir(dir string) { r.dir = dir }

// SetUpLogging binds logger to the request id and hands it to the activity.
func (r *Request) SetUpLogging(logger observability.Logger) {
	r.log = observability.With(logger, observability.Context{
		Component: "request",
		Fields:    map[string]interface{}{"request": r.ID()},
	})
	if r.activity != nil {
		r.activity.SetUpLogging(r.log)
	}
}

// SetSiblings installs the accessor for the other active requests.
func (r *Request) SetSiblings(fn func() []*Request) { r.siblings = fn }

// OtherRequests lists the active requests besides r.
func (r *Request) OtherRequests() []*Request {
	if r.siblings == nil {
		return nil
	}
	var others []*Request
	for _, other := range r.siblings() {
		if other != nil && other.ID() != r.ID() {
			others = append(others, other)
		}
	}
	return others
}

// RequestID implements activity.Owner.
func (r *Request) RequestID() string { return r.ID() }

// RequestAddedAt implements activity.Owner.
func (r *Request) RequestAddedAt() time.Time { return r.AddedAt }

// SiblingActivities implements activity.Owner.
func (r *Request) SiblingActivities() []activity.Activity {
	others := r.OtherRequests()
	acts := make([]activity.Activity, 0, len(others))
	for _, other := range others {
		if other.activity != nil {
			acts = append(acts, other.activity)
		}
	}
	return acts
}

// Duration returns the duration of the last attempt in seconds.
func (r *Request) Duration() (float64, bool) {
	if len(r.Attempts) == 0 {
		return 0, false
	}
	return r.Attempts[len(r.Attempts)-1].Duration, true
}

// Equal reports whether both values denote the same request.
func (r *Request) Equal(other *Request) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ID() == other.ID()
}

// Less orders requests by due time. Timed requests sort before untimed ones,
// which fall back to id order.
func (r *Request) Less(other *Request) bool {
	switch {
	case !r.NextDue.IsZero() && !other.NextDue.IsZero():
		return r.NextDue.Before(other.NextDue)
	case !r.NextDue.IsZero():
		return true
	case !other.NextDue.IsZero():
		return false
	default:
		return r.ID() < other.ID()
	}
}

// State returns the current state after applying time driven transitions.
func (r *Request) State() State {
	return r.UpdateState()
}

// StoredState returns the state as last recorded, without time driven
// transitions.
func (r *Request) StoredState() State { return r.state }

// UpdateState applies the due time and retry limit to the stored state.
func (r *Request) UpdateState() State {
	if r.state == StateDeleted {
		return r.state
	}
	if (r.state == StatePending || r.state == StatePostpone) && !r.NextDue.IsZero() && !r.now().Before(r.NextDue) {
		r.state = StateDue
	}
	if len(r.Attempts) > MaxRetries {
		r.state = StateRetryLimit
	}
	return r.state
}

// MarkDeleted flags the request for archival.
func (r *Request) MarkDeleted() { r.state = StateDeleted }

// UpdateDue sets the next due time; the zero time clears it. It reports
// whether the value changed.
func (r *Request) UpdateDue(due time.Time) bool {
	old := r.NextDue
	r.NextDue = due
	r.UpdateState()
	return !old.Equal(due)
}

// UpdateDueString parses an ISO 8601 literal and applies it with UpdateDue.
// An empty string clears the due time. Literals without a time zone fail
// with ErrMissingTimezone.
func (r *Request) UpdateDueString(value string) (bool, error) {
	if value == "" {
		return r.UpdateDue(time.Time{}), nil
	}
	due, err := parseTimestamp(value, false)
	if err != nil {
		return false, fmt.Errorf("request %s: next_due: %w", r.ID(), err)
	}
	return r.UpdateDue(due), nil
}

// Execute runs the activity in the request directory and records the
// attempt. Activity failures are recorded as an EX_SOFTWARE attempt and
// never returned; the request is saved before and after running.
func (r *Request) Execute(ctx context.Context) {
	observability.Emit(ctx, r.log, observability.LevelInfo, "execute_request_started", "starting execution of request", nil)

	attempt := newAttempt(r.now())
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				observability.Emit(ctx, r.log, observability.LevelError, "execute_request_failed", "executing request failed", map[string]interface{}{
					"error": fmt.Sprint(rec),
					"stack": string(debug.Stack()),
				})
				r.state = StateError
			}
		}()

		r.state = StateRunning
		if err := r.Save(); err != nil {
			observability.Emit(ctx, r.log, observability.LevelError, "execute_request_failed", "executing request failed", map[string]interface{}{
				"error": err.Error(),
			})
			r.state = StateError
			return
		}
		if err := r.runActivity(ctx); err != nil {
			attempt.fail(ExitSoftware, err.Error(), r.now())
		} else {
			attempt.record(r.activity.Outcome(), r.now())
		}
		r.Attempts = append(r.Attempts, *attempt)
		r.state = EvaluateState(attempt.ReturnCode)
	}()

	fields := map[string]interface{}{
		"state":      string(r.state),
		"stdout":     attempt.Stdout,
		"stderr":     attempt.Stderr,
		"duration":   attempt.Duration,
		"returncode": attempt.ReturnCode,
	}
	if r.state == StateError {
		observability.Emit(ctx, r.log, observability.LevelInfo, "execute_request_finished_error", "error executing request", fields)
	} else {
		observability.Emit(ctx, r.log, observability.LevelInfo, "execute_request_finished", "executed request", fields)
	}

	if err := r.Save(); err != nil {
		observability.Emit(ctx, r.log, observability.LevelWarn, "execute_save_request_failed", "saving request after execution failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (r *Request) runActivity(ctx context.Context) (err error) {
	if r.activity == nil {
		return fmt.Errorf("request %s has no activity", r.ID())
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("activity panicked: %v", rec)
		}
	}()
	return r.activity.Run(ctx, r.dir)
}

package request

import (
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
)

// Attempt records one execution of a request's activity.
type Attempt struct {
	Started    time.Time
	Finished   time.Time
	Duration   float64
	Stdout     string
	Stderr     string
	ReturnCode int
}

func newAttempt(now time.Time) *Attempt {
	return &Attempt{Started: now}
}

// record copies the activity outcome. The activity's own duration wins over
// wall time.
func (a *Attempt) record(outcome activity.Outcome, now time.Time) {
	a.Stdout = outcome.Stdout
	a.Stderr = outcome.Stderr
	a.ReturnCode = outcome.ReturnCode
	a.finish(now)
	if outcome.Duration != nil && *outcome.Duration > 0 {
		a.Duration = *outcome.Duration
	}
}

func (a *Attempt) fail(code int, message string, now time.Time) {
	a.ReturnCode = code
	a.Stderr = message
	a.finish(now)
}

func (a *Attempt) finish(now time.Time) {
	a.Finished = now
	a.Duration = now.Sub(a.Started).Seconds()
}

// Package cooldown spaces out reboots across a cluster.
package cooldown

import (
	"context"
	"fmt"
	"time"
)

// Status describes the current cooldown window for cluster reboots.
type Status struct {
	Active    bool
	Node      string
	Reason    string
	StartedAt time.Time
	ExpiresAt time.Time
	Remaining time.Duration
}

// String renders the window for log messages.
func (s Status) String() string {
	if !s.Active {
		return "inactive"
	}
	return fmt.Sprintf("started by %s at %s, %s remaining", s.Node, s.StartedAt.UTC().Format(time.RFC3339), s.Remaining.Round(time.Second))
}

// Manager coordinates observation and activation of reboot cooldown periods.
type Manager interface {
	// Status returns the current window; Active is false when none is set.
	Status(ctx context.Context) (Status, error)
	// Start replaces any window with a new one lasting duration. A
	// non-positive duration clears the window.
	Start(ctx context.Context, duration time.Duration, reason string) error
}

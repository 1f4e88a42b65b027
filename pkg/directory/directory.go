// Package directory talks to the central directory service that schedules
// maintenance windows and tracks whether nodes are in service.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Client is the subset of the directory API the maintenance agent uses. All
// maps are keyed by request id.
type Client interface {
	ScheduleMaintenance(ctx context.Context, reqs map[string]ScheduleRequest) (map[string]Schedule, error)
	PostponeMaintenance(ctx context.Context, reqs map[string]Postponement) error
	EndMaintenance(ctx context.Context, reqs map[string]Completion) error
	MarkNodeServiceStatus(ctx context.Context, node string, inService bool) error
}

// ScheduleRequest announces a request and its expected duration.
type ScheduleRequest struct {
	Estimate int64  `json:"estimate"`
	Comment  string `json:"comment"`
}

// Schedule is the directory's answer for one request. Time is an ISO 8601
// literal; empty when the directory did not assign a slot.
type Schedule struct {
	Time string `json:"time"`
}

// Postponement moves a request's slot by PostponeBy seconds.
type Postponement struct {
	PostponeBy int64 `json:"postpone_by"`
}

// Completion reports a finished request.
type Completion struct {
	Duration *float64 `json:"duration,omitempty"`
	Result   string   `json:"result"`
}

// ENC is the external node classifier document written by the agent.
type ENC struct {
	Name       string        `json:"name"`
	Parameters ENCParameters `json:"parameters"`
}

// ENCParameters holds the ENC fields the agent needs.
type ENCParameters struct {
	DirectoryPassword string `json:"directory_password"`
	Location          string `json:"location"`
	Resource          string `json:"resource_group"`
}

// LoadENC reads the node's ENC file.
func LoadENC(path string) (*ENC, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read enc: %w", err)
	}
	var enc ENC
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("parse enc %s: %w", path, err)
	}
	if strings.TrimSpace(enc.Parameters.DirectoryPassword) == "" {
		return nil, errors.New("enc lacks parameters.directory_password")
	}
	return &enc, nil
}

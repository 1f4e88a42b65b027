package request

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/estimate"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// FileName is the snapshot file inside a request directory.
const FileName = "request.yaml"

// ErrMissingTimezone is returned for due times without a zone offset.
var ErrMissingTimezone = errors.New("timestamp lacks a time zone")

type snapshot struct {
	ID              string            `yaml:"id"`
	State           State             `yaml:"state"`
	Comment         string            `yaml:"comment,omitempty"`
	Estimate        estimate.Estimate `yaml:"estimate"`
	AddedAt         string            `yaml:"added_at,omitempty"`
	NextDue         string            `yaml:"next_due,omitempty"`
	LastScheduledAt string            `yaml:"last_scheduled_at,omitempty"`
	Activity        *yaml.Node        `yaml:"activity"`
	Attempts        []attemptSnapshot `yaml:"attempts,omitempty"`
}

type attemptSnapshot struct {
	Started    string  `yaml:"started"`
	Finished   string  `yaml:"finished,omitempty"`
	Duration   float64 `yaml:"duration"`
	Stdout     string  `yaml:"stdout,omitempty"`
	Stderr     string  `yaml:"stderr,omitempty"`
	ReturnCode int     `yaml:"returncode"`
}

// Filename returns the path of the snapshot file.
func (r *Request) Filename() string {
	return filepath.Join(r.dir, FileName)
}

// Encode renders the snapshot as YAML.
func (r *Request) Encode() ([]byte, error) {
	node, err := activity.Encode(r.activity)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", r.ID(), err)
	}
	snap := snapshot{
		ID:              r.ID(),
		State:           r.state,
		Comment:         r.Comment,
		Estimate:        r.Estimate,
		AddedAt:         formatTimestamp(r.AddedAt),
		NextDue:         formatTimestamp(r.NextDue),
		LastScheduledAt: formatTimestamp(r.LastScheduledAt),
		Activity:        node,
	}
	for _, a := range r.Attempts {
		snap.Attempts = append(snap.Attempts, attemptSnapshot{
			Started:    formatTimestamp(a.Started),
			Finished:   formatTimestamp(a.Finished),
			Duration:   a.Duration,
			Stdout:     a.Stdout,
			Stderr:     a.Stderr,
			ReturnCode: a.ReturnCode,
		})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&snap); err != nil {
		return nil, fmt.Errorf("encode request %s: %w", r.ID(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode request %s: %w", r.ID(), err)
	}
	return buf.Bytes(), nil
}

// Save atomically replaces request.yaml and lets the activity dump its own
// files into the request directory.
func (r *Request) Save() error {
	if r.dir == "" {
		return fmt.Errorf("request %s: directory not set", r.ID())
	}
	data, err := r.Encode()
	if err != nil {
		return err
	}
	if err := os.Mkdir(r.dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create request directory: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, ".request-*.yaml")
	if err != nil {
		return fmt.Errorf("create temporary snapshot: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.Filename()); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	committed = true

	if err := r.activity.Dump(r.dir); err != nil {
		return fmt.Errorf("request %s: dump activity: %w", r.ID(), err)
	}
	return nil
}

// Load restores the request stored in dir. Timestamps without a zone are
// taken as UTC.
func Load(dir string, tools activity.Toolbox, logger observability.Logger, opts ...Option) (*Request, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Join(dir, FileName), err)
	}
	if snap.ID == "" {
		snap.ID = filepath.Base(dir)
	}
	if snap.State == "" {
		snap.State = StatePending
	}
	if !snap.State.Valid() {
		return nil, fmt.Errorf("request %s: unknown state %q", snap.ID, snap.State)
	}
	act, err := activity.Decode(snap.Activity, tools)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", snap.ID, err)
	}

	r := &Request{
		id:       snap.ID,
		activity: act,
		state:    snap.State,
		dir:      dir,
		Estimate: snap.Estimate,
		Comment:  snap.Comment,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dir = dir

	stamps := []struct {
		name  string
		value string
		dst   *time.Time
	}{
		{"added_at", snap.AddedAt, &r.AddedAt},
		{"next_due", snap.NextDue, &r.NextDue},
		{"last_scheduled_at", snap.LastScheduledAt, &r.LastScheduledAt},
	}
	for _, s := range stamps {
		if *s.dst, err = parseTimestamp(s.value, true); err != nil {
			return nil, fmt.Errorf("request %s: %s: %w", r.id, s.name, err)
		}
	}
	for i, a := range snap.Attempts {
		attempt := Attempt{Duration: a.Duration, Stdout: a.Stdout, Stderr: a.Stderr, ReturnCode: a.ReturnCode}
		if attempt.Started, err = parseTimestamp(a.Started, true); err != nil {
			return nil, fmt.Errorf("request %s: attempt %d: %w", r.id, i, err)
		}
		if attempt.Finished, err = parseTimestamp(a.Finished, true); err != nil {
			return nil, fmt.Errorf("request %s: attempt %d: %w", r.id, i, err)
		}
		r.Attempts = append(r.Attempts, attempt)
	}

	if err := act.Load(dir); err != nil {
		return nil, fmt.Errorf("request %s: load activity: %w", r.id, err)
	}
	act.Bind(r)
	r.SetUpLogging(logger)
	return r, nil
}

var snapshotKeys = map[string]struct{}{
	"id": {}, "state": {}, "comment": {}, "estimate": {}, "added_at": {},
	"next_due": {}, "last_scheduled_at": {}, "activity": {}, "attempts": {},
}

// decodeSnapshot rejects unknown top-level keys. The activity mapping is
// left to activity.Decode, which knows the variant fields.
func decodeSnapshot(data []byte) (snapshot, error) {
	var snap snapshot
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return snap, err
	}
	if len(doc.Content) == 0 {
		return snap, errors.New("empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return snap, fmt.Errorf("line %d: request must be a mapping", root.Line)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if _, ok := snapshotKeys[key.Value]; !ok {
			return snap, fmt.Errorf("line %d: unknown field %q", key.Line, key.Value)
		}
	}
	if err := root.Decode(&snap); err != nil {
		return snap, err
	}
	return snap, nil
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// parseTimestamp reads an ISO 8601 literal. Zone-less literals are accepted
// as UTC only when assumeUTC is set.
func parseTimestamp(value string, assumeUTC bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			if !assumeUTC {
				return time.Time{}, fmt.Errorf("%q: %w", value, ErrMissingTimezone)
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// Package activity defines the maintenance actions a request can carry and
// their on-disk encoding.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/detector"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// RebootType classifies what an activity needs after it succeeded.
type RebootType string

const (
	RebootNone RebootType = ""
	RebootWarm RebootType = "warm"
	RebootCold RebootType = "cold"
)

// Variant tags recorded in request snapshots.
const (
	KindShellScript = "shellscript"
	KindReboot      = "reboot"
	KindUpdate      = "update"
)

// Outcome is what an activity reports after Run. A nil Duration asks the
// caller to measure wall time itself.
type Outcome struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	Duration   *float64
}

// Owner is the request an activity belongs to.
type Owner interface {
	RequestID() string
	RequestAddedAt() time.Time
	// SiblingActivities lists the activities of the other active requests.
	SiblingActivities() []Activity
}

// Activity is one maintenance action.
type Activity interface {
	Kind() string
	// Run performs the action inside dir, the request's working directory.
	Run(ctx context.Context, dir string) error
	// Load restores auxiliary state kept in dir.
	Load(dir string) error
	// Dump persists auxiliary state into dir.
	Dump(dir string) error
	Outcome() Outcome
	RebootNeeded() RebootType
	SetUpLogging(logger observability.Logger)
	Bind(owner Owner)
	Describe() string
}

// Toolbox carries the runtime collaborators activities need. None of it is
// persisted.
type Toolbox struct {
	Runner        command.Runner
	UpdateCommand []string
	Detectors     *detector.Engine
	BootTime      func() (time.Time, error)
}

func (t Toolbox) runner() command.Runner {
	if t.Runner == nil {
		return command.NewExecRunner()
	}
	return t.Runner
}

func (t Toolbox) bootTime() (time.Time, error) {
	if t.BootTime == nil {
		return SystemBootTime()
	}
	return t.BootTime()
}

// Base holds the state every variant shares.
type Base struct {
	outcome Outcome
	log     observability.Logger
	owner   Owner
	tools   Toolbox
}

func (b *Base) Outcome() Outcome { return b.outcome }

func (b *Base) SetUpLogging(logger observability.Logger) { b.log = logger }

func (b *Base) Bind(owner Owner) { b.owner = owner }

func (b *Base) Load(string) error { return nil }

func (b *Base) Dump(string) error { return nil }

func (b *Base) logger() observability.Logger {
	if b.log == nil {
		return observability.Discard
	}
	return b.log
}

func (b *Base) record(res command.Result) {
	seconds := res.Duration.Seconds()
	b.outcome = Outcome{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ReturnCode: res.ExitCode,
		Duration:   &seconds,
	}
}

// Encode renders a tagged YAML mapping for a.
func Encode(a Activity) (*yaml.Node, error) {
	if a == nil {
		return nil, errors.New("activity is nil")
	}
	var node yaml.Node
	if err := node.Encode(a); err != nil {
		return nil, fmt.Errorf("encode %s activity: %w", a.Kind(), err)
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("encode %s activity: expected mapping, got kind %d", a.Kind(), node.Kind)
	}
	tag := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: a.Kind()},
	}
	node.Content = append(tag, node.Content...)
	return &node, nil
}

// Decode reconstructs the variant named by the mapping's type tag.
func Decode(node *yaml.Node, tools Toolbox) (Activity, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, errors.New("activity must be a mapping")
	}
	var tag struct {
		Type string `yaml:"type"`
	}
	if err := node.Decode(&tag); err != nil {
		return nil, fmt.Errorf("decode activity type: %w", err)
	}

	var a Activity
	switch tag.Type {
	case KindShellScript:
		a = &ShellScript{}
	case KindReboot:
		a = &Reboot{}
	case KindUpdate:
		a = &Update{}
	case "":
		return nil, errors.New("activity type tag is missing")
	default:
		return nil, fmt.Errorf("unknown activity type %q", tag.Type)
	}
	if err := node.Decode(a); err != nil {
		return nil, fmt.Errorf("decode %s activity: %w", tag.Type, err)
	}
	a.(interface{ setTools(Toolbox) }).setTools(tools)
	return a, nil
}

func (b *Base) setTools(t Toolbox) { b.tools = t }

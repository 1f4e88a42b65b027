package activity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// ScriptFile is the name of the script inside the request directory.
const ScriptFile = "script"

// DefaultInterpreter runs scripts that do not name one.
const DefaultInterpreter = "/bin/sh"

// ShellScript runs an operator supplied script. Its exit status feeds the
// request's exit code classification unchanged.
type ShellScript struct {
	Base        `yaml:"-"`
	Script      string     `yaml:"script"`
	Interpreter string     `yaml:"interpreter,omitempty"`
	Reboot      RebootType `yaml:"reboot,omitempty"`
}

// NewShellScript builds a script activity. reboot names the reboot the
// script needs when it succeeds; RebootNone for none.
func NewShellScript(script string, reboot RebootType, tools Toolbox) (*ShellScript, error) {
	if script == "" {
		return nil, errors.New("script must not be empty")
	}
	if err := validateReboot(reboot, true); err != nil {
		return nil, err
	}
	s := &ShellScript{Script: script, Reboot: reboot}
	s.setTools(tools)
	return s, nil
}

func (s *ShellScript) Kind() string { return KindShellScript }

func (s *ShellScript) Describe() string {
	line := firstLine(s.Script)
	if s.Reboot != RebootNone {
		return fmt.Sprintf("script %q (%s reboot)", line, s.Reboot)
	}
	return fmt.Sprintf("script %q", line)
}

func (s *ShellScript) interpreter() string {
	if s.Interpreter == "" {
		return DefaultInterpreter
	}
	return s.Interpreter
}

// Run executes the script file in dir.
func (s *ShellScript) Run(ctx context.Context, dir string) error {
	path := filepath.Join(dir, ScriptFile)
	if _, err := os.Stat(path); err != nil {
		if err := s.Dump(dir); err != nil {
			return err
		}
	}
	observability.Emit(ctx, s.logger(), observability.LevelInfo, "shellscript_started", "running maintenance script", map[string]interface{}{
		"interpreter": s.interpreter(),
		"path":        path,
	})
	res, err := s.tools.runner().Run(ctx, command.Spec{Argv: []string{s.interpreter(), path}, Dir: dir})
	if err != nil {
		return fmt.Errorf("run maintenance script: %w", err)
	}
	s.record(res)
	return nil
}

// Dump writes the script next to request.yaml.
func (s *ShellScript) Dump(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, ScriptFile), []byte(s.Script), 0o755); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	return nil
}

// Load prefers the script file over the snapshot copy so operators can fix a
// script in place.
func (s *ShellScript) Load(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, ScriptFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read script: %w", err)
	}
	s.Script = string(data)
	return nil
}

// RebootNeeded reports the configured reboot after a successful run.
func (s *ShellScript) RebootNeeded() RebootType {
	if s.outcome.ReturnCode != 0 || s.outcome.Duration == nil {
		return RebootNone
	}
	return s.Reboot
}

func validateReboot(kind RebootType, allowNone bool) error {
	switch kind {
	case RebootWarm, RebootCold:
		return nil
	case RebootNone:
		if allowNone {
			return nil
		}
	}
	return fmt.Errorf("invalid reboot kind %q", kind)
}

func firstLine(text string) string {
	for i, r := range text {
		if r == '\n' {
			return text[:i]
		}
	}
	return text
}

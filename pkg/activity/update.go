package activity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/detector"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// DetectorReportFile holds the detector verdicts of the last update run.
const DetectorReportFile = "reboot-detectors.yaml"

// Update runs the system update command and asks the detector engine whether
// the result needs a reboot.
type Update struct {
	Base    `yaml:"-"`
	Command []string `yaml:"command"`

	report *DetectorReport
}

// DetectorReport is the persisted detector outcome of an update.
type DetectorReport struct {
	Reboot    RebootType        `yaml:"reboot,omitempty"`
	Detectors []DetectorVerdict `yaml:"detectors,omitempty"`
	Error     string            `yaml:"error,omitempty"`
}

// DetectorVerdict is one detector's answer.
type DetectorVerdict struct {
	Name           string `yaml:"name"`
	RequiresReboot bool   `yaml:"requires_reboot"`
	Reboot         string `yaml:"reboot"`
	Error          string `yaml:"error,omitempty"`
}

// NewUpdate snapshots the configured update command.
func NewUpdate(tools Toolbox) (*Update, error) {
	if len(tools.UpdateCommand) == 0 {
		return nil, errors.New("no update command configured")
	}
	u := &Update{Command: append([]string(nil), tools.UpdateCommand...)}
	u.setTools(tools)
	return u, nil
}

func (u *Update) Kind() string { return KindUpdate }

func (u *Update) Describe() string {
	return fmt.Sprintf("update via %q", command.Describe(u.Command))
}

// Report returns the detector outcome of the last run, if any.
func (u *Update) Report() *DetectorReport { return u.report }

// Run executes the update and, when it succeeded, evaluates the detectors.
func (u *Update) Run(ctx context.Context, dir string) error {
	if len(u.Command) == 0 {
		return errors.New("update command is empty")
	}
	res, err := u.tools.runner().Run(ctx, command.Spec{Argv: u.Command, Dir: dir})
	if err != nil {
		return fmt.Errorf("run update: %w", err)
	}
	u.record(res)
	u.report = nil
	if res.ExitCode != 0 || u.tools.Detectors == nil {
		return nil
	}

	verdict, results, evalErr := u.tools.Detectors.Evaluate(ctx)
	report := &DetectorReport{Reboot: RebootType(verdict)}
	for _, r := range results {
		v := DetectorVerdict{Name: r.Name, RequiresReboot: r.RequiresReboot, Reboot: r.Reboot}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		report.Detectors = append(report.Detectors, v)
	}
	if evalErr != nil {
		report.Error = evalErr.Error()
		var evaluation *detector.EvaluationError
		if !errors.As(evalErr, &evaluation) {
			return fmt.Errorf("evaluate reboot detectors: %w", evalErr)
		}
		// Failing detectors err on the side of a reboot.
		if report.Reboot == RebootNone {
			report.Reboot = RebootWarm
		}
	}
	u.report = report
	observability.Emit(ctx, u.logger(), observability.LevelInfo, "update_reboot_evaluated", "evaluated reboot detectors", map[string]interface{}{
		"reboot": string(report.Reboot),
	})
	return nil
}

// Dump persists the detector report.
func (u *Update) Dump(dir string) error {
	if u.report == nil {
		return nil
	}
	data, err := yaml.Marshal(u.report)
	if err != nil {
		return fmt.Errorf("encode detector report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DetectorReportFile), data, 0o644); err != nil {
		return fmt.Errorf("write detector report: %w", err)
	}
	return nil
}

// Load restores the detector report.
func (u *Update) Load(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, DetectorReportFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read detector report: %w", err)
	}
	var report DetectorReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("decode detector report: %w", err)
	}
	u.report = &report
	return nil
}

// RebootNeeded reports the reboot the detectors asked for.
func (u *Update) RebootNeeded() RebootType {
	if u.report == nil || u.outcome.ReturnCode != 0 {
		return RebootNone
	}
	return u.report.Reboot
}

// Package detector decides whether applied updates leave the node needing
// a reboot, and which kind.
package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/config"
)

// Reboot kinds a detector may demand.
const (
	RebootWarm = "warm"
	RebootCold = "cold"
)

// Detector represents a reboot requirement probe.
type Detector interface {
	Name() string
	// Reboot reports the kind of reboot required when Check returns true.
	Reboot() string
	Check(ctx context.Context) (bool, error)
}

// NewFromConfig instantiates a detector based on the provided configuration.
func NewFromConfig(cfg config.DetectorConfig, runner command.Runner) (Detector, error) {
	kind := cfg.Reboot
	if kind == "" {
		kind = RebootWarm
	}
	if kind != RebootWarm && kind != RebootCold {
		return nil, fmt.Errorf("detector %s: unsupported reboot kind %q", cfg.Name, cfg.Reboot)
	}
	switch cfg.Type {
	case "file":
		return &FileDetector{name: cfg.Name, path: cfg.Path, reboot: kind}, nil
	case "command":
		return newCommandDetector(cfg, kind, runner)
	default:
		return nil, fmt.Errorf("unsupported detector type %q", cfg.Type)
	}
}

// NewAll constructs a slice of detectors from configuration.
func NewAll(cfgs []config.DetectorConfig, runner command.Runner) ([]Detector, error) {
	detectors := make([]Detector, 0, len(cfgs))
	for _, cfg := range cfgs {
		detector, err := NewFromConfig(cfg, runner)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, detector)
	}
	return detectors, nil
}

// FileDetector reports a reboot requirement based on the presence of a file on disk.
type FileDetector struct {
	name   string
	path   string
	reboot string
}

func (d *FileDetector) Name() string   { return d.name }
func (d *FileDetector) Reboot() string { return d.reboot }

func (d *FileDetector) Check(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	if strings.TrimSpace(d.path) == "" {
		return false, errors.New("file detector path must not be empty")
	}

	_, err := os.Stat(d.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", d.path, err)
}

type commandDetector struct {
	name      string
	reboot    string
	argv      []string
	exitCodes map[int]struct{}
	timeout   time.Duration
	runner    command.Runner
}

func newCommandDetector(cfg config.DetectorConfig, kind string, runner command.Runner) (Detector, error) {
	if len(cfg.Cmd) == 0 {
		return nil, errors.New("command detector requires cmd to be set")
	}
	if runner == nil {
		runner = command.NewExecRunner()
	}
	det := &commandDetector{
		name:      cfg.Name,
		reboot:    kind,
		argv:      append([]string(nil), cfg.Cmd...),
		exitCodes: make(map[int]struct{}),
		runner:    runner,
	}
	if cfg.TimeoutSec > 0 {
		det.timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	for _, code := range cfg.SuccessExitCodes {
		det.exitCodes[code] = struct{}{}
	}
	return det, nil
}

func (d *commandDetector) Name() string   { return d.name }
func (d *commandDetector) Reboot() string { return d.reboot }

func (d *commandDetector) Check(ctx context.Context) (bool, error) {
	needsReboot, _, err := d.EvaluateCommand(ctx)
	return needsReboot, err
}

// EvaluateCommand executes the command and returns a bool and captured output.
// Without configured success codes any non-zero exit demands a reboot.
func (d *commandDetector) EvaluateCommand(ctx context.Context) (bool, command.Result, error) {
	output, err := d.runner.Run(ctx, command.Spec{Argv: d.argv, Timeout: d.timeout})
	if err != nil {
		return false, output, fmt.Errorf("command detector %s: %w", d.name, err)
	}
	if len(d.exitCodes) == 0 {
		return output.ExitCode != 0, output, nil
	}
	_, ok := d.exitCodes[output.ExitCode]
	return ok, output, nil
}

var _ Detector = (*commandDetector)(nil)
var _ Detector = (*FileDetector)(nil)

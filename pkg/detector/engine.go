package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/command"
)

type commandEvaluator interface {
	EvaluateCommand(context.Context) (bool, command.Result, error)
}

// Engine orchestrates a collection of detectors and aggregates their results.
type Engine struct {
	detectors []Detector
}

// Result captures the outcome of evaluating a single detector.
type Result struct {
	Name           string
	RequiresReboot bool
	Reboot         string
	Err            error
	Duration       time.Duration
	CommandOutput  *command.Result
}

// EvaluationError aggregates per-detector evaluation failures.
type EvaluationError struct {
	Problems []string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("detector evaluation failed: %s", strings.Join(e.Problems, "; "))
}

func (e *EvaluationError) Is(target error) bool {
	var other *EvaluationError
	return errors.As(target, &other)
}

// NewEngine constructs an Engine from the provided detectors. An engine
// without detectors never requires a reboot.
func NewEngine(detectors []Detector) (*Engine, error) {
	seen := make(map[string]struct{}, len(detectors))
	copySlice := make([]Detector, 0, len(detectors))
	for _, det := range detectors {
		name := strings.TrimSpace(det.Name())
		if name == "" {
			return nil, errors.New("detector name must not be empty")
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate detector name %q", name)
		}
		seen[name] = struct{}{}
		copySlice = append(copySlice, det)
	}

	return &Engine{detectors: copySlice}, nil
}

// Evaluate executes all detectors and returns the strongest reboot kind any
// of them demanded: "" when none did, RebootCold over RebootWarm.
func (e *Engine) Evaluate(ctx context.Context) (string, []Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]Result, 0, len(e.detectors))
	problems := make([]string, 0)
	verdict := ""

	for _, det := range e.detectors {
		if ctx.Err() != nil {
			return "", results, ctx.Err()
		}

		start := time.Now()
		res := Result{Name: det.Name(), Reboot: det.Reboot()}

		if cmdDet, ok := det.(commandEvaluator); ok {
			required, output, err := cmdDet.EvaluateCommand(ctx)
			res.RequiresReboot = required
			res.CommandOutput = &output
			res.Err = err
		} else {
			required, err := det.Check(ctx)
			res.RequiresReboot = required
			res.Err = err
		}
		res.Duration = time.Since(start)
		results = append(results, res)

		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				return "", results, res.Err
			}
			problems = append(problems, fmt.Sprintf("%s: %v", res.Name, res.Err))
			continue
		}

		if res.RequiresReboot {
			verdict = Stronger(verdict, res.Reboot)
		}
	}

	if len(problems) > 0 {
		return verdict, results, &EvaluationError{Problems: problems}
	}

	return verdict, results, nil
}

// Stronger returns the more disruptive of two reboot kinds.
func Stronger(a, b string) string {
	if a == RebootCold || b == RebootCold {
		return RebootCold
	}
	if a == RebootWarm || b == RebootWarm {
		return RebootWarm
	}
	return ""
}

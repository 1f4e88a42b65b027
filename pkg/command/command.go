// Package command runs external programs on behalf of maintenance hooks,
// activities and the reboot step, capturing their output and exit status.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the command
// was killed.
const waitDelay = time.Second

// Spec describes a single invocation.
type Spec struct {
	Argv    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// Stdout and Stderr, when set, receive a copy of the output while the
	// command runs.
	Stdout io.Writer
	Stderr io.Writer
}

// Result captures the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. A non-zero exit status is reported through
// Result.ExitCode; the error is reserved for commands that could not be
// started, were killed, or timed out.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Shell wraps a command line for execution by /bin/sh.
func Shell(line string) []string {
	return []string{"/bin/sh", "-c", line}
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// NewExecRunner constructs an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, errors.New("command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, spec.Argv[0], spec.Argv[1:]...)
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), formatEnv(spec.Env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, spec.Stdout)
	cmd.Stderr = tee(&stderr, spec.Stderr)

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("command %q timed out after %s", Describe(spec.Argv), spec.Timeout)
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run %q: %w", Describe(spec.Argv), err)
	}
	return result, nil
}

// Check runs the command and turns a non-zero exit status into an error.
func Check(ctx context.Context, runner Runner, spec Spec) (Result, error) {
	res, err := runner.Run(ctx, spec)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Argv: append([]string(nil), spec.Argv...), Code: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res, nil
}

// ExitError reports a command that finished with a non-zero status.
type ExitError struct {
	Argv   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", Describe(e.Argv), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Describe renders argv for log messages.
func Describe(argv []string) string {
	if len(argv) == 3 && argv[0] == "/bin/sh" && argv[1] == "-c" {
		return argv[2]
	}
	return strings.Join(argv, " ")
}

func tee(buf *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return buf
	}
	return io.MultiWriter(buf, extra)
}

func formatEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	formatted := make([]string, 0, len(values))
	for _, k := range keys {
		formatted = append(formatted, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return formatted
}

var _ Runner = (*ExecRunner)(nil)

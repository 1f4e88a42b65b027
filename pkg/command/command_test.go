package command

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell commands not supported on Windows test environment")
	}
}

func TestExecRunnerSuccess(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()

	var live bytes.Buffer
	result, err := NewExecRunner().Run(context.Background(), Spec{
		Argv:   Shell("echo $MARKER; pwd"),
		Dir:    dir,
		Env:    map[string]string{"MARKER": "ok"},
		Stdout: &live,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "ok" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if got, _ := filepath.EvalSymlinks(lines[1]); got != resolved {
		t.Fatalf("expected command to run in %s, got %s", resolved, lines[1])
	}
	if live.String() != result.Stdout {
		t.Fatalf("expected stdout to be copied to the live writer, got %q", live.String())
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	result, err := NewExecRunner().Run(context.Background(), Spec{Argv: Shell("echo fail >&2; exit 5")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 5 {
		t.Fatalf("expected exit code 5, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "fail" {
		t.Fatalf("unexpected stderr: %q", result.Stderr)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	skipOnWindows(t)
	start := time.Now()
	_, err := NewExecRunner().Run(context.Background(), Spec{Argv: Shell("sleep 2"), Timeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout did not trigger promptly: %s", time.Since(start))
	}
}

func TestExecRunnerTimeoutKillsChildren(t *testing.T) {
	skipOnWindows(t)
	start := time.Now()
	_, err := NewExecRunner().Run(context.Background(), Spec{
		Argv:    Shell("(sleep 5; echo late) & sleep 5"),
		Timeout: 200 * time.Millisecond,
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("background child kept the command alive for %s", elapsed)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	dir := t.TempDir()
	_, err := NewExecRunner().Run(context.Background(), Spec{Argv: []string{filepath.Join(dir, "missing")}})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestCheckReportsExitError(t *testing.T) {
	skipOnWindows(t)
	_, err := Check(context.Background(), NewExecRunner(), Spec{Argv: Shell("echo nope >&2; exit 3")})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || exitErr.Stderr != "nope" {
		t.Fatalf("unexpected exit error: %+v", exitErr)
	}
	if !strings.Contains(err.Error(), "echo nope") {
		t.Fatalf("expected shell line in message, got %q", err.Error())
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRunner().Run(context.Background(), Spec{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

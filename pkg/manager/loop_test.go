package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
)

type passStep struct {
	result PassResult
	err    error
}

type fakePassRunner struct {
	mu    sync.Mutex
	steps []passStep
	idx   int
	calls int
}

func (f *fakePassRunner) RunPass(ctx context.Context) (PassResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return PassResult{}, nil
	}
	if f.idx >= len(f.steps) {
		last := f.steps[len(f.steps)-1]
		return last.result, last.err
	}
	step := f.steps[f.idx]
	f.idx++
	return step.result, step.err
}

func TestLoopStopsAfterReboot(t *testing.T) {
	runner := &fakePassRunner{steps: []passStep{
		{},
		{result: PassResult{Reboot: activity.RebootWarm}},
	}}
	var results []PassResult
	loop, err := NewLoop(testConfig(t), runner,
		WithLoopInterval(0),
		WithLoopSleepFunc(func(time.Duration) {}),
		WithLoopIterationHook(func(res PassResult) { results = append(results, res) }),
	)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("loop returned error: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("expected 2 passes, got %d", runner.calls)
	}
	if len(results) != 2 || results[1].Reboot != activity.RebootWarm {
		t.Fatalf("unexpected iteration results %+v", results)
	}
}

func TestLoopBacksOffAfterErrors(t *testing.T) {
	runner := &fakePassRunner{steps: []passStep{
		{err: errors.New("directory unreachable")},
		{err: errors.New("directory unreachable")},
		{err: errors.New("directory unreachable")},
		{result: PassResult{Reboot: activity.RebootCold}},
	}}
	var delays []time.Duration
	var handled int
	loop, err := NewLoop(testConfig(t), runner,
		WithLoopErrorBackoff(time.Second, 3*time.Second),
		WithLoopSleepFunc(func(d time.Duration) { delays = append(delays, d) }),
		WithLoopErrorHandler(func(error) { handled++ }),
	)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("loop returned error: %v", err)
	}
	if handled != 3 {
		t.Fatalf("expected 3 handled errors, got %d", handled)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, delays)
		}
	}
}

func TestLoopRespectsContextCancellation(t *testing.T) {
	runner := &fakePassRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	loop, err := NewLoop(testConfig(t), runner, WithLoopInterval(10*time.Second), WithLoopSleepFunc(func(time.Duration) {
		cancel()
	}))
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestLoopWakesEarly(t *testing.T) {
	runner := &fakePassRunner{steps: []passStep{
		{},
		{result: PassResult{Reboot: activity.RebootWarm}},
	}}
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	block := make(chan struct{})
	defer close(block)

	loop, err := NewLoop(testConfig(t), runner,
		WithLoopInterval(time.Hour),
		WithLoopSleepFunc(func(time.Duration) { <-block }),
		WithLoopWake(wake),
	)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not wake up")
	}
}

func TestNewLoopValidatesInputs(t *testing.T) {
	if _, err := NewLoop(nil, &fakePassRunner{}); err == nil {
		t.Fatal("expected error when config nil")
	}
	if _, err := NewLoop(testConfig(t), nil); err == nil {
		t.Fatal("expected error when runner nil")
	}
}

func TestWatchRequestsSignalsNewRequest(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := m.WatchRequests(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.Mkdir(filepath.Join(m.SpoolDir(), RequestsDir, "new"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	select {
	case <-wake:
	case <-time.After(5 * time.Second):
		t.Fatal("expected wake-up after new request directory")
	}
}

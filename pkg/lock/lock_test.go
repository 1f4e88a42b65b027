package lock

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

type scriptedManager struct {
	outcomes []error
	calls    int
}

type stubLease struct{ released bool }

func (l *stubLease) Release(context.Context) error {
	l.released = true
	return nil
}

func (m *scriptedManager) Acquire(context.Context) (Lease, error) {
	err := m.outcomes[m.calls]
	m.calls++
	if err != nil {
		return nil, err
	}
	return &stubLease{}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestAcquireWithRetryEventuallySucceeds(t *testing.T) {
	manager := &scriptedManager{outcomes: []error{ErrNotAcquired, ErrNotAcquired, nil}}
	var seen []Attempt
	lease, attempts, err := AcquireWithRetry(context.Background(), manager, RetryPolicy{
		Attempts:   5,
		MinBackoff: time.Second,
		MaxBackoff: 4 * time.Second,
		Sleep:      noSleep,
		Rand:       rand.New(rand.NewSource(1)),
		OnAttempt:  func(a Attempt) { seen = append(seen, a) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease == nil || attempts != 3 {
		t.Fatalf("expected lease after 3 attempts, got %v after %d", lease, attempts)
	}
	if len(seen) != 3 || seen[0].Result != AttemptContended || seen[2].Result != AttemptSuccess {
		t.Fatalf("unexpected attempt reports %+v", seen)
	}
	for _, a := range seen[:2] {
		if a.Backoff < time.Second || a.Backoff > 4*time.Second {
			t.Fatalf("backoff %s outside bounds", a.Backoff)
		}
	}
}

func TestAcquireWithRetryGivesUp(t *testing.T) {
	manager := &scriptedManager{outcomes: []error{ErrNotAcquired, ErrNotAcquired}}
	_, attempts, err := AcquireWithRetry(context.Background(), manager, RetryPolicy{Attempts: 2, Sleep: noSleep})
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestAcquireWithRetryStopsOnHardError(t *testing.T) {
	manager := &scriptedManager{outcomes: []error{errors.New("etcd down"), nil}}
	_, attempts, err := AcquireWithRetry(context.Background(), manager, RetryPolicy{Attempts: 3, Sleep: noSleep})
	if err == nil || errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected hard error, got %v", err)
	}
	if attempts != 1 || manager.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestNextBackoffDelayBounds(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for attempt := 0; attempt < 64; attempt++ {
		d := nextBackoffDelay(rnd, attempt, time.Second, 10*time.Second)
		if d < time.Second || d > 10*time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
}

func TestFileManagerExclusiveAndRecordsPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	manager := NewFileManager(path)

	lease, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("expected pid in lock file, got %q", data)
	}
	if pid, err := manager.Holder(); err != nil || pid != os.Getpid() {
		t.Fatalf("expected holder %d, got %d (%v)", os.Getpid(), pid, err)
	}

	other := NewFileManager(path)
	if _, err := other.TryAcquire(context.Background()); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired while held, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := other.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected blocking acquire to time out, got %v", err)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected truncated lock file, got %d bytes", info.Size())
	}

	second, err := other.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := second.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestFileManagerAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	first, err := NewFileManager(path).Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		lease, err := NewFileManager(path).Acquire(context.Background())
		if err == nil {
			err = lease.Release(context.Background())
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("acquire returned while lock held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiting acquire failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting acquire did not complete after release")
	}
}

package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const (
	filePollMin = 50 * time.Millisecond
	filePollMax = time.Second
)

// FileManager is an advisory flock(2) on a single file. The holder writes its
// pid into the file and truncates it on release.
type FileManager struct {
	path string
	pid  int
}

// NewFileManager locks path, creating it when necessary.
func NewFileManager(path string) *FileManager {
	return &FileManager{path: path, pid: os.Getpid()}
}

// Path returns the lock file.
func (m *FileManager) Path() string { return m.path }

// Acquire blocks until the lock is free or ctx is done.
func (m *FileManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	delay := filePollMin
	for {
		lease, err := m.TryAcquire(ctx)
		if !errors.Is(err, ErrNotAcquired) {
			return lease, err
		}
		if err := SleepContext(ctx, delay); err != nil {
			return nil, err
		}
		if delay *= 2; delay > filePollMax {
			delay = filePollMax
		}
	}
}

// TryAcquire takes the lock without waiting.
func (m *FileManager) TryAcquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("flock %s: %w", m.path, err)
	}
	if err := writePID(f, m.pid); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &fileLease{file: f}, nil
}

// Holder returns the pid recorded in the lock file, 0 when none.
func (m *FileManager) Holder() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("parse lock holder: %w", err)
	}
	return pid, nil
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("write lock holder: %w", err)
	}
	return f.Sync()
}

type fileLease struct {
	file *os.File
}

func (l *fileLease) Release(context.Context) error {
	if l.file == nil {
		return nil
	}
	truncErr := l.file.Truncate(0)
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	switch {
	case truncErr != nil:
		return fmt.Errorf("truncate lock file: %w", truncErr)
	case unlockErr != nil:
		return fmt.Errorf("unlock: %w", unlockErr)
	case closeErr != nil:
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	return nil
}

var _ Manager = (*FileManager)(nil)

package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// retryInterval is the delay between lock attempts.
const retryInterval = 50 * time.Millisecond

// Lock is a held exclusive lock on a file.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive lock on path, creating the file if needed. It
// polls until the lock is free, ctx ends, or timeout elapses, in which case
// it returns ErrLockTimeout.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //#nosec G304 -- path is constructed internally
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return nil, err
		}
		ok, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			return &Lock{f: f}, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, bferrors.Wrapf(bferrors.ErrLockTimeout, "%s", path)
		}
		time.Sleep(retryInterval)
	}
}

// Release unlocks and closes the lock file. Releasing a nil Lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unlock(l.f); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Package flock provides cross-platform advisory file locks.
//
// The aggregator holds a lock file inside the artifact output directory while
// it writes, so two runs pointed at the same directory do not interleave:
//
//	lock, err := flock.Acquire(ctx, filepath.Join(dir, ".buildfarm.lock"), 5*time.Second)
//	if err != nil {
//	    return err // ErrLockTimeout if another run holds it
//	}
//	defer lock.Release()
package flock

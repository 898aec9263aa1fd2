package embedded

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/access"
)

// writerWeight is the semaphore weight of an exclusive holder; readers take
// one unit each.
const writerWeight = 1 << 30

// rwLock is a reader/writer lock whose acquisition honours context deadlines.
type rwLock struct {
	sem *semaphore.Weighted
}

func newRWLock() *rwLock {
	return &rwLock{sem: semaphore.NewWeighted(writerWeight)}
}

func weight(mode access.LockMode) int64 {
	if mode == access.WriteLock {
		return writerWeight
	}
	return 1
}

func (l *rwLock) acquire(ctx context.Context, mode access.LockMode, timeout time.Duration, path string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := l.sem.Acquire(ctx, weight(mode)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &api.Error{Code: api.CodeLockError, Path: path, Detail: "timed out acquiring " + mode.String() + " lock", Err: err}
		}
		return &api.Error{Code: api.CodeLockError, Path: path, Detail: "lock wait interrupted", Err: err}
	}
	return nil
}

func (l *rwLock) release(mode access.LockMode) {
	l.sem.Release(weight(mode))
}

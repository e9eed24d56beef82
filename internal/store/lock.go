package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockHeld is returned when another process holds the active-session lock.
var ErrLockHeld = errors.New("another elim process holds the session lock")

const lockRetryDelay = 100 * time.Millisecond

// Lock acquires the exclusive lock guarding the active namespace and the
// heuristics aggregate. The returned func releases it.
func (s *Store) Lock(ctx context.Context) (func() error, error) {
	if s.Config.Lock.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.Config.Lock.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	fl := flock.New(s.Path(LockFile))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w (%s)", ErrLockHeld, fl.Path())
		}
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (%s)", ErrLockHeld, fl.Path())
	}
	return fl.Unlock, nil
}

// WithLock runs fn while holding the store lock.
func (s *Store) WithLock(ctx context.Context, fn func() error) error {
	unlock, err := s.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

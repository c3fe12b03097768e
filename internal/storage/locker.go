package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// LockOptions bounds the acquisition of a distributed lock. Zero values are
// replaced with the defaults.
type LockOptions struct {
	// TTL is the lifetime of the lock record itself, so a crashed holder
	// cannot block refreshes forever.
	TTL time.Duration

	// RetryInterval is the fixed sleep between acquisition attempts.
	RetryInterval time.Duration

	// MaxAttempts caps the number of acquisition attempts before WithLock
	// gives up with ErrLockTimeout.
	MaxAttempts int
}

// DefaultLockOptions returns the standard lock budget: a 30 second lock TTL
// with up to 30 attempts at 100ms intervals.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		TTL:           30 * time.Second,
		RetryInterval: 100 * time.Millisecond,
		MaxAttempts:   30,
	}
}

func (o LockOptions) withDefaults() LockOptions {
	def := DefaultLockOptions()
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = def.RetryInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	return o
}

// WithLock runs fn while holding the distributed lock for key. Acquisition
// retries with a fixed backoff until the attempt budget is exhausted, at
// which point ErrLockTimeout is returned. Once acquired, the lock is released
// on every exit path, including a panic in fn.
func WithLock(ctx context.Context, b Backend, key string, opts LockOptions, fn func(context.Context) error) error {
	opts = opts.withDefaults()

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		acquired, err := b.AcquireLock(ctx, key, opts.TTL)
		if err != nil {
			return err
		}

		if acquired {
			defer func() {
				if err := b.ReleaseLock(ctx, key); err != nil {
					log.Warn().Err(err).Str("key", key).Msg("lock release failed; lock will expire via TTL")
				}
			}()
			return fn(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}

	return fmt.Errorf("%w: key %q still held after %d attempts", ErrLockTimeout, key, opts.MaxAttempts)
}

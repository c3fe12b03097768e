// Package storage provides the pluggable token-record store shared by every
// process that participates in token caching. Four backends implement the
// same contract: in-process memory, Valkey, DynamoDB and Postgres. The
// distributed lock primitive each backend carries guarantees at most one
// concurrent token refresh per cache key across the fleet.
package storage

import (
	"context"
	"errors"
	"time"
)

// Record is the unit of cached state: one issued token and the metadata
// needed to decide whether it can still be served. Records are values; they
// are freely copied and shared.
type Record struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope"`
	ClientID    string    `json:"client_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the record must no longer be served. ExpiresAt is
// written with the safety margin already subtracted, so expiry here means the
// upstream would reject the token soon enough to matter.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Backend is the uniform storage contract. Implementations own their
// connection or pool; callers never hold a connection beyond a single
// operation. Store overwrites any existing record (last write wins), and
// Retrieve never returns an expired record.
type Backend interface {
	// Store writes the record under key with the given TTL, replacing any
	// existing record.
	Store(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Retrieve returns the record for key, or found=false when the key is
	// absent or the stored record has expired.
	Retrieve(ctx context.Context, key string) (rec Record, found bool, err error)

	// Exists reports whether a non-expired record is present for key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the record for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// ClearAll removes every record under the configured key prefix.
	ClearAll(ctx context.Context) error

	// Healthy is a lightweight, bounded connectivity probe.
	Healthy(ctx context.Context) bool

	// AcquireLock attempts to create an exclusive, self-expiring lock record
	// for key. The attempt is atomic at the backend level; false means the
	// lock is currently held elsewhere, which is an expected outcome and not
	// an error.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the lock for key, but only if it is still owned by
	// this backend instance's last successful acquire.
	ReleaseLock(ctx context.Context, key string) error

	// Close releases the backend's connection resources.
	Close() error
}

// Cleaner is implemented by backends that bound storage growth by deleting
// rows past expiry. Cleanup is not required for correctness: reads already
// filter on expiry.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

var (
	// ErrConfiguration indicates bad or missing setup. It is fatal and raised
	// at construction time, never during normal operation.
	ErrConfiguration = errors.New("storage: invalid configuration")

	// ErrUnavailable indicates a connectivity failure talking to the backend.
	// Callers may retry; it is never converted into a silent cache miss.
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrCorruptRecord indicates a stored record could not be decrypted or
	// deserialized. Callers treat it as a cache miss and refresh.
	ErrCorruptRecord = errors.New("storage: corrupt record")

	// ErrLockTimeout indicates the lock retry budget was exhausted. The
	// condition is transient; callers surface it as retryable.
	ErrLockTimeout = errors.New("storage: lock acquisition timed out")
)

// lockKey derives the ephemeral lock entry key paired with a cache key. Lock
// records are only touched during refresh, never by normal token lookups.
func lockKey(key string) string {
	return key + ":lock"
}

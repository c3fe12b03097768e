package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// releaseLockScript deletes a lock only when it is still held by the owner
// that acquired it, so a lock that expired and was re-acquired elsewhere is
// never removed by the previous holder.
const releaseLockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Valkey is the shared key/value backend. TTL enforcement is delegated to the
// server's native expiry, and lock acquisition uses the atomic
// set-if-absent-with-TTL primitive.
type Valkey struct {
	client valkey.Client
	codec  *Codec
	prefix string

	mu     sync.Mutex
	owners map[string]string
}

// NewValkey creates a Valkey-backed store. The prefix scopes ClearAll to this
// deployment's keys.
func NewValkey(client valkey.Client, codec *Codec, prefix string) *Valkey {
	if codec == nil {
		codec = NewCodec(nil)
	}
	return &Valkey{
		client: client,
		codec:  codec,
		prefix: prefix,
		owners: make(map[string]string),
	}
}

func (v *Valkey) Store(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	payload, err := v.codec.Encode(key, rec)
	if err != nil {
		return err
	}

	cmd := v.client.B().Set().Key(key).Value(payload).ExSeconds(ttlSeconds(ttl)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: set %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (v *Valkey) Retrieve(ctx context.Context, key string) (Record, bool, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}

	payload, err := resp.ToString()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: reading %q: %v", ErrCorruptRecord, key, err)
	}

	rec, err := v.codec.Decode(key, payload)
	if err != nil {
		// Best-effort removal so the next caller goes straight to refresh.
		_ = v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
		return Record{}, false, err
	}

	// The server expires the key itself; this guards against a record whose
	// embedded expiry is earlier than its TTL.
	if rec.Expired(time.Now()) {
		_ = v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
		return Record{}, false, nil
	}

	return rec, true, nil
}

func (v *Valkey) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := v.Retrieve(ctx, key)
	return found, err
}

func (v *Valkey) Delete(ctx context.Context, key string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("%w: del %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (v *Valkey) ClearAll(ctx context.Context) error {
	var cursor uint64
	for {
		resp := v.client.Do(ctx, v.client.B().Scan().Cursor(cursor).Match(v.prefix+":*").Count(100).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}

		if len(entry.Elements) > 0 {
			if err := v.client.Do(ctx, v.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (v *Valkey) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return v.client.Do(ctx, v.client.B().Ping().Build()).Error() == nil
}

func (v *Valkey) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lk := lockKey(key)
	owner := uuid.NewString()

	cmd := v.client.B().Set().Key(lk).Value(owner).Nx().ExSeconds(ttlSeconds(ttl)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			// NX declined the write: the lock is held. Expected, not an error.
			return false, nil
		}
		return false, fmt.Errorf("%w: acquiring lock %q: %v", ErrUnavailable, lk, err)
	}

	v.mu.Lock()
	v.owners[lk] = owner
	v.mu.Unlock()
	return true, nil
}

func (v *Valkey) ReleaseLock(ctx context.Context, key string) error {
	lk := lockKey(key)

	v.mu.Lock()
	owner, ok := v.owners[lk]
	delete(v.owners, lk)
	v.mu.Unlock()
	if !ok {
		return nil
	}

	cmd := v.client.B().Eval().Script(releaseLockScript).Numkeys(1).Key(lk).Arg(owner).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: releasing lock %q: %v", ErrUnavailable, lk, err)
	}
	return nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}

// ttlSeconds rounds a TTL up to whole seconds, the granularity of server-side
// expiry. Sub-second TTLs still expire rather than persisting forever.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 || secs == 0 {
		secs++
	}
	return secs
}

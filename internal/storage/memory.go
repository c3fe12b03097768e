package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// Memory is the process-local backend, used for single-process deployments
// and tests. Records are held in an otter cache with the TTL enforced by an
// absolute expiry checked on read. There is no inter-process coordination:
// the lock primitive degenerates to a mutex-guarded map keyed by lock key.
type Memory struct {
	cache *otter.Cache[string, memoryEntry]

	mu     sync.Mutex
	locks  map[string]memoryLock
	owners map[string]string
}

// NewMemory creates an in-process backend holding at most maxEntries records.
func NewMemory(maxEntries int) *Memory {
	cache := otter.Must(&otter.Options[string, memoryEntry]{
		MaximumSize: maxEntries,
	})

	return &Memory{
		cache:  cache,
		locks:  make(map[string]memoryLock),
		owners: make(map[string]string),
	}
}

func (m *Memory) Store(_ context.Context, key string, rec Record, ttl time.Duration) error {
	m.cache.Set(key, memoryEntry{record: rec, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (m *Memory) Retrieve(_ context.Context, key string) (Record, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		return Record{}, false, nil
	}

	now := time.Now()
	if !now.Before(entry.Value.expiresAt) || entry.Value.record.Expired(now) {
		m.cache.Invalidate(key)
		return Record{}, false, nil
	}

	return entry.Value.record, true, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := m.Retrieve(ctx, key)
	return found, err
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory) ClearAll(_ context.Context) error {
	m.cache.InvalidateAll()
	return nil
}

func (m *Memory) Healthy(_ context.Context) bool {
	return true
}

func (m *Memory) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	lk := lockKey(key)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[lk]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}

	owner := uuid.NewString()
	m.locks[lk] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	m.owners[lk] = owner
	return true, nil
}

func (m *Memory) ReleaseLock(_ context.Context, key string) error {
	lk := lockKey(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[lk]
	if !ok {
		return nil
	}
	delete(m.owners, lk)

	if held, ok := m.locks[lk]; ok && held.owner == owner {
		delete(m.locks, lk)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

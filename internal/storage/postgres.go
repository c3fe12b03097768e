package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	tokensTable = "herdlock_tokens"
	locksTable  = "herdlock_locks"

	// janitorInterval is how often expired rows are swept. Sweeping bounds
	// table growth; reads filter on expiry regardless.
	janitorInterval = 10 * time.Minute
)

// Postgres is the relational backend. The schema is created on first use.
// Records are upserts keyed by token_key; locks are rows in a separate table
// whose acquisition is a single conditional upsert, atomic without relying on
// transaction isolation.
type Postgres struct {
	pool   *pgxpool.Pool
	codec  *Codec
	prefix string

	mu     sync.Mutex
	owners map[string]string

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// NewPostgres connects to the given URL, bootstraps the schema if it is
// absent, and starts a background sweep of expired rows. Close stops the
// sweep and releases the pool.
func NewPostgres(ctx context.Context, url string, codec *Codec, prefix string) (*Postgres, error) {
	if codec == nil {
		codec = NewCodec(nil)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing postgres url: %v", ErrConfiguration, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: connecting to postgres: %v", ErrUnavailable, err)
	}

	p := &Postgres{
		pool:        pool,
		codec:       codec,
		prefix:      prefix,
		owners:      make(map[string]string),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	go p.janitor()

	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tokensTable + ` (
			token_key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + tokensTable + `_expires_at_idx
			ON ` + tokensTable + ` (expires_at)`,
		`CREATE TABLE IF NOT EXISTS ` + locksTable + ` (
			lock_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrating schema: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (p *Postgres) Store(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	payload, err := p.codec.Encode(key, rec)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO `+tokensTable+` (token_key, payload, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (token_key) DO UPDATE
			SET payload = EXCLUDED.payload,
				expires_at = EXCLUDED.expires_at,
				updated_at = now()`,
		key, payload, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("%w: upserting %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (p *Postgres) Retrieve(ctx context.Context, key string) (Record, bool, error) {
	var payload string
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM `+tokensTable+` WHERE token_key = $1 AND expires_at > now()`,
		key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: selecting %q: %v", ErrUnavailable, key, err)
	}

	rec, err := p.codec.Decode(key, payload)
	if err != nil {
		_, _ = p.pool.Exec(ctx, `DELETE FROM `+tokensTable+` WHERE token_key = $1`, key)
		return Record{}, false, err
	}

	if rec.Expired(time.Now()) {
		return Record{}, false, nil
	}

	return rec, true, nil
}

func (p *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := p.Retrieve(ctx, key)
	return found, err
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+tokensTable+` WHERE token_key = $1`, key); err != nil {
		return fmt.Errorf("%w: deleting %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (p *Postgres) ClearAll(ctx context.Context) error {
	pattern := p.prefix + ":%"
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+tokensTable+` WHERE token_key LIKE $1`, pattern); err != nil {
		return fmt.Errorf("%w: clearing tokens: %v", ErrUnavailable, err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+locksTable+` WHERE lock_key LIKE $1`, pattern); err != nil {
		return fmt.Errorf("%w: clearing locks: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.pool.Ping(ctx) == nil
}

// AcquireLock claims the lock row in one statement: the insert succeeds when
// no row exists, and the conflict branch steals the row only when its expiry
// has passed. A live lock leaves the statement affecting zero rows.
func (p *Postgres) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lk := lockKey(key)
	owner := uuid.NewString()

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO `+locksTable+` (lock_key, owner, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (lock_key) DO UPDATE
			SET owner = EXCLUDED.owner,
				expires_at = EXCLUDED.expires_at
			WHERE `+locksTable+`.expires_at < now()`,
		lk, owner, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("%w: acquiring lock %q: %v", ErrUnavailable, lk, err)
	}

	if tag.RowsAffected() == 0 {
		return false, nil
	}

	p.mu.Lock()
	p.owners[lk] = owner
	p.mu.Unlock()
	return true, nil
}

func (p *Postgres) ReleaseLock(ctx context.Context, key string) error {
	lk := lockKey(key)

	p.mu.Lock()
	owner, ok := p.owners[lk]
	delete(p.owners, lk)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := p.pool.Exec(ctx,
		`DELETE FROM `+locksTable+` WHERE lock_key = $1 AND owner = $2`, lk, owner)
	if err != nil {
		return fmt.Errorf("%w: releasing lock %q: %v", ErrUnavailable, lk, err)
	}
	return nil
}

// Cleanup deletes rows past expiry from both tables.
func (p *Postgres) Cleanup(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+tokensTable+` WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("%w: sweeping tokens: %v", ErrUnavailable, err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+locksTable+` WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("%w: sweeping locks: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	close(p.stopJanitor)
	<-p.janitorDone
	p.pool.Close()
	return nil
}

func (p *Postgres) janitor() {
	defer close(p.janitorDone)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopJanitor:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := p.Cleanup(ctx); err != nil {
				log.Warn().Err(err).Msg("expired row sweep failed, continuing")
			}
			cancel()
		}
	}
}

// Package authclient is the façade callers use to obtain a shared OAuth2
// client-credentials token. It derives the cache key from the requested
// scopes, serves cached tokens without any network traffic, and coordinates
// refreshes so that at most one identity-endpoint call is in flight per cache
// key — per process via singleflight, per cluster via the backend's
// distributed lock.
package authclient

import (
	"context"
	"errors"
	"time"

	"github.com/herdlock/herdlock/internal/config"
	"github.com/herdlock/herdlock/internal/identity"
	"github.com/herdlock/herdlock/internal/scope"
	"github.com/herdlock/herdlock/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenRequester performs the actual identity-endpoint grant. Satisfied by
// *identity.Client; tests substitute their own.
type TokenRequester interface {
	ClientCredentials(ctx context.Context, scope string) (identity.TokenResponse, error)
}

// Client caches and refreshes tokens for a single credential set.
type Client struct {
	clientID  string
	margin    time.Duration
	keyPrefix string

	backend   storage.Backend
	requester TokenRequester
	lockOpts  storage.LockOptions

	group singleflight.Group
}

// New creates a token client backed by the given storage backend.
func New(cfg config.Config, backend storage.Backend, requester TokenRequester) *Client {
	return &Client{
		clientID:  cfg.Auth.ClientID,
		margin:    time.Duration(cfg.Auth.ExpiryMarginSeconds) * time.Second,
		keyPrefix: cfg.Storage.EffectivePrefix(),
		backend:   backend,
		requester: requester,
		lockOpts: storage.LockOptions{
			TTL:           time.Duration(cfg.Storage.LockTTLSeconds) * time.Second,
			RetryInterval: time.Duration(cfg.Storage.LockRetryIntervalMillis) * time.Millisecond,
			MaxAttempts:   cfg.Storage.LockMaxAttempts,
		},
	}
}

// Token returns a bearer token valid for the requested scopes, refreshing it
// through the identity endpoint only when no usable cached token exists.
func (c *Client) Token(ctx context.Context, scopes ...string) (string, error) {
	rec, err := c.Record(ctx, scopes...)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// Record is Token with the full cached record, for callers that need the
// expiry or granted scope alongside the credential.
func (c *Client) Record(ctx context.Context, scopes ...string) (storage.Record, error) {
	if err := scope.Validate(scopes...); err != nil {
		return storage.Record{}, err
	}

	normalized := scope.Normalize(scopes...)
	key := scope.CacheKey(c.keyPrefix, c.clientID, normalized)

	rec, ok, err := c.cached(ctx, key, normalized)
	if err != nil {
		return storage.Record{}, err
	}
	if ok {
		return rec, nil
	}

	// Collapse concurrent refreshes for the same key into one in-flight call
	// for this process; the distributed lock below bounds duplication across
	// processes to one call per cluster.
	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, key, normalized)
	})
	if err != nil {
		return storage.Record{}, err
	}

	return result.(storage.Record), nil
}

// TokenSource adapts the client to the oauth2.TokenSource contract for the
// requested scopes.
func (c *Client) TokenSource(ctx context.Context, scopes ...string) oauth2.TokenSource {
	return &tokenSource{client: c, ctx: ctx, scopes: scopes}
}

// Invalidate drops the cached token for the given scopes.
func (c *Client) Invalidate(ctx context.Context, scopes ...string) error {
	key := scope.CacheKey(c.keyPrefix, c.clientID, scope.Normalize(scopes...))
	return c.backend.Delete(ctx, key)
}

// InvalidateAll drops every cached token under this deployment's key prefix.
func (c *Client) InvalidateAll(ctx context.Context) error {
	return c.backend.ClearAll(ctx)
}

// cached returns the stored record for key when it is present and unexpired.
// A corrupt record is logged and treated as a miss so the caller refreshes;
// backend unavailability propagates, never masquerading as a miss.
func (c *Client) cached(ctx context.Context, key, normalized string) (storage.Record, bool, error) {
	rec, found, err := c.backend.Retrieve(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrCorruptRecord) {
			log.Warn().Err(err).Str("key", key).Msg("cached token unreadable, refreshing")
			return storage.Record{}, false, nil
		}
		return storage.Record{}, false, err
	}
	if !found {
		return storage.Record{}, false, nil
	}

	// Cache keys are scope-exact, so an incompatible grant here means the
	// upstream narrowed the scopes it actually granted.
	if !scope.Compatible(rec.Scope, normalized) {
		log.Warn().
			Str("granted", rec.Scope).
			Str("requested", normalized).
			Msg("cached token does not cover requested scopes")
	}

	return rec, true, nil
}

// refresh drives the STALE → REFRESHING → FRESH transition: re-check storage
// (another goroutine or process may have won), then hold the distributed lock
// around exactly one identity-endpoint call and write the result back.
func (c *Client) refresh(ctx context.Context, key, normalized string) (storage.Record, error) {
	if rec, ok, err := c.cached(ctx, key, normalized); err != nil {
		return storage.Record{}, err
	} else if ok {
		return rec, nil
	}

	var result storage.Record
	err := storage.WithLock(ctx, c.backend, key, c.lockOpts, func(ctx context.Context) error {
		// A process that lost the lock race arrives here after the winner
		// released; its token is already stored.
		if rec, ok, err := c.cached(ctx, key, normalized); err != nil {
			return err
		} else if ok {
			result = rec
			return nil
		}

		resp, err := c.requester.ClientCredentials(ctx, normalized)
		if err != nil {
			return err
		}

		granted := resp.Scope
		if granted == "" {
			granted = normalized
		}

		lifetime := time.Duration(resp.ExpiresIn) * time.Second
		effective := lifetime - c.margin
		if effective <= 0 {
			log.Warn().
				Dur("lifetime", lifetime).
				Dur("margin", c.margin).
				Msg("token lifetime within expiry margin, caching without margin")
			effective = lifetime
		}

		now := time.Now()
		rec := storage.Record{
			AccessToken: resp.AccessToken,
			ExpiresAt:   now.Add(effective),
			Scope:       granted,
			ClientID:    c.clientID,
			CreatedAt:   now,
		}

		if err := c.backend.Store(ctx, key, rec, effective); err != nil {
			return err
		}

		log.Info().
			Str("key", key).
			Str("scope", granted).
			Time("expires_at", rec.ExpiresAt).
			Msg("token refreshed")

		result = rec
		return nil
	})
	if err != nil {
		return storage.Record{}, err
	}

	return result, nil
}

type tokenSource struct {
	client *Client
	ctx    context.Context
	scopes []string
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	rec, err := s.client.Record(s.ctx, s.scopes...)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: rec.AccessToken,
		TokenType:   "Bearer",
		Expiry:      rec.ExpiresAt,
	}, nil
}

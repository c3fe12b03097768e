package authclient_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/herdlock/herdlock/internal/authclient"
	"github.com/herdlock/herdlock/internal/config"
	"github.com/herdlock/herdlock/internal/identity"
	"github.com/herdlock/herdlock/internal/scope"
	"github.com/herdlock/herdlock/internal/storage"
	"github.com/herdlock/herdlock/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(tokenURL string) config.Config {
	return config.Config{
		Auth: config.AuthConfig{
			ClientID:            "client-1",
			ClientSecret:        "secret",
			TokenURL:            tokenURL,
			ExpiryMarginSeconds: 10,
		},
		Storage: config.StorageConfig{
			Type:                    "memory",
			KeyPrefix:               "herdlock",
			Environment:             "test",
			MemoryMaxEntries:        100,
			LockTTLSeconds:          5,
			LockRetryIntervalMillis: 5,
			LockMaxAttempts:         200,
		},
	}
}

func newTestClient(t *testing.T) (*authclient.Client, *testhelpers.MockIdentityServer, *storage.Memory) {
	t.Helper()

	mock := testhelpers.SetupMockIdentityServer(t)
	cfg := testConfig(mock.TokenURL())
	backend := storage.NewMemory(cfg.Storage.MemoryMaxEntries)
	requester := identity.NewClient(nil, cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret)

	return authclient.New(cfg, backend, requester), mock, backend
}

func TestToken_CachedTokenServedWithoutUpstreamCall(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)

	first, err := client.Token(ctx, "a:y", "b:x")
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", first)
	assert.Equal(t, 1, mock.RequestCount())

	for i := 0; i < 5; i++ {
		token, err := client.Token(ctx, "b:x", "a:y") // order must not matter
		require.NoError(t, err)
		assert.Equal(t, first, token)
	}

	assert.Equal(t, 1, mock.RequestCount(), "cached token must be served without network traffic")
}

func TestToken_ExpiredRecordTriggersSingleRefresh(t *testing.T) {
	ctx := context.Background()
	client, mock, backend := newTestClient(t)

	normalized := scope.Normalize("a:y")
	key := scope.CacheKey("herdlock:test", "client-1", normalized)

	// Seed a record whose embedded expiry has already passed.
	stale := storage.Record{
		AccessToken: "stale-token",
		ExpiresAt:   time.Now().Add(-time.Minute),
		Scope:       normalized,
		ClientID:    "client-1",
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, backend.Store(ctx, key, stale, time.Hour))

	token, err := client.Token(ctx, "a:y")
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", token)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestToken_RejectionPropagatesAndNothingIsCached(t *testing.T) {
	ctx := context.Background()
	client, mock, backend := newTestClient(t)
	mock.SetStatusCode(http.StatusUnauthorized)

	_, err := client.Token(ctx, "a:y")
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	key := scope.CacheKey("herdlock:test", "client-1", scope.Normalize("a:y"))
	found, err := backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "a rejected grant must never be cached")

	// Recovery: once the endpoint accepts again, the next call succeeds.
	mock.SetStatusCode(http.StatusOK)
	token, err := client.Token(ctx, "a:y")
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", token)
}

func TestToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)

	const callers = 16

	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = client.Token(ctx, "a:y", "b:x")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "test-access-token", tokens[i])
	}
	assert.Equal(t, 1, mock.RequestCount(), "concurrent callers must collapse to one upstream call")
}

func TestToken_DistinctScopeSetsUseDistinctTokens(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)

	_, err := client.Token(ctx, "a:y")
	require.NoError(t, err)

	mock.SetToken("other-access-token")

	token, err := client.Token(ctx, "b:x")
	require.NoError(t, err)
	assert.Equal(t, "other-access-token", token)
	assert.Equal(t, 2, mock.RequestCount())
}

func TestToken_InvalidScopeRejectedBeforeUpstream(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)

	_, err := client.Token(ctx, ":not valid")
	require.Error(t, err)
	assert.Equal(t, 0, mock.RequestCount())
}

func TestRecord_ExpiryMarginApplied(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)

	before := time.Now()
	rec, err := client.Record(ctx, "a:y")
	require.NoError(t, err)

	// 3600s lifetime minus the 10s margin.
	expected := before.Add(3590 * time.Second)
	assert.WithinDuration(t, expected, rec.ExpiresAt, 2*time.Second)
}

func TestRecord_ShortLifetimeCachedWithoutMargin(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)
	mock.ExpiresIn = 5 // within the 10s margin

	before := time.Now()
	rec, err := client.Record(ctx, "a:y")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(5*time.Second), rec.ExpiresAt, 2*time.Second)
}

func TestRecord_NarrowedGrantIsStored(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)
	mock.Scope = "a:y" // upstream grants less than requested

	rec, err := client.Record(ctx, "a:y", "b:x")
	require.NoError(t, err)
	assert.Equal(t, "a:y", rec.Scope)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)

	_, err := client.Token(ctx, "a:y")
	require.NoError(t, err)

	require.NoError(t, client.Invalidate(ctx, "a:y"))

	_, err = client.Token(ctx, "a:y")
	require.NoError(t, err)
	assert.Equal(t, 2, mock.RequestCount(), "invalidation must force a refresh")
}

func TestInvalidateAll(t *testing.T) {
	ctx := context.Background()
	client, mock, _ := newTestClient(t)

	_, err := client.Token(ctx, "a:y")
	require.NoError(t, err)
	_, err = client.Token(ctx, "b:x")
	require.NoError(t, err)

	require.NoError(t, client.InvalidateAll(ctx))

	_, err = client.Token(ctx, "a:y")
	require.NoError(t, err)
	assert.Equal(t, 3, mock.RequestCount())
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)

	source := client.TokenSource(ctx, "a:y")
	token, err := source.Token()
	require.NoError(t, err)

	assert.Equal(t, "test-access-token", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.True(t, token.Expiry.After(time.Now()))
}

// flakyBackend wraps Memory, failing or corrupting reads on demand.
type flakyBackend struct {
	*storage.Memory
	retrieveErr error
}

func (f *flakyBackend) Retrieve(ctx context.Context, key string) (storage.Record, bool, error) {
	if f.retrieveErr != nil {
		return storage.Record{}, false, f.retrieveErr
	}
	return f.Memory.Retrieve(ctx, key)
}

func TestToken_CorruptRecordTreatedAsMiss(t *testing.T) {
	ctx := context.Background()
	mock := testhelpers.SetupMockIdentityServer(t)
	cfg := testConfig(mock.TokenURL())

	backend := &flakyBackend{
		Memory:      storage.NewMemory(100),
		retrieveErr: fmt.Errorf("%w: payload unreadable", storage.ErrCorruptRecord),
	}
	requester := identity.NewClient(nil, cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret)
	client := authclient.New(cfg, backend, requester)

	token, err := client.Token(ctx, "a:y")
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", token)
	assert.Equal(t, 1, mock.RequestCount(), "corrupt record must fall through to a refresh")
}

func TestToken_BackendUnavailabilityPropagates(t *testing.T) {
	ctx := context.Background()
	mock := testhelpers.SetupMockIdentityServer(t)
	cfg := testConfig(mock.TokenURL())

	backend := &flakyBackend{
		Memory:      storage.NewMemory(100),
		retrieveErr: fmt.Errorf("%w: connection refused", storage.ErrUnavailable),
	}
	requester := identity.NewClient(nil, cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret)
	client := authclient.New(cfg, backend, requester)

	_, err := client.Token(ctx, "a:y")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 0, mock.RequestCount(), "unavailability must not be masked as a cache miss")
}

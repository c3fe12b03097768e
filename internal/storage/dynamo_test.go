package storage

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo implements DynamoAPI over an in-memory item map, honouring the
// two conditional expressions the backend relies on.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	unhealthy bool
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (f *fakeDynamo) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := stringAttr(params.Item, "token_key")

	if params.ConditionExpression != nil {
		// "attribute_not_exists(token_key) OR expires_at < :now"
		now := numberAttr(params.ExpressionAttributeValues, ":now")
		if existing, ok := f.items[key]; ok && numberAttr(existing, "expires_at") >= now {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	f.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := stringAttr(params.Key, "token_key")
	item, ok := f.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := stringAttr(params.Key, "token_key")

	if params.ConditionExpression != nil {
		// "#o = :owner"
		owner := stringAttr(params.ExpressionAttributeValues, ":owner")
		existing, ok := f.items[key]
		if !ok || stringAttr(existing, "owner") != owner {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := stringAttr(params.ExpressionAttributeValues, ":p")

	out := &dynamodb.ScanOutput{}
	for key, item := range f.items {
		if strings.HasPrefix(key, prefix) {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unhealthy {
		return nil, &types.ResourceNotFoundException{}
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func TestDynamo_StoreRetrieve(t *testing.T) {
	ctx := context.Background()
	backend := NewDynamo(newFakeDynamo(), "tokens", nil, "herdlock:test")
	rec := testRecord()

	require.NoError(t, backend.Store(ctx, "herdlock:test:key-1", rec, time.Minute))

	got, found, err := backend.Retrieve(ctx, "herdlock:test:key-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, rec.AccessToken, got.AccessToken)
	assert.Equal(t, rec.Scope, got.Scope)
}

func TestDynamo_RetrieveMissing(t *testing.T) {
	backend := NewDynamo(newFakeDynamo(), "tokens", nil, "herdlock:test")

	_, found, err := backend.Retrieve(context.Background(), "no-such-key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDynamo_ExpiredItemFilteredAndDeleted(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	backend := NewDynamo(fake, "tokens", nil, "herdlock:test")

	require.NoError(t, backend.Store(ctx, "herdlock:test:key-1", testRecord(), -time.Minute))

	_, found, err := backend.Retrieve(ctx, "herdlock:test:key-1")
	require.NoError(t, err)
	assert.False(t, found)

	fake.mu.Lock()
	_, remains := fake.items["herdlock:test:key-1"]
	fake.mu.Unlock()
	assert.False(t, remains, "lagging-TTL item should be deleted on read")
}

func TestDynamo_EmbeddedExpiryFiltered(t *testing.T) {
	ctx := context.Background()
	backend := NewDynamo(newFakeDynamo(), "tokens", nil, "herdlock:test")

	rec := testRecord()
	rec.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, backend.Store(ctx, "herdlock:test:key-1", rec, time.Hour))

	_, found, err := backend.Retrieve(ctx, "herdlock:test:key-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDynamo_CorruptPayloadDeletedOnRead(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	backend := NewDynamo(fake, "tokens", nil, "herdlock:test")

	fake.items["herdlock:test:key-1"] = map[string]types.AttributeValue{
		"token_key":  &types.AttributeValueMemberS{Value: "herdlock:test:key-1"},
		"payload":    &types.AttributeValueMemberS{Value: "not json"},
		"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)},
	}

	_, _, err := backend.Retrieve(ctx, "herdlock:test:key-1")
	assert.ErrorIs(t, err, ErrCorruptRecord)

	fake.mu.Lock()
	_, remains := fake.items["herdlock:test:key-1"]
	fake.mu.Unlock()
	assert.False(t, remains)
}

func TestDynamo_ClearAllRespectsPrefix(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	backend := NewDynamo(fake, "tokens", nil, "herdlock:test")
	other := NewDynamo(fake, "tokens", nil, "herdlock:prod")

	require.NoError(t, backend.Store(ctx, "herdlock:test:key-1", testRecord(), time.Minute))
	require.NoError(t, other.Store(ctx, "herdlock:prod:key-1", testRecord(), time.Minute))

	require.NoError(t, backend.ClearAll(ctx))

	found, err := backend.Exists(ctx, "herdlock:test:key-1")
	require.NoError(t, err)
	assert.False(t, found)

	found, err = other.Exists(ctx, "herdlock:prod:key-1")
	require.NoError(t, err)
	assert.True(t, found, "other environment's records must survive")
}

func TestDynamo_LockExclusionAcrossInstances(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()

	// Two backends over the same table model two processes.
	first := NewDynamo(fake, "tokens", nil, "herdlock:test")
	second := NewDynamo(fake, "tokens", nil, "herdlock:test")

	acquired, err := first.AcquireLock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = second.AcquireLock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "lock must be exclusive across processes")

	require.NoError(t, first.ReleaseLock(ctx, "key-1"))

	acquired, err = second.AcquireLock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestDynamo_ReleaseByNonOwnerLeavesLockHeld(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()

	first := NewDynamo(fake, "tokens", nil, "herdlock:test")
	second := NewDynamo(fake, "tokens", nil, "herdlock:test")

	acquired, err := first.AcquireLock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// The second instance never acquired this lock; its release is a no-op.
	require.NoError(t, second.ReleaseLock(ctx, "key-1"))

	acquired, err = second.AcquireLock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "first instance's lock must survive")
}

func TestDynamo_ExpiredLockCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()

	first := NewDynamo(fake, "tokens", nil, "herdlock:test")
	second := NewDynamo(fake, "tokens", nil, "herdlock:test")

	acquired, err := first.AcquireLock(ctx, "key-1", -time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.AcquireLock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lock should be claimable by another process")
}

func TestDynamo_Healthy(t *testing.T) {
	fake := newFakeDynamo()
	backend := NewDynamo(fake, "tokens", nil, "herdlock:test")

	assert.True(t, backend.Healthy(context.Background()))

	fake.mu.Lock()
	fake.unhealthy = true
	fake.mu.Unlock()

	assert.False(t, backend.Healthy(context.Background()))
}

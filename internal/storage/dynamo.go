package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the slice of the DynamoDB client this backend uses. Narrowing
// the dependency keeps the conditional-write contract testable against a
// fake.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoItem is the wide-column representation of a record or lock. The ttl
// attribute drives DynamoDB's native item expiry; expires_at is the
// authoritative value checked on read, since native TTL deletion can lag.
type dynamoItem struct {
	TokenKey  string `dynamodbav:"token_key"`
	Payload   string `dynamodbav:"payload,omitempty"`
	Owner     string `dynamodbav:"owner,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	CreatedAt int64  `dynamodbav:"created_at"`
	TTL       int64  `dynamodbav:"ttl"`
}

// Dynamo is the wide-column backend.
type Dynamo struct {
	client DynamoAPI
	table  string
	codec  *Codec
	prefix string

	mu     sync.Mutex
	owners map[string]string
}

// NewDynamo creates a DynamoDB-backed store using the given table, which must
// already exist with token_key as its partition key.
func NewDynamo(client DynamoAPI, table string, codec *Codec, prefix string) *Dynamo {
	if codec == nil {
		codec = NewCodec(nil)
	}
	return &Dynamo{
		client: client,
		table:  table,
		codec:  codec,
		prefix: prefix,
		owners: make(map[string]string),
	}
}

func (d *Dynamo) Store(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	payload, err := d.codec.Encode(key, rec)
	if err != nil {
		return err
	}

	now := time.Now()
	item, err := attributevalue.MarshalMap(dynamoItem{
		TokenKey:  key,
		Payload:   payload,
		ExpiresAt: now.Add(ttl).Unix(),
		CreatedAt: now.Unix(),
		TTL:       now.Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshalling item for %q: %w", key, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (d *Dynamo) Retrieve(ctx context.Context, key string) (Record, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}
	if len(out.Item) == 0 {
		return Record{}, false, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Record{}, false, fmt.Errorf("%w: unmarshalling %q: %v", ErrCorruptRecord, key, err)
	}

	now := time.Now()
	if item.ExpiresAt <= now.Unix() {
		// Native TTL deletion has not caught up yet.
		_ = d.deleteItem(ctx, key)
		return Record{}, false, nil
	}

	rec, err := d.codec.Decode(key, item.Payload)
	if err != nil {
		_ = d.deleteItem(ctx, key)
		return Record{}, false, err
	}

	if rec.Expired(now) {
		_ = d.deleteItem(ctx, key)
		return Record{}, false, nil
	}

	return rec, true, nil
}

func (d *Dynamo) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := d.Retrieve(ctx, key)
	return found, err
}

func (d *Dynamo) Delete(ctx context.Context, key string) error {
	if err := d.deleteItem(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (d *Dynamo) ClearAll(ctx context.Context) error {
	var startKey map[string]types.AttributeValue
	for {
		out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(d.table),
			FilterExpression:     aws.String("begins_with(token_key, :p)"),
			ProjectionExpression: aws.String("token_key"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: d.prefix + ":"},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}

		for _, item := range out.Items {
			var entry dynamoItem
			if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
				continue
			}
			if err := d.deleteItem(ctx, entry.TokenKey); err != nil {
				return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, entry.TokenKey, err)
			}
		}

		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return nil
		}
	}
}

func (d *Dynamo) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
	return err == nil
}

// AcquireLock performs a conditional put that fails while an unexpired lock
// item exists. The condition failure is "lock held", not an error.
func (d *Dynamo) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lk := lockKey(key)
	owner := uuid.NewString()
	now := time.Now()

	item, err := attributevalue.MarshalMap(dynamoItem{
		TokenKey:  lk,
		Owner:     owner,
		ExpiresAt: now.Add(ttl).Unix(),
		CreatedAt: now.Unix(),
		TTL:       now.Add(ttl).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("marshalling lock item for %q: %w", lk, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(token_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("%w: acquiring lock %q: %v", ErrUnavailable, lk, err)
	}

	d.mu.Lock()
	d.owners[lk] = owner
	d.mu.Unlock()
	return true, nil
}

func (d *Dynamo) ReleaseLock(ctx context.Context, key string) error {
	lk := lockKey(key)

	d.mu.Lock()
	owner, ok := d.owners[lk]
	delete(d.owners, lk)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 itemKey(lk),
		ConditionExpression: aws.String("#o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			// The lock expired and was re-acquired elsewhere; leave it alone.
			return nil
		}
		return fmt.Errorf("%w: releasing lock %q: %v", ErrUnavailable, lk, err)
	}
	return nil
}

func (d *Dynamo) Close() error {
	return nil
}

func (d *Dynamo) deleteItem(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(key),
	})
	return err
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"token_key": &types.AttributeValueMemberS{Value: key},
	}
}

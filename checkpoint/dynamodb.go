package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gurre/s3mpu/aws"
	"github.com/gurre/s3mpu/manifest"
	"github.com/gurre/s3mpu/state"
)

// item is the DynamoDB representation of a snapshot. The table's partition
// key must be the string attribute "id".
type item struct {
	ID        string          `dynamodbav:"id"`
	Bucket    string          `dynamodbav:"bucket"`
	Key       string          `dynamodbav:"key"`
	UploadID  string          `dynamodbav:"uploadId"`
	Algorithm string          `dynamodbav:"checksumAlgorithm,omitempty"`
	Parts     []manifest.Part `dynamodbav:"parts"`
	UpdatedAt time.Time       `dynamodbav:"updatedAt"`
}

// DynamoDBStore implements the Store interface with one item per checkpoint.
// Example:
//
//	store, err := checkpoint.NewDynamoDBStore(client, "dynamodb://s3mpu-checkpoints/nightly-backup")
type DynamoDBStore struct {
	client aws.DynamoDBClient
	table  string
	id     string
}

// NewDynamoDBStore creates a store from a dynamodb://table/id URI.
func NewDynamoDBStore(client aws.DynamoDBClient, uri string) (*DynamoDBStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid DynamoDB URI: %w", err)
	}
	if u.Scheme != "dynamodb" {
		return nil, fmt.Errorf("invalid DynamoDB URI scheme: %s", u.Scheme)
	}
	id := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || id == "" {
		return nil, fmt.Errorf("invalid DynamoDB URI %s (must be dynamodb://table/id)", uri)
	}
	return &DynamoDBStore{client: client, table: u.Host, id: id}, nil
}

func (d *DynamoDBStore) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: d.id}}
}

// Load reads the checkpoint item. A missing item is an empty snapshot.
func (d *DynamoDBStore) Load(ctx context.Context) (state.Snapshot, error) {
	var out *dynamodb.GetItemOutput
	err := d.retry(ctx, func() (err error) {
		out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      &d.table,
			Key:            d.key(),
			ConsistentRead: awssdk.Bool(true),
		})
		return err
	})
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("failed to get checkpoint item: %w", err)
	}
	if len(out.Item) == 0 {
		return state.Snapshot{}, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return state.Snapshot{}, fmt.Errorf("failed to decode checkpoint item: %w", err)
	}
	return state.Snapshot{
		Bucket:    it.Bucket,
		Key:       it.Key,
		UploadID:  it.UploadID,
		Algorithm: it.Algorithm,
		Parts:     it.Parts,
	}, nil
}

// Save replaces the checkpoint item.
func (d *DynamoDBStore) Save(ctx context.Context, snap state.Snapshot) error {
	av, err := attributevalue.MarshalMap(item{
		ID:        d.id,
		Bucket:    snap.Bucket,
		Key:       snap.Key,
		UploadID:  snap.UploadID,
		Algorithm: snap.Algorithm,
		Parts:     snap.Parts,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint item: %w", err)
	}

	err = d.retry(ctx, func() error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: &d.table, Item: av})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint item: %w", err)
	}
	return nil
}

// Clear deletes the checkpoint item.
func (d *DynamoDBStore) Clear(ctx context.Context) error {
	err := d.retry(ctx, func() error {
		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &d.table, Key: d.key()})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint item: %w", err)
	}
	return nil
}

// retry runs op until it succeeds, fails with a non-throttling error or the
// context ends. Throttling is retried indefinitely.
func (d *DynamoDBStore) retry(ctx context.Context, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !isThrottlingError(err) {
			return err
		}
		if !backoffWait(ctx, attempt) {
			return fmt.Errorf("%w (gave up after %d attempts: %v)", err, attempt+1, ctx.Err())
		}
	}
}

// isThrottlingError returns true if the error is a DynamoDB throughput throttling error.
func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context was cancelled while waiting.
func backoffWait(ctx context.Context, attempt int) bool {
	base := 50 * time.Millisecond
	maxDelay := 5 * time.Second

	delay := base * time.Duration(1<<uint(min(attempt, 16)))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

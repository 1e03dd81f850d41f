package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient is a mock implementation of aws.DynamoDBClient for testing.
// Items are keyed by their partition key attribute, named by KeyAttribute.
type DynamoDBClient struct {
	KeyAttribute string

	mu        sync.Mutex
	tableData map[string]map[string]map[string]types.AttributeValue
	throttles int
	calls     map[string]int
}

// NewDynamoDBClient creates a new mock DynamoDB client keyed by "id".
func NewDynamoDBClient() *DynamoDBClient {
	return &DynamoDBClient{
		KeyAttribute: "id",
		tableData:    make(map[string]map[string]map[string]types.AttributeValue),
		calls:        make(map[string]int),
	}
}

// ThrottleNext makes the next n calls fail with ProvisionedThroughputExceededException.
func (m *DynamoDBClient) ThrottleNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttles = n
}

// Calls returns how many times op was invoked, throttled attempts included.
func (m *DynamoDBClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Item returns a stored item.
func (m *DynamoDBClient) Item(table, id string) (map[string]types.AttributeValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.tableData[table][id]
	return item, ok
}

// begin records a call and must be called with mu held.
func (m *DynamoDBClient) begin(op string) error {
	m.calls[op]++
	if m.throttles > 0 {
		m.throttles--
		return &types.ProvisionedThroughputExceededException{Message: aws.String("throughput exceeded")}
	}
	return nil
}

func (m *DynamoDBClient) keyOf(item map[string]types.AttributeValue) (string, error) {
	v, ok := item[m.KeyAttribute].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("mock DynamoDB: missing string key attribute %q", m.KeyAttribute)
	}
	return v.Value, nil
}

// GetItem reads a single item by key.
func (m *DynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetItem"); err != nil {
		return nil, err
	}

	id, err := m.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: m.tableData[aws.ToString(params.TableName)][id]}, nil
}

// PutItem writes a single item, replacing any item with the same key.
func (m *DynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("PutItem"); err != nil {
		return nil, err
	}

	id, err := m.keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	table := aws.ToString(params.TableName)
	if _, ok := m.tableData[table]; !ok {
		m.tableData[table] = make(map[string]map[string]types.AttributeValue)
	}
	m.tableData[table][id] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

// DeleteItem removes a single item by key.
func (m *DynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteItem"); err != nil {
		return nil, err
	}

	id, err := m.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	delete(m.tableData[aws.ToString(params.TableName)], id)
	return &dynamodb.DeleteItemOutput{}, nil
}

package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/binstore/blobstore"
)

// DDBClient is the subset of the DynamoDB API used by
// DynamoInvalidationTable. *dynamodb.Client implements it.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

const (
	attrScope      = "scope"
	attrKey        = "blob_key"
	attrGeneration = "generation"
)

// DynamoInvalidationTable implements blobstore.InvalidationRegistry on a
// DynamoDB table, sharing cache invalidations between processes.
//
// Table schema:
//   - Partition key: scope (string), the target identity
//   - Sort key: blob_key (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name binstore-generations \
//	  --attribute-definitions AttributeName=scope,AttributeType=S AttributeName=blob_key,AttributeType=S \
//	  --key-schema AttributeName=scope,KeyType=HASH AttributeName=blob_key,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoInvalidationTable struct {
	client DDBClient
	table  string
}

var _ blobstore.InvalidationRegistry = (*DynamoInvalidationTable)(nil)

// NewDynamoInvalidationTable returns a registry stored in table.
func NewDynamoInvalidationTable(client DDBClient, table string) *DynamoInvalidationTable {
	return &DynamoInvalidationTable{client: client, table: table}
}

func (t *DynamoInvalidationTable) itemKey(scope, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrScope: &types.AttributeValueMemberS{Value: scope},
		attrKey:   &types.AttributeValueMemberS{Value: key},
	}
}

// Generation reads the generation with a strongly consistent read.
func (t *DynamoInvalidationTable) Generation(ctx context.Context, scope, key string) (uint64, error) {
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.table),
		Key:            t.itemKey(scope, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	if out.Item == nil {
		return 0, nil
	}
	return parseGeneration(out.Item)
}

// Invalidate atomically increments the generation.
func (t *DynamoInvalidationTable) Invalidate(ctx context.Context, scope, key string) (uint64, error) {
	out, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(t.table),
		Key:              t.itemKey(scope, key),
		UpdateExpression: aws.String("ADD #gen :one"),
		ExpressionAttributeNames: map[string]string{
			"#gen": attrGeneration,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("increment generation: %w", err)
	}
	return parseGeneration(out.Attributes)
}

func parseGeneration(item map[string]types.AttributeValue) (uint64, error) {
	attr, ok := item[attrGeneration]
	if !ok {
		return 0, nil
	}
	n, ok := attr.(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("invalid generation attribute in DynamoDB")
	}
	gen, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation: %w", err)
	}
	return gen, nil
}

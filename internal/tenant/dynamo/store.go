// Package dynamo provides a tenant Store backed by a DynamoDB table keyed
// by tenant_id.
package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"logfanout/internal/tenant"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Store reads tenant configurations from DynamoDB.
type Store struct {
	api   API
	table string
	// consistent requests strongly consistent reads.
	consistent bool
}

var _ tenant.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithConsistentRead enables strongly consistent reads.
func WithConsistentRead() Option {
	return func(s *Store) { s.consistent = true }
}

// NewStore creates a store reading from table.
func NewStore(api API, table string, opts ...Option) *Store {
	s := &Store{api: api, table: table}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get fetches and decodes one tenant item.
func (s *Store) Get(ctx context.Context, tenantID string) (tenant.Config, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
		},
		ConsistentRead: aws.Bool(s.consistent),
	})
	if err != nil {
		return tenant.Config{}, fmt.Errorf("get tenant %s from %s: %w", tenantID, s.table, err)
	}
	if len(out.Item) == 0 {
		return tenant.Config{}, fmt.Errorf("%w: %s", tenant.ErrNotFound, tenantID)
	}

	var rec tenant.Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return tenant.Config{}, fmt.Errorf("%w: tenant %s: decode item: %w", tenant.ErrInvalid, tenantID, err)
	}
	if rec.TenantID == "" {
		rec.TenantID = tenantID
	}
	return rec.Config(), nil
}

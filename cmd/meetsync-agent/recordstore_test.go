// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamoClient serves canned scan pages and injected write errors.
type fakeDynamoClient struct {
	pages     []*dynamodb.ScanOutput
	page      int
	putErr    error
	deleteErr error
}

func (f *fakeDynamoClient) Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	out := f.pages[f.page]
	if f.page < len(f.pages)-1 {
		f.page++
	}
	return out, nil
}

func (f *fakeDynamoClient) PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoClient) DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func scanItem(t *testing.T, rec remoteRecord) map[string]dynamotypes.AttributeValue {
	t.Helper()
	item := map[string]dynamotypes.AttributeValue{
		"pk":          &dynamotypes.AttributeValueMemberS{Value: rec.PK},
		"record_type": &dynamotypes.AttributeValueMemberS{Value: rec.RecordType},
		"updated_at":  &dynamotypes.AttributeValueMemberS{Value: rec.UpdatedAt},
		"payload":     &dynamotypes.AttributeValueMemberB{Value: rec.Payload},
	}
	return item
}

func TestDynamoFetchAllFollowsPagination(t *testing.T) {
	first := mustEncodeMeeting(t, Meeting{ID: RecordID{Owner: "me", Zone: "meetups", Name: "m1"}, UpdatedAt: ts(1)})
	second := mustEncodeMeeting(t, Meeting{ID: RecordID{Owner: "me", Zone: "meetups", Name: "m2"}, UpdatedAt: ts(1)})
	client := &fakeDynamoClient{pages: []*dynamodb.ScanOutput{
		{
			Items: []map[string]dynamotypes.AttributeValue{scanItem(t, first)},
			LastEvaluatedKey: map[string]dynamotypes.AttributeValue{
				"pk": &dynamotypes.AttributeValueMemberS{Value: first.PK},
			},
		},
		{Items: []map[string]dynamotypes.AttributeValue{scanItem(t, second)}},
	}}
	store := newDynamoRecordStore(client, "owned", "shared")

	records, err := store.FetchAll(context.Background(), PartitionOwned)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDynamoUpsertMapsCapacityRejection(t *testing.T) {
	client := &fakeDynamoClient{putErr: &dynamotypes.ItemCollectionSizeLimitExceededException{}}
	store := newDynamoRecordStore(client, "owned", "shared")

	rec := mustEncodeMeeting(t, Meeting{ID: RecordID{Owner: "me", Zone: "meetups", Name: "m1"}, UpdatedAt: ts(1)})
	_, err := store.Upsert(context.Background(), PartitionOwned, rec)
	assert.ErrorIs(t, err, errQuotaExceeded)
	assert.Equal(t, errKindActionable, classifyError(err), "a full store is something the user can act on")
}

func TestDynamoDeleteAbsentKeyIgnored(t *testing.T) {
	client := &fakeDynamoClient{deleteErr: &dynamotypes.ResourceNotFoundException{}}
	store := newDynamoRecordStore(client, "owned", "shared")

	err := store.Delete(context.Background(), PartitionOwned, "me::meetups::gone")
	assert.NoError(t, err)
}

func TestDynamoUnknownPartitionRejected(t *testing.T) {
	store := newDynamoRecordStore(&fakeDynamoClient{}, "owned", "shared")
	_, err := store.FetchAll(context.Background(), Partition("elsewhere"))
	assert.Error(t, err)
}

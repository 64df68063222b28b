// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// recordStore is the remote collaborator surface: a hosted document-record
// store with two disjoint visibility partitions. Every call is independently
// fallible; callers leave local rows dirty and retry on the next sync cycle
// rather than retrying in place.
type recordStore interface {
	// FetchAll returns every record visible in the given partition.
	FetchAll(ctx context.Context, p Partition) ([]remoteRecord, error)
	// Upsert writes the record to the given partition and returns the
	// stored form.
	Upsert(ctx context.Context, p Partition, rec remoteRecord) (remoteRecord, error)
	// Delete removes the record with the given composite key from the
	// given partition. Deleting an absent key is not an error.
	Delete(ctx context.Context, p Partition, pk string) error
}

// dynamoAPI is the slice of the DynamoDB client the record store uses.
type dynamoAPI interface {
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// dynamoRecordStore implements recordStore on two DynamoDB tables, one per
// partition. The table item is the remoteRecord envelope keyed on pk.
type dynamoRecordStore struct {
	client dynamoAPI
	tables map[Partition]string
}

// newDynamoRecordStore wires a record store over the configured owned and
// shared tables.
func newDynamoRecordStore(client dynamoAPI, ownedTable, sharedTable string) *dynamoRecordStore {
	return &dynamoRecordStore{
		client: client,
		tables: map[Partition]string{
			PartitionOwned:  ownedTable,
			PartitionShared: sharedTable,
		},
	}
}

// tableFor resolves the table name for a partition. An unknown partition is a
// programmer error, not a recoverable condition.
func (s *dynamoRecordStore) tableFor(p Partition) (string, error) {
	table, ok := s.tables[p]
	if !ok || table == "" {
		return "", fmt.Errorf("no table configured for partition %q", p)
	}
	return table, nil
}

// FetchAll scans the partition's table, following pagination until exhausted.
func (s *dynamoRecordStore) FetchAll(ctx context.Context, p Partition) ([]remoteRecord, error) {
	table, err := s.tableFor(p)
	if err != nil {
		return nil, err
	}

	var records []remoteRecord
	var startKey map[string]dynamotypes.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         &table,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s partition: %w", p, err)
		}
		for _, item := range out.Items {
			var rec remoteRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record from %s partition: %w", p, err)
			}
			records = append(records, rec)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

// Upsert puts the record envelope into the partition's table, overwriting any
// existing item with the same key. The store itself does not arbitrate
// conflicts; that is the merge layer's job on the next read.
func (s *dynamoRecordStore) Upsert(ctx context.Context, p Partition, rec remoteRecord) (remoteRecord, error) {
	table, err := s.tableFor(p)
	if err != nil {
		return remoteRecord{}, err
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return remoteRecord{}, fmt.Errorf("failed to marshal record %s: %w", rec.PK, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &table,
		Item:      item,
	}); err != nil {
		var full *dynamotypes.ItemCollectionSizeLimitExceededException
		if errors.As(err, &full) {
			return remoteRecord{}, fmt.Errorf("record %s rejected by %s partition: %w", rec.PK, p, errQuotaExceeded)
		}
		return remoteRecord{}, fmt.Errorf("failed to upsert record %s to %s partition: %w", rec.PK, p, err)
	}
	return rec, nil
}

// Delete removes the record with the given key from the partition's table.
func (s *dynamoRecordStore) Delete(ctx context.Context, p Partition, pk string) error {
	table, err := s.tableFor(p)
	if err != nil {
		return err
	}

	key, err := attributevalue.MarshalMap(map[string]string{"pk": pk})
	if err != nil {
		return fmt.Errorf("failed to marshal delete key %s: %w", pk, err)
	}
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &table,
		Key:       key,
	}); err != nil {
		var notFound *dynamotypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to delete record %s from %s partition: %w", pk, p, err)
	}
	return nil
}

// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The record-stream-consumer service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	dynamostypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/nats-io/nats.go/jetstream"
)

// TableConsumer reads the DynamoDB stream of one record table and publishes
// every change record to NATS. Per-shard sequence positions are checkpointed
// in a NATS KV bucket so a restart resumes where it left off.
type TableConsumer struct {
	tableName     string
	config        *Config
	dynClient     *dynamodb.Client
	streamsClient *dynamodbstreams.Client
	js            jetstream.JetStream
	checkpointKV  jetstream.KeyValue
	logger        *slog.Logger
}

// Run consumes the table's stream until the context is canceled. It
// periodically re-discovers shards, starting a reader goroutine for each
// shard it has not seen yet.
func (c *TableConsumer) Run(ctx context.Context) error {
	streamArn, err := c.resolveStreamArn(ctx)
	if err != nil {
		return err
	}
	c.logger.With("stream_arn", streamArn).Info("consuming DynamoDB stream")

	var shardWG sync.WaitGroup
	defer shardWG.Wait()

	// active tracks shards with a running reader; finished tracks shards
	// read to their close, so they are not re-opened on the next refresh.
	active := make(map[string]bool)
	finished := make(map[string]bool)
	var mu sync.Mutex

	ticker := time.NewTicker(c.config.ShardRefreshInterval)
	defer ticker.Stop()

	for {
		shards, err := c.listShards(ctx, streamArn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.With(errKey, err).Error("error listing stream shards")
		}

		for _, shard := range shards {
			shardID := aws.ToString(shard.ShardId)
			mu.Lock()
			skip := active[shardID] || finished[shardID]
			if !skip {
				active[shardID] = true
			}
			mu.Unlock()
			if skip {
				continue
			}

			shardWG.Add(1)
			go func() {
				defer shardWG.Done()
				if err := c.consumeShard(ctx, streamArn, shardID); err != nil && ctx.Err() == nil {
					c.logger.With(errKey, err, "shard_id", shardID).Error("shard reader error")
					// Leave the shard marked active so we don't spin on a
					// persistently failing shard; a restart retries it from
					// its checkpoint.
					return
				}
				mu.Lock()
				delete(active, shardID)
				finished[shardID] = true
				mu.Unlock()
			}()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// resolveStreamArn looks up the table's latest stream ARN.
func (c *TableConsumer) resolveStreamArn(ctx context.Context) (string, error) {
	out, err := c.dynClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe table %s: %w", c.tableName, err)
	}
	if out.Table == nil || aws.ToString(out.Table.LatestStreamArn) == "" {
		return "", fmt.Errorf("table %s has no stream enabled", c.tableName)
	}
	return aws.ToString(out.Table.LatestStreamArn), nil
}

// listShards returns all shards of the stream, following pagination.
func (c *TableConsumer) listShards(ctx context.Context, streamArn string) ([]dynamostypes.Shard, error) {
	var shards []dynamostypes.Shard
	var lastShardID *string
	for {
		out, err := c.streamsClient.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(streamArn),
			ExclusiveStartShardId: lastShardID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe stream: %w", err)
		}
		if out.StreamDescription == nil {
			return shards, nil
		}
		shards = append(shards, out.StreamDescription.Shards...)
		lastShardID = out.StreamDescription.LastEvaluatedShardId
		if lastShardID == nil {
			return shards, nil
		}
	}
}

// consumeShard reads one shard from its checkpoint (or the configured start
// position) to its close, publishing every record. Returns nil when the shard
// is fully consumed.
func (c *TableConsumer) consumeShard(ctx context.Context, streamArn, shardID string) error {
	shardLogger := c.logger.With("shard_id", shardID)

	iterator, err := c.shardIterator(ctx, streamArn, shardID)
	if err != nil {
		return err
	}

	for iterator != nil {
		if ctx.Err() != nil {
			return nil
		}

		out, err := c.streamsClient.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: iterator,
		})
		if err != nil {
			var expired *dynamostypes.ExpiredIteratorException
			if errors.As(err, &expired) {
				// Iterators expire after 15 minutes of idling; re-acquire
				// from the checkpoint and keep going.
				shardLogger.Debug("shard iterator expired, re-acquiring")
				iterator, err = c.shardIterator(ctx, streamArn, shardID)
				if err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("failed to get records: %w", err)
		}

		for _, record := range out.Records {
			if err := c.publishRecord(ctx, record); err != nil {
				return err
			}
		}
		if n := len(out.Records); n > 0 {
			last := out.Records[n-1]
			if last.Dynamodb != nil && last.Dynamodb.SequenceNumber != nil {
				if err := c.saveCheckpoint(ctx, shardID, *last.Dynamodb.SequenceNumber); err != nil {
					shardLogger.With(errKey, err).Error("error saving shard checkpoint")
				}
			}
		}

		iterator = out.NextShardIterator
		if len(out.Records) == 0 && iterator != nil {
			// Caught up; wait before polling again.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.PollInterval):
			}
		}
	}

	// A nil NextShardIterator means the shard is closed and fully read.
	shardLogger.Debug("shard fully consumed")
	return nil
}

// shardIterator returns an iterator for the shard: after the checkpointed
// sequence number when one exists, otherwise at the configured start position.
func (c *TableConsumer) shardIterator(ctx context.Context, streamArn, shardID string) (*string, error) {
	input := &dynamodbstreams.GetShardIteratorInput{
		StreamArn: aws.String(streamArn),
		ShardId:   aws.String(shardID),
	}

	checkpoint, err := c.loadCheckpoint(ctx, shardID)
	if err != nil {
		return nil, err
	}
	if checkpoint != "" {
		input.ShardIteratorType = dynamostypes.ShardIteratorTypeAfterSequenceNumber
		input.SequenceNumber = aws.String(checkpoint)
	} else if c.config.StartFromLatest {
		input.ShardIteratorType = dynamostypes.ShardIteratorTypeLatest
	} else {
		input.ShardIteratorType = dynamostypes.ShardIteratorTypeTrimHorizon
	}

	out, err := c.streamsClient.GetShardIterator(ctx, input)
	if err != nil {
		var trimmed *dynamostypes.TrimmedDataAccessException
		if checkpoint != "" && errors.As(err, &trimmed) {
			// The checkpointed position aged out of the stream's 24-hour
			// retention. Restart the shard from the trim horizon.
			c.logger.With("shard_id", shardID).Warn("checkpoint trimmed from stream, restarting shard from horizon")
			input.ShardIteratorType = dynamostypes.ShardIteratorTypeTrimHorizon
			input.SequenceNumber = nil
			out, err = c.streamsClient.GetShardIterator(ctx, input)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get shard iterator: %w", err)
		}
	}
	return out.ShardIterator, nil
}

// checkpointKey builds the KV key for a shard's checkpoint: table and shard
// ID, sanitized for NATS KV key syntax.
func (c *TableConsumer) checkpointKey(shardID string) string {
	sanitize := strings.NewReplacer(" ", "_", "*", "_", ">", "_")
	return sanitize.Replace(c.tableName) + "." + sanitize.Replace(shardID)
}

func (c *TableConsumer) loadCheckpoint(ctx context.Context, shardID string) (string, error) {
	entry, err := c.checkpointKV.Get(ctx, c.checkpointKey(shardID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return string(entry.Value()), nil
}

func (c *TableConsumer) saveCheckpoint(ctx context.Context, shardID, sequenceNumber string) error {
	if _, err := c.checkpointKV.Put(ctx, c.checkpointKey(shardID), []byte(sequenceNumber)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

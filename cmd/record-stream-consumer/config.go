// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The record-stream-consumer service.
package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the record-stream-consumer
// service.
type Config struct {
	// NATS configuration
	NATSURL string

	// NATS JetStream stream configuration
	NATSStreamName    string // Stream name (default: record_events)
	NATSSubjectPrefix string // Subject prefix (default: record_events)

	// Checkpoint KV bucket name
	CheckpointBucket string

	// AWS configuration
	AWSRegion     string
	AssumeRoleARN string // Optional: IAM role ARN to assume via STS

	// The two record tables the sync agents read from. Both are consumed;
	// the table name on each published event tells the agent which
	// partition changed.
	OwnedTable  string
	SharedTable string

	// Iterator start position for new shards with no checkpoint. If true,
	// start from LATEST (only new records); otherwise TRIM_HORIZON.
	StartFromLatest bool

	// Polling interval for each shard when caught up
	PollInterval time.Duration

	// How often to re-discover shards (new shards appear on splits)
	ShardRefreshInterval time.Duration

	// Server configuration
	Port string
	Bind string

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	pollIntervalMS := parseIntEnv("POLL_INTERVAL_MS", 1000)
	shardRefreshSec := parseIntEnv("SHARD_REFRESH_INTERVAL_SEC", 10)

	cfg := &Config{
		NATSURL:              os.Getenv("NATS_URL"),
		NATSStreamName:       os.Getenv("NATS_STREAM_NAME"),
		NATSSubjectPrefix:    os.Getenv("NATS_SUBJECT_PREFIX"),
		CheckpointBucket:     os.Getenv("CHECKPOINT_BUCKET"),
		AWSRegion:            os.Getenv("AWS_REGION"),
		AssumeRoleARN:        os.Getenv("AWS_ASSUME_ROLE_ARN"),
		OwnedTable:           os.Getenv("OWNED_TABLE"),
		SharedTable:          os.Getenv("SHARED_TABLE"),
		StartFromLatest:      parseBooleanEnv("START_FROM_LATEST"),
		PollInterval:         time.Duration(pollIntervalMS) * time.Millisecond,
		ShardRefreshInterval: time.Duration(shardRefreshSec) * time.Second,
		Port:                 os.Getenv("PORT"),
		Bind:                 os.Getenv("BIND"),
		Debug:                parseBooleanEnv("DEBUG"),
	}

	if cfg.OwnedTable == "" || cfg.SharedTable == "" {
		return nil, fmt.Errorf("OWNED_TABLE and SHARED_TABLE environment variables are required")
	}
	if cfg.OwnedTable == cfg.SharedTable {
		return nil, fmt.Errorf("OWNED_TABLE and SHARED_TABLE must name different tables")
	}

	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://nats:4222"
	}
	if cfg.NATSStreamName == "" {
		cfg.NATSStreamName = "record_events"
	}
	if cfg.NATSSubjectPrefix == "" {
		cfg.NATSSubjectPrefix = "record_events"
	}
	if cfg.CheckpointBucket == "" {
		cfg.CheckpointBucket = "record-stream-checkpoints"
	}
	if cfg.AWSRegion == "" {
		cfg.AWSRegion = "us-east-1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Bind == "" {
		cfg.Bind = "*"
	}

	return cfg, nil
}

// tables returns the consumed table names in a stable order.
func (c *Config) tables() []string {
	return []string{c.OwnedTable, c.SharedTable}
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}

// parseIntEnv parses an integer environment variable with a default value.
func parseIntEnv(envVar string, defaultVal int) int {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

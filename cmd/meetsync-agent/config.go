// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// Configuration management for the meetsync-agent service.
package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the meetsync-agent service.
type Config struct {
	// ActorID is the signed-in user this agent syncs for. Partition
	// routing and the push-side ownership gate both key off it.
	ActorID string

	// CachePath is the SQLite file backing the local cache.
	CachePath string

	// DynamoDB record tables, one per partition.
	OwnedTable  string
	SharedTable string

	// AWS configuration.
	AWSRegion     string
	AssumeRoleARN string // Optional: IAM role ARN to assume via STS for cross-account access

	// NATS configuration.
	NATSURL string

	// ChangeStreamName is the JetStream stream carrying record change
	// events; ChangeSubjectPrefix is the subject prefix the
	// record-stream-consumer publishes under.
	ChangeStreamName    string
	ChangeSubjectPrefix string

	// ShareBucket is the KV bucket holding invite code mappings, share
	// memberships, and share locks.
	ShareBucket string

	// ShareSigningSecret signs and verifies share tokens. Every agent in
	// a deployment carries the same secret.
	ShareSigningSecret string

	// SyncInterval is the period between full sync cycles.
	SyncInterval time.Duration

	// UseMsgpack selects msgpack instead of JSON for record payloads.
	UseMsgpack bool

	// Profile directory (optional; profiles sync through records alone
	// when unset).
	ProfileDirectoryURL *url.URL
	ProfileClientID     string
	ProfileClientSecret string
	ProfileTokenURL     string

	// Server configuration.
	Port string
	Bind string

	// Logging.
	Debug bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ActorID:             os.Getenv("ACTOR_ID"),
		CachePath:           os.Getenv("CACHE_PATH"),
		OwnedTable:          os.Getenv("OWNED_TABLE"),
		SharedTable:         os.Getenv("SHARED_TABLE"),
		AWSRegion:           os.Getenv("AWS_REGION"),
		AssumeRoleARN:       os.Getenv("ASSUME_ROLE_ARN"),
		NATSURL:             os.Getenv("NATS_URL"),
		ChangeStreamName:    os.Getenv("CHANGE_STREAM_NAME"),
		ChangeSubjectPrefix: os.Getenv("CHANGE_SUBJECT_PREFIX"),
		ShareBucket:         os.Getenv("SHARE_BUCKET"),
		ShareSigningSecret:  os.Getenv("SHARE_SIGNING_SECRET"),
		ProfileClientID:     os.Getenv("PROFILE_CLIENT_ID"),
		ProfileClientSecret: os.Getenv("PROFILE_CLIENT_SECRET"),
		ProfileTokenURL:     os.Getenv("PROFILE_TOKEN_URL"),
		Port:                os.Getenv("PORT"),
		Bind:                os.Getenv("BIND"),
		Debug:               os.Getenv("DEBUG") != "",
		UseMsgpack:          os.Getenv("USE_MSGPACK") != "",
	}

	// Set defaults.
	if cfg.CachePath == "" {
		cfg.CachePath = "meetsync.db"
	}
	if cfg.AWSRegion == "" {
		cfg.AWSRegion = "us-east-1"
	}
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://nats:4222"
	}
	if cfg.ChangeStreamName == "" {
		cfg.ChangeStreamName = "record_events"
	}
	if cfg.ChangeSubjectPrefix == "" {
		cfg.ChangeSubjectPrefix = "record_events"
	}
	if cfg.ShareBucket == "" {
		cfg.ShareBucket = "meetsync-shares"
	}
	if cfg.Port == "" {
		cfg.Port = defaultListenPort
	}
	if cfg.Bind == "" {
		cfg.Bind = "*"
	}

	cfg.SyncInterval = 60 * time.Second
	if v := os.Getenv("SYNC_INTERVAL_SEC"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("SYNC_INTERVAL_SEC must be a positive integer, got %q", v)
		}
		cfg.SyncInterval = time.Duration(secs) * time.Second
	}

	// Validate required settings.
	if cfg.ActorID == "" {
		return nil, fmt.Errorf("ACTOR_ID environment variable is required")
	}
	if cfg.OwnedTable == "" || cfg.SharedTable == "" {
		return nil, fmt.Errorf("OWNED_TABLE and SHARED_TABLE environment variables are required")
	}
	if cfg.OwnedTable == cfg.SharedTable {
		return nil, fmt.Errorf("OWNED_TABLE and SHARED_TABLE must name different tables")
	}
	if cfg.ShareSigningSecret == "" {
		return nil, fmt.Errorf("SHARE_SIGNING_SECRET environment variable is required")
	}

	if dirURL := os.Getenv("PROFILE_DIRECTORY_URL"); dirURL != "" {
		parsed, err := url.Parse(dirURL)
		if err != nil {
			return nil, fmt.Errorf("invalid PROFILE_DIRECTORY_URL: %w", err)
		}
		cfg.ProfileDirectoryURL = parsed
		if cfg.ProfileClientID == "" || cfg.ProfileClientSecret == "" || cfg.ProfileTokenURL == "" {
			return nil, fmt.Errorf("PROFILE_CLIENT_ID, PROFILE_CLIENT_SECRET, and PROFILE_TOKEN_URL are required when PROFILE_DIRECTORY_URL is set")
		}
	}

	return cfg, nil
}

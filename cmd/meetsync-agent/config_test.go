// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ACTOR_ID", "me")
	t.Setenv("OWNED_TABLE", "meetsync-owned")
	t.Setenv("SHARED_TABLE", "meetsync-shared")
	t.Setenv("SHARE_SIGNING_SECRET", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "meetsync.db", cfg.CachePath)
	assert.Equal(t, "us-east-1", cfg.AWSRegion)
	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
	assert.Equal(t, "record_events", cfg.ChangeStreamName)
	assert.Equal(t, "meetsync-shares", cfg.ShareBucket)
	assert.Equal(t, 60*time.Second, cfg.SyncInterval)
	assert.Equal(t, defaultListenPort, cfg.Port)
	assert.False(t, cfg.UseMsgpack)
	assert.Nil(t, cfg.ProfileDirectoryURL)
}

func TestLoadConfigRequiresActor(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ACTOR_ID", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsSameTables(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SHARED_TABLE", "meetsync-owned")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigSyncInterval(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_INTERVAL_SEC", "15")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.SyncInterval)

	t.Setenv("SYNC_INTERVAL_SEC", "zero")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigProfileDirectoryNeedsCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PROFILE_DIRECTORY_URL", "https://directory.example.com")

	_, err := LoadConfig()
	require.Error(t, err, "a directory URL without client credentials is a misconfiguration")

	t.Setenv("PROFILE_CLIENT_ID", "id")
	t.Setenv("PROFILE_CLIENT_SECRET", "secret")
	t.Setenv("PROFILE_TOKEN_URL", "https://auth.example.com/token")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.ProfileDirectoryURL)
	assert.Equal(t, "directory.example.com", cfg.ProfileDirectoryURL.Host)
}

// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDirectory points a profileDirectory at a test server, skipping the
// OAuth2 transport.
func newTestDirectory(t *testing.T, handler http.Handler) (*profileDirectory, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &profileDirectory{
		baseURL: base,
		client:  srv.Client(),
		memo:    gocache.New(time.Minute, time.Minute),
	}, srv
}

func TestProfileDirectoryFetchAndMemo(t *testing.T) {
	var hits int
	dir, _ := newTestDirectory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/users/user-a", r.URL.Path)
		fmt.Fprintf(w, `{"user_id":"user-a","display_name":"Ana","updated_at":%q}`, formatTimestamp(ts(5)))
	}))
	ctx := context.Background()

	p, err := dir.fetch(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.DisplayName)
	assert.True(t, p.UpdatedAt.Equal(ts(5)))

	// Second fetch serves from the memo.
	_, err = dir.fetch(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	// Invalidation forces the next fetch back to the directory.
	dir.invalidate("user-a")
	_, err = dir.fetch(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}

func TestProfileDirectoryNotFound(t *testing.T) {
	dir, _ := newTestDirectory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	_, err := dir.fetch(context.Background(), "ghost")
	assert.ErrorIs(t, err, errNotFound)
}

func TestRefreshProfileMergesUnderLWW(t *testing.T) {
	agent, _ := newTestAgent(t, "me")
	ctx := context.Background()

	dir, _ := newTestDirectory(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"user_id":"buddy","display_name":"Directory Name","updated_at":%q}`, formatTimestamp(ts(5)))
	}))

	// First refresh inserts the directory entry.
	require.NoError(t, agent.refreshProfile(ctx, dir, "buddy"))
	got, err := agent.cache.GetProfile(ctx, "buddy")
	require.NoError(t, err)
	assert.Equal(t, "Directory Name", got.DisplayName)

	// A locally newer row survives a stale directory read.
	require.NoError(t, agent.cache.UpsertProfile(ctx, UserProfile{
		UserID: "buddy", DisplayName: "Fresh Local", UpdatedAt: ts(10), Dirty: true,
	}))
	dir.invalidate("buddy")
	require.NoError(t, agent.refreshProfile(ctx, dir, "buddy"))

	got, err = agent.cache.GetProfile(ctx, "buddy")
	require.NoError(t, err)
	assert.Equal(t, "Fresh Local", got.DisplayName)
	assert.True(t, got.Dirty)
}

func TestRefreshProfileMissingUserIsNotAnError(t *testing.T) {
	agent, _ := newTestAgent(t, "me")
	dir, _ := newTestDirectory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	assert.NoError(t, agent.refreshProfile(context.Background(), dir, "ghost"))
}

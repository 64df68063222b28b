// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// Profile directory mirror. Display names and photos live in an
// OAuth2-protected HTTP directory as well as in profile records; the agent
// fetches directory entries on demand, memoizes them in a TTL cache to keep
// attendee list rendering off the network, and folds them into the local
// cache through the same last-write-wins merge as remote profile records,
// so a freshly chosen local photo is never clobbered by a directory read
// with an older stamp.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	profileCacheTTL     = 15 * time.Minute
	profileCacheSweep   = 30 * time.Minute
	profileFetchTimeout = 10 * time.Second
)

// directoryProfile is the directory's wire schema.
type directoryProfile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoBase64 []byte `json:"photo,omitempty"` // encoding/json handles base64 for []byte
	UpdatedAt   string `json:"updated_at"`
}

// profileDirectory fetches user profiles over HTTP with client-credentials
// auth and a TTL memo in front.
type profileDirectory struct {
	baseURL *url.URL
	client  *http.Client
	memo    *gocache.Cache
}

// newProfileDirectory builds a directory client. The OAuth2 transport
// refreshes its token automatically; the memo absorbs repeated lookups for
// the same user within the TTL.
func newProfileDirectory(ctx context.Context, baseURL *url.URL, creds *clientcredentials.Config) *profileDirectory {
	client := creds.Client(ctx)
	client.Timeout = profileFetchTimeout
	return &profileDirectory{
		baseURL: baseURL,
		client:  client,
		memo:    gocache.New(profileCacheTTL, profileCacheSweep),
	}
}

// fetch returns the directory's current view of a user, serving from the
// memo when fresh.
func (d *profileDirectory) fetch(ctx context.Context, userID string) (UserProfile, error) {
	if cached, ok := d.memo.Get(userID); ok {
		return cached.(UserProfile), nil
	}

	u := d.baseURL.JoinPath("users", url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return UserProfile{}, fmt.Errorf("failed to build profile request for %s: %w", userID, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return UserProfile{}, fmt.Errorf("failed to fetch profile %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return UserProfile{}, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return UserProfile{}, fmt.Errorf("profile directory returned status %d for %s", resp.StatusCode, userID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UserProfile{}, fmt.Errorf("failed to read profile response for %s: %w", userID, err)
	}
	var wire directoryProfile
	if err := json.Unmarshal(body, &wire); err != nil {
		return UserProfile{}, fmt.Errorf("failed to parse profile response for %s: %w", userID, err)
	}

	updatedAt, err := parseTimestamp(wire.UpdatedAt)
	if err != nil {
		return UserProfile{}, fmt.Errorf("profile %s carries bad timestamp %q: %w", userID, wire.UpdatedAt, err)
	}
	p := UserProfile{
		UserID:      wire.UserID,
		DisplayName: wire.DisplayName,
		Photo:       wire.PhotoBase64,
		UpdatedAt:   updatedAt,
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	d.memo.Set(userID, p, gocache.DefaultExpiration)
	return p, nil
}

// invalidate drops the memo entry for a user, forcing the next fetch to hit
// the directory (used after the user edits their own profile).
func (d *profileDirectory) invalidate(userID string) {
	d.memo.Delete(userID)
}

// refreshProfile pulls a user's directory entry and merges it into the local
// cache under the LWW rule.
func (s *syncAgent) refreshProfile(ctx context.Context, dir *profileDirectory, userID string) error {
	remote, err := dir.fetch(ctx, userID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil
		}
		s.lastErr.set(err)
		return err
	}

	local, err := s.cache.GetProfile(ctx, userID)
	if errors.Is(err, errNotFound) {
		return s.cache.UpsertProfile(ctx, remote)
	}
	if err != nil {
		return err
	}
	return s.cache.UpsertProfile(ctx, mergeProfile(local, remote))
}

// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV implements the subset of jetstream.KeyValue the share layer touches.
type fakeKV struct {
	jetstream.KeyValue
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}}
}

type fakeKVEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeKVEntry) Value() []byte { return e.value }

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeKVEntry{value: v}, nil
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	f.data[key] = value
	return 1, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return 1, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// noopLocker always grants the lock.
type noopLocker struct{}

func (noopLocker) acquire(context.Context, string) (bool, bool) { return true, false }
func (noopLocker) release(context.Context, string) error        { return nil }

var shareTestSecret = []byte("test-signing-secret")

func newShareManagers(kv *fakeKV) (owner, participant *shareManager) {
	owner = newShareManager(kv, noopLocker{}, shareTestSecret, "me")
	participant = newShareManager(kv, noopLocker{}, shareTestSecret, "buddy")
	return owner, participant
}

func TestCreateShareOwnerOnly(t *testing.T) {
	owner, _ := newShareManagers(newFakeKV())
	_, err := owner.createShare(context.Background(), RecordID{Owner: "them", Zone: "meetups", Name: "m1"})
	assert.Error(t, err, "only the owner may mint a share")
}

func TestShareAcceptByTokenAndCode(t *testing.T) {
	kv := newFakeKV()
	owner, participant := newShareManagers(kv)
	ctx := context.Background()
	rootID := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}

	handle, err := owner.createShare(ctx, rootID)
	require.NoError(t, err)
	assert.NotEmpty(t, handle.Token)
	assert.NotEmpty(t, handle.Code)
	assert.NotContains(t, handle.Code, ".", "invite codes are distinguishable from tokens")

	got, err := participant.acceptShare(ctx, handle.Token)
	require.NoError(t, err)
	assert.Equal(t, rootID, got)

	// Accepting again (this time via the short code) is idempotent.
	got, err = participant.acceptShare(ctx, handle.Code)
	require.NoError(t, err)
	assert.Equal(t, rootID, got)

	_, ok := kv.data[shareMemberKeyPrefix+rootID.Name+"."+"buddy"]
	assert.True(t, ok, "membership is registered exactly once")
}

func TestAcceptShareOfOwnMeetingRejected(t *testing.T) {
	owner, _ := newShareManagers(newFakeKV())
	ctx := context.Background()
	rootID := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}

	handle, err := owner.createShare(ctx, rootID)
	require.NoError(t, err)

	_, err = owner.acceptShare(ctx, handle.Token)
	assert.Error(t, err)
}

func TestRevokedCodeStopsResolving(t *testing.T) {
	kv := newFakeKV()
	owner, participant := newShareManagers(kv)
	ctx := context.Background()
	rootID := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}

	handle, err := owner.createShare(ctx, rootID)
	require.NoError(t, err)
	// A second share for an unrelated meeting must survive the revoke.
	other, err := owner.createShare(ctx, RecordID{Owner: "me", Zone: "meetups", Name: "m2"})
	require.NoError(t, err)

	require.NoError(t, owner.revokeShare(ctx, rootID))

	_, err = participant.acceptShare(ctx, handle.Code)
	assert.ErrorIs(t, err, errShareRevoked)

	_, err = participant.acceptShare(ctx, other.Code)
	assert.NoError(t, err, "revoking one share leaves the others alone")
}

func TestExpiredShareTokenRejected(t *testing.T) {
	owner, participant := newShareManagers(newFakeKV())
	ctx := context.Background()

	// Mint the token far enough in the past that its TTL has lapsed.
	stubClock(t, time.Now().Add(-shareTokenTTL-time.Hour))
	handle, err := owner.createShare(ctx, RecordID{Owner: "me", Zone: "meetups", Name: "m1"})
	require.NoError(t, err)
	timeNow = time.Now

	_, err = participant.acceptShare(ctx, handle.Token)
	assert.ErrorIs(t, err, errShareRevoked)
}

func TestForgedShareTokenRejected(t *testing.T) {
	forger := newShareManager(newFakeKV(), noopLocker{}, []byte("wrong-secret"), "me")
	_, participant := newShareManagers(newFakeKV())
	ctx := context.Background()

	handle, err := forger.createShare(ctx, RecordID{Owner: "me", Zone: "meetups", Name: "m1"})
	require.NoError(t, err)

	_, err = participant.acceptShare(ctx, handle.Token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errShareRevoked, "a bad signature is not a revocation")
}

func TestKVShareLocker(t *testing.T) {
	kv := newFakeKV()
	locker := &kvShareLocker{kv: kv, timeout: time.Minute, retryPause: time.Millisecond, retryBudget: 2}
	ctx := context.Background()
	key := shareLockKeyPrefix + "m1"

	acquired, waited := locker.acquire(ctx, key)
	assert.True(t, acquired)
	assert.False(t, waited)

	// Held lock: the second caller retries and gives up.
	acquired, waited = locker.acquire(ctx, key)
	assert.False(t, acquired)
	assert.True(t, waited)

	require.NoError(t, locker.release(ctx, key))
	acquired, _ = locker.acquire(ctx, key)
	assert.True(t, acquired)
}

func TestKVShareLockerReclaimsStaleLock(t *testing.T) {
	kv := newFakeKV()
	locker := &kvShareLocker{kv: kv, timeout: time.Second, retryPause: time.Millisecond, retryBudget: 2}
	ctx := context.Background()
	key := shareLockKeyPrefix + "m1"

	// A holder that died an hour ago.
	stubClock(t, time.Now().Add(-time.Hour))
	acquired, _ := locker.acquire(ctx, key)
	require.True(t, acquired)
	timeNow = time.Now

	acquired, _ = locker.acquire(ctx, key)
	assert.True(t, acquired, "a lock older than the timeout is reclaimed")
}

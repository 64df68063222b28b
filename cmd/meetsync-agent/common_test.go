// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	slog.SetDefault(logger)
	os.Exit(m.Run())
}

// fakeRecordStore is an in-memory recordStore with per-method error
// injection.
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[Partition]map[string]remoteRecord

	fetchErr  error
	upsertErr error
	deleteErr error

	upserts int
	deletes int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		records: map[Partition]map[string]remoteRecord{
			PartitionOwned:  {},
			PartitionShared: {},
		},
	}
}

func (f *fakeRecordStore) FetchAll(_ context.Context, p Partition) ([]remoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]remoteRecord, 0, len(f.records[p]))
	for _, rec := range f.records[p] {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRecordStore) Upsert(_ context.Context, p Partition, rec remoteRecord) (remoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return remoteRecord{}, f.upsertErr
	}
	f.upserts++
	f.records[p][rec.PK] = rec
	return rec, nil
}

func (f *fakeRecordStore) Delete(_ context.Context, p Partition, pk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes++
	delete(f.records[p], pk)
	return nil
}

func (f *fakeRecordStore) put(p Partition, rec remoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[p][rec.PK] = rec
}

func (f *fakeRecordStore) get(p Partition, pk string) (remoteRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[p][pk]
	return rec, ok
}

func (f *fakeRecordStore) has(p Partition, pk string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[p][pk]
	return ok
}

// newTestAgent builds a syncAgent over an in-memory cache and a fake store.
func newTestAgent(t *testing.T, actorID string) (*syncAgent, *fakeRecordStore) {
	t.Helper()
	cache, err := openCache(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	store := newFakeRecordStore()
	return newSyncAgent(cache, store, actorID, false), store
}

// stubClock pins timeNow for the duration of the test.
func stubClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return at }
	t.Cleanup(func() { timeNow = orig })
}

func ts(sec int) time.Time {
	return time.Date(2026, time.March, 1, 12, 0, sec, 0, time.UTC)
}

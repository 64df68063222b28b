// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// Distributed KV-backed locking for serialising concurrent read-modify-write
// operations on share membership state. Accepting the same invite from two
// devices at once must not produce duplicate membership rows, so the accept
// path takes a per-meeting lock first.
//
// The lock is a NATS JetStream KV key: acquisition is an atomic Create (which
// fails when the key already exists), locks older than the timeout are
// considered stale and reclaimed, and callers retry a bounded number of times
// with a fixed sleep between attempts.
package main

import (
	"context"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	shareLockKeyPrefix   = "share_lock."
	shareLockTimeout     = 10 * time.Second
	shareLockRetryPause  = 500 * time.Millisecond
	shareLockRetryBudget = 5
)

// shareLocker serialises share membership writes. Implementations must be
// safe for concurrent use. Keys passed in are fully qualified (prefix
// included).
type shareLocker interface {
	// acquire tries to take the lock for key. Returns (acquired, waited);
	// waited is true when at least one retry was needed.
	acquire(ctx context.Context, key string) (acquired bool, waited bool)
	// release frees the lock for key.
	release(ctx context.Context, key string) error
}

// kvShareLocker is the NATS JetStream KV implementation of shareLocker.
type kvShareLocker struct {
	kv          jetstream.KeyValue
	timeout     time.Duration
	retryPause  time.Duration
	retryBudget int
}

func newKVShareLocker(kv jetstream.KeyValue) *kvShareLocker {
	return &kvShareLocker{
		kv:          kv,
		timeout:     shareLockTimeout,
		retryPause:  shareLockRetryPause,
		retryBudget: shareLockRetryBudget,
	}
}

// acquire implements shareLocker.
func (l *kvShareLocker) acquire(ctx context.Context, key string) (bool, bool) {
	var waited bool

	for attempt := 1; attempt <= l.retryBudget; attempt++ {
		lockValue := strconv.FormatInt(timeNow().Unix(), 10)

		// Atomic create: succeeds only if the key does not yet exist.
		if _, err := l.kv.Create(ctx, key, []byte(lockValue)); err == nil {
			return true, waited
		}

		// The key already exists; a holder that died keeps the lock
		// forever, so reclaim it once it ages past the timeout.
		if entry, getErr := l.kv.Get(ctx, key); getErr == nil {
			if ts, parseErr := strconv.ParseInt(string(entry.Value()), 10, 64); parseErr == nil {
				if time.Since(time.Unix(ts, 0)) > l.timeout {
					if _, updateErr := l.kv.Put(ctx, key, []byte(lockValue)); updateErr == nil {
						return true, waited
					}
				}
			}
		}

		if attempt < l.retryBudget {
			waited = true
			select {
			case <-ctx.Done():
				return false, waited
			case <-time.After(l.retryPause):
			}
		}
	}

	return false, waited
}

// release implements shareLocker.
func (l *kvShareLocker) release(ctx context.Context, key string) error {
	return l.kv.Delete(ctx, key)
}

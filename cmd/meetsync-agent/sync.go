// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// The apply loop. The local cache is a shared mutable handle that is only
// ever touched from one goroutine: network consumers and callers hand work to
// the loop, and the loop interleaves change events with periodic full sync
// cycles (reconcile pull + dirty push). There is no ordering guarantee
// between pushes for different entities; the per-field timestamps in the
// merge layer arbitrate whatever order the writes land in.
package main

import (
	"context"
	"time"
)

// changeWork is one queued change event.
type changeWork struct {
	partition Partition
	event     recordChangeEvent
}

// applyLoop owns all cache mutation ordering.
type applyLoop struct {
	agent    *syncAgent
	interval time.Duration

	changes chan changeWork
	nudges  chan struct{}
	calls   chan func(context.Context)
}

func newApplyLoop(agent *syncAgent, interval time.Duration) *applyLoop {
	return &applyLoop{
		agent:    agent,
		interval: interval,
		changes:  make(chan changeWork, 256),
		nudges:   make(chan struct{}, 1),
		calls:    make(chan func(context.Context), 16),
	}
}

// submitChange queues a change event for the loop. Returns true (retry) when
// the queue is saturated, so the consumer NAKs and JetStream redelivers.
func (l *applyLoop) submitChange(partition Partition, event recordChangeEvent) bool {
	select {
	case l.changes <- changeWork{partition: partition, event: event}:
		return false
	default:
		return true
	}
}

// nudge requests an early sync cycle (e.g. after a local edit burst).
// Coalesces: a pending nudge absorbs later ones.
func (l *applyLoop) nudge() {
	select {
	case l.nudges <- struct{}{}:
	default:
	}
}

// call runs fn on the loop goroutine and returns once it has executed. This
// is how local mutations reach the cache without racing the sync passes.
func (l *applyLoop) call(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	wrapped := func(c context.Context) {
		defer close(done)
		fn(c)
	}
	select {
	case l.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives the loop until ctx is cancelled. An initial full cycle runs
// immediately so a freshly started agent converges without waiting out the
// first tick.
func (l *applyLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case work := <-l.changes:
			l.agent.applyChangeEvent(ctx, work.partition, work.event)
		case fn := <-l.calls:
			fn(ctx)
		case <-l.nudges:
			l.cycle(ctx)
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

// cycle is one full sync pass: push local edits first so the subsequent pull
// reflects them, then reconcile.
func (l *applyLoop) cycle(ctx context.Context) {
	started := timeNow()
	l.agent.pushDirty(ctx)
	l.agent.reconcile(ctx)
	logger.With("elapsed", time.Since(started).String()).DebugContext(ctx, "sync cycle complete")
}

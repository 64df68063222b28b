// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"errors"
	"fmt"
)

// syncAgent reconciles the local cache against the remote record store for
// one signed-in actor. All cache mutation funnels through the apply loop in
// sync.go, so the agent's methods are not called concurrently.
type syncAgent struct {
	cache      *localCache
	store      recordStore
	actorID    string
	useMsgpack bool

	lastErr          *lastError
	locationFailures *failureEscalator
}

func newSyncAgent(cache *localCache, store recordStore, actorID string, useMsgpack bool) *syncAgent {
	return &syncAgent{
		cache:            cache,
		store:            store,
		actorID:          actorID,
		useMsgpack:       useMsgpack,
		lastErr:          &lastError{},
		locationFailures: newFailureEscalator(locationPushFailureThreshold),
	}
}

// reconcile runs one full pull pass: fetch both partitions, fold every
// fetched record into the cache by composite identity, then diff local
// meetings against the fetched keep-set. Each partition is handled
// independently so a failed fetch on one side never causes the other side's
// rows to be treated as remotely deleted.
func (s *syncAgent) reconcile(ctx context.Context) {
	for _, p := range []Partition{PartitionOwned, PartitionShared} {
		records, err := s.store.FetchAll(ctx, p)
		if err != nil {
			// Try again next cycle; local state stays as-is.
			logger.With(errKey, err, "partition", p).ErrorContext(ctx, "fetch failed, skipping partition this cycle")
			s.lastErr.set(err)
			continue
		}

		keep := make(map[string]bool, len(records))
		for _, rec := range records {
			keep[rec.PK] = true
			if err := s.applyRemoteRecord(ctx, rec); err != nil {
				logger.With(errKey, err, "pk", rec.PK, "record_type", rec.RecordType).
					ErrorContext(ctx, "failed to apply remote record")
				s.lastErr.set(err)
			}
		}

		if err := s.reconcileDeletions(ctx, p, keep); err != nil {
			logger.With(errKey, err, "partition", p).ErrorContext(ctx, "failed to reconcile deletions")
			s.lastErr.set(err)
		}
	}
}

// applyRemoteRecord folds one incoming record into the cache: look up by
// composite key, merge if present, insert if absent. Re-applying the same
// snapshot is a no-op.
func (s *syncAgent) applyRemoteRecord(ctx context.Context, rec remoteRecord) error {
	switch rec.RecordType {
	case recordTypeMeeting:
		remote, err := decodeMeetingRecord(rec)
		if err != nil {
			return err
		}
		local, err := s.cache.GetMeeting(ctx, remote.ID)
		if errors.Is(err, errNotFound) {
			return s.cache.UpsertMeeting(ctx, remote)
		}
		if err != nil {
			return err
		}
		return s.cache.UpsertMeeting(ctx, mergeMeeting(local, remote))

	case recordTypeAttendee:
		remote, err := decodeAttendeeRecord(rec)
		if err != nil {
			return err
		}
		local, err := s.cache.GetAttendee(ctx, remote.MeetingID, remote.UserID)
		if errors.Is(err, errNotFound) {
			remote.normalize()
			return s.cache.UpsertAttendee(ctx, remote)
		}
		if err != nil {
			return err
		}
		return s.cache.UpsertAttendee(ctx, mergeAttendeeStatus(local, remote))

	case recordTypeMessage:
		remote, err := decodeMessageRecord(rec)
		if err != nil {
			return err
		}
		// Append-only: the insert dedupes on the composite key.
		return s.cache.InsertMessage(ctx, remote)

	case recordTypeProfile:
		remote, err := decodeProfileRecord(rec)
		if err != nil {
			return err
		}
		local, err := s.cache.GetProfile(ctx, remote.UserID)
		if errors.Is(err, errNotFound) {
			return s.cache.UpsertProfile(ctx, remote)
		}
		if err != nil {
			return err
		}
		return s.cache.UpsertProfile(ctx, mergeProfile(local, remote))

	default:
		logger.With("pk", rec.PK, "record_type", rec.RecordType).DebugContext(ctx, "ignoring unknown record type")
		return nil
	}
}

// reconcileDeletions treats the fetched keys as the live set for the
// partition. Local meetings routed to this partition whose key was not
// fetched are hard-deleted in the owner case and soft-hidden in the
// participant case: the owner's fetch of their own table is complete, while
// a participant must tolerate lagging or partial share visibility.
//
// Dirty local drafts that have never been pushed are exempt; they are not
// remote deletions, just rows the remote store has not seen yet.
func (s *syncAgent) reconcileDeletions(ctx context.Context, p Partition, keep map[string]bool) error {
	meetings, err := s.cache.ListMeetings(ctx)
	if err != nil {
		return err
	}

	for _, m := range meetings {
		if partitionFor(m.ID, s.actorID) != p {
			continue
		}
		pk := m.ID.String()
		if keep[pk] {
			continue
		}
		if m.Dirty {
			continue
		}

		switch p {
		case PartitionOwned:
			logger.With("pk", pk).InfoContext(ctx, "meeting gone from owned partition, purging local copy")
			if err := s.cache.DeleteMeeting(ctx, m.ID); err != nil {
				return err
			}
		case PartitionShared:
			if m.Hidden {
				continue
			}
			logger.With("pk", pk).InfoContext(ctx, "meeting gone from shared partition, hiding local copy")
			if err := s.cache.HideMeeting(ctx, m.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteMeeting is the owner-initiated hard delete: remove the meeting and
// its dependent rows from the remote store, then purge the local copy. A
// participant calling this gets the soft path instead.
func (s *syncAgent) deleteMeeting(ctx context.Context, id RecordID) error {
	if partitionFor(id, s.actorID) != PartitionOwned {
		// Participants only hide their local copy.
		return s.cache.HideMeeting(ctx, id)
	}

	attendees, err := s.cache.ListAttendees(ctx, id)
	if err != nil {
		return err
	}
	for _, a := range attendees {
		if err := s.store.Delete(ctx, PartitionOwned, a.ID().String()); err != nil {
			s.lastErr.set(err)
			return fmt.Errorf("failed to delete attendee row for %s: %w", id, err)
		}
	}
	messages, err := s.cache.ListMessages(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range messages {
		if err := s.store.Delete(ctx, PartitionOwned, m.ID.String()); err != nil {
			s.lastErr.set(err)
			return fmt.Errorf("failed to delete message row for %s: %w", id, err)
		}
	}
	if err := s.store.Delete(ctx, PartitionOwned, id.String()); err != nil {
		s.lastErr.set(err)
		return fmt.Errorf("failed to delete meeting %s: %w", id, err)
	}
	return s.cache.DeleteMeeting(ctx, id)
}

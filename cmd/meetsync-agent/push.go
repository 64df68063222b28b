// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// Local mutations and the push pass. Every local edit stamps "now", applies
// to the cache immediately, and marks the row dirty; the push pass sends
// dirty rows upstream and clears the flag only on a confirmed write. A failed
// push leaves the row dirty for the next cycle; there is no in-place retry.
//
// Ownership is enforced here, at the push boundary, not in the storage
// layer: the owner of a meeting may push every attendee row of that meeting,
// a participant only their own.
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// locationPushFailureThreshold is how many consecutive live-location push
// failures stay silent before the condition is surfaced.
const locationPushFailureThreshold = 3

// defaultZone is the zone name for records the actor creates.
const defaultZone = "meetups"

// createMeeting assigns a composite identity to a new draft, stamps it, and
// stores it dirty for the next push.
func (s *syncAgent) createMeeting(ctx context.Context, m Meeting) (Meeting, error) {
	if s.actorID == "" {
		return Meeting{}, errNotSignedIn
	}
	now := timeNow().UTC()
	m.ID = RecordID{Owner: s.actorID, Zone: defaultZone, Name: uuid.NewString()}
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Dirty = true
	if err := s.cache.UpsertMeeting(ctx, m); err != nil {
		return Meeting{}, err
	}

	// The creator is attending their own meetup from the start.
	organizer := AttendeeStatus{
		MeetingID: m.ID,
		UserID:    s.actorID,
		Organizer: true,
		UpdatedAt: now,
		Dirty:     true,
	}
	if err := s.cache.UpsertAttendee(ctx, organizer); err != nil {
		return Meeting{}, err
	}
	return m, nil
}

// updateMeeting applies an owner edit optimistically and queues the push.
func (s *syncAgent) updateMeeting(ctx context.Context, m Meeting) error {
	if m.ID.Owner != s.actorID {
		return fmt.Errorf("meeting %s is not owned by %s", m.ID, s.actorID)
	}
	m.UpdatedAt = timeNow().UTC()
	m.Dirty = true
	return s.cache.UpsertMeeting(ctx, m)
}

// markArrived sets the actor's sticky "here" flag for a meeting.
func (s *syncAgent) markArrived(ctx context.Context, meetingID RecordID) error {
	a, err := s.attendeeRowForSelf(ctx, meetingID)
	if err != nil {
		return err
	}
	now := timeNow().UTC()
	a.Here = true
	a.HereUpdatedAt = now
	a.UpdatedAt = now
	a.Dirty = true
	a.normalize()
	return s.cache.UpsertAttendee(ctx, a)
}

// leaveMeeting sets the actor's sticky "left" flag, which also forces the
// arrived flag and clears the live position.
func (s *syncAgent) leaveMeeting(ctx context.Context, meetingID RecordID) error {
	a, err := s.attendeeRowForSelf(ctx, meetingID)
	if err != nil {
		return err
	}
	now := timeNow().UTC()
	a.Left = true
	a.LeftUpdatedAt = now
	a.UpdatedAt = now
	a.Dirty = true
	a.normalize()
	return s.cache.UpsertAttendee(ctx, a)
}

// updateLocation records the actor's live position and ETA for a meeting and
// attempts an immediate push. Positions are only shared inside the meeting's
// sharing window, and never after the actor has arrived or left. Push
// failures are silent until they run up against the escalation threshold.
func (s *syncAgent) updateLocation(ctx context.Context, meetingID RecordID, lat, lon float64, etaMinutes *int) error {
	m, err := s.cache.GetMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	now := timeNow().UTC()
	if !shareWindowOpen(m, now) {
		logger.With("pk", meetingID.String()).DebugContext(ctx, "sharing window closed, dropping location update")
		return nil
	}

	a, err := s.attendeeRowForSelf(ctx, meetingID)
	if err != nil {
		return err
	}
	if a.Here || a.Left {
		return nil
	}
	a.Latitude = lat
	a.Longitude = lon
	a.ETAMinutes = etaMinutes
	a.UpdatedAt = now
	a.Dirty = true
	if err := s.cache.UpsertAttendee(ctx, a); err != nil {
		return err
	}

	pushErr := s.pushAttendee(ctx, a)
	if s.locationFailures.observe(pushErr) {
		s.lastErr.set(fmt.Errorf("location sharing keeps failing: %w", pushErr))
	}
	if pushErr != nil {
		// Row stays dirty; the next cycle retries.
		logger.With(errKey, pushErr, "pk", a.ID().String()).DebugContext(ctx, "location push failed, will retry next cycle")
	}
	return nil
}

// postMessage appends a note to a meeting's message stream.
func (s *syncAgent) postMessage(ctx context.Context, meetingID RecordID, body string) (ChatMessage, error) {
	if s.actorID == "" {
		return ChatMessage{}, errNotSignedIn
	}
	now := timeNow().UTC()
	msg := ChatMessage{
		ID:        messageRecordID(meetingID, s.actorID, uuid.NewString()),
		MeetingPK: meetingID.String(),
		Sender:    s.actorID,
		SentAt:    now,
		Body:      body,
		Dirty:     true,
	}
	if err := s.cache.InsertMessage(ctx, msg); err != nil {
		return ChatMessage{}, err
	}
	return msg, nil
}

// updateProfile applies a local edit to the actor's own profile. The local
// stamp is forced past the latest previously-seen remote stamp so a
// concurrently arriving older remote read can never clobber the edit.
func (s *syncAgent) updateProfile(ctx context.Context, displayName string, photo []byte) error {
	if s.actorID == "" {
		return errNotSignedIn
	}
	existing, err := s.cache.GetProfile(ctx, s.actorID)
	if err != nil && !errors.Is(err, errNotFound) {
		return err
	}
	p := UserProfile{
		UserID:      s.actorID,
		DisplayName: displayName,
		Photo:       photo,
		UpdatedAt:   maxTime(timeNow().UTC(), existing.UpdatedAt.Add(1)),
		Dirty:       true,
	}
	return s.cache.UpsertProfile(ctx, p)
}

// attendeeRowForSelf fetches (or initializes) the actor's own attendee row.
func (s *syncAgent) attendeeRowForSelf(ctx context.Context, meetingID RecordID) (AttendeeStatus, error) {
	if s.actorID == "" {
		return AttendeeStatus{}, errNotSignedIn
	}
	a, err := s.cache.GetAttendee(ctx, meetingID, s.actorID)
	if errors.Is(err, errNotFound) {
		return AttendeeStatus{
			MeetingID: meetingID,
			UserID:    s.actorID,
			Organizer: meetingID.Owner == s.actorID,
		}, nil
	}
	return a, err
}

// canPushAttendee is the ownership gate: the meeting owner may push any row
// of a meeting they own, everyone else only their own row.
func (s *syncAgent) canPushAttendee(a AttendeeStatus) bool {
	return a.MeetingID.Owner == s.actorID || a.UserID == s.actorID
}

// pushAttendee sends one attendee row upstream and clears its dirty flag on
// success.
func (s *syncAgent) pushAttendee(ctx context.Context, a AttendeeStatus) error {
	rec, err := encodeAttendeeRecord(a, s.useMsgpack)
	if err != nil {
		return err
	}
	if _, err := s.store.Upsert(ctx, partitionFor(a.ID(), s.actorID), rec); err != nil {
		return err
	}
	return s.cache.MarkAttendeeClean(ctx, a.ID())
}

// pushDirty runs one push pass over every dirty row the actor is allowed to
// mutate. Each remote call is independently fallible: a failure logs, leaves
// the row dirty, and moves on.
func (s *syncAgent) pushDirty(ctx context.Context) {
	meetings, err := s.cache.ListMeetings(ctx)
	if err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to list meetings for push")
		s.lastErr.set(err)
		return
	}
	for _, m := range meetings {
		if !m.Dirty {
			continue
		}
		if m.ID.Owner != s.actorID {
			// Only the owner mutates meeting fields upstream.
			logger.With("pk", m.ID.String()).WarnContext(ctx, "dropping dirty flag on meeting not owned by this actor")
			_ = s.cache.MarkMeetingClean(ctx, m.ID)
			continue
		}
		rec, err := encodeMeetingRecord(m, s.useMsgpack)
		if err != nil {
			logger.With(errKey, err, "pk", m.ID.String()).ErrorContext(ctx, "failed to encode meeting for push")
			continue
		}
		if _, err := s.store.Upsert(ctx, PartitionOwned, rec); err != nil {
			logger.With(errKey, err, "pk", m.ID.String()).ErrorContext(ctx, "meeting push failed, will retry next cycle")
			s.lastErr.set(err)
			continue
		}
		if err := s.cache.MarkMeetingClean(ctx, m.ID); err != nil {
			logger.With(errKey, err, "pk", m.ID.String()).ErrorContext(ctx, "failed to mark meeting clean")
		}
	}

	attendees, err := s.cache.ListDirtyAttendees(ctx)
	if err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to list dirty attendees for push")
		s.lastErr.set(err)
		return
	}
	for _, a := range attendees {
		if !s.canPushAttendee(a) {
			logger.With("pk", a.ID().String()).WarnContext(ctx, "dropping dirty flag on attendee row this actor may not push")
			_ = s.cache.MarkAttendeeClean(ctx, a.ID())
			continue
		}
		if err := s.pushAttendee(ctx, a); err != nil {
			logger.With(errKey, err, "pk", a.ID().String()).ErrorContext(ctx, "attendee push failed, will retry next cycle")
			s.lastErr.set(err)
		}
	}

	messages, err := s.cache.ListDirtyMessages(ctx)
	if err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to list dirty messages for push")
		s.lastErr.set(err)
		return
	}
	for _, msg := range messages {
		if msg.Sender != s.actorID {
			logger.With("pk", msg.ID.String()).WarnContext(ctx, "dropping dirty flag on message this actor did not send")
			_ = s.cache.MarkMessageClean(ctx, msg.ID)
			continue
		}
		rec, err := encodeMessageRecord(msg, s.useMsgpack)
		if err != nil {
			logger.With(errKey, err, "pk", msg.ID.String()).ErrorContext(ctx, "failed to encode message for push")
			continue
		}
		if _, err := s.store.Upsert(ctx, partitionFor(msg.ID, s.actorID), rec); err != nil {
			logger.With(errKey, err, "pk", msg.ID.String()).ErrorContext(ctx, "message push failed, will retry next cycle")
			s.lastErr.set(err)
			continue
		}
		if err := s.cache.MarkMessageClean(ctx, msg.ID); err != nil {
			logger.With(errKey, err, "pk", msg.ID.String()).ErrorContext(ctx, "failed to mark message clean")
		}
	}

	profiles, err := s.cache.ListDirtyProfiles(ctx)
	if err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to list dirty profiles for push")
		s.lastErr.set(err)
		return
	}
	for _, p := range profiles {
		if p.UserID != s.actorID {
			logger.With("user_id", p.UserID).WarnContext(ctx, "dropping dirty flag on profile this actor may not push")
			_ = s.cache.MarkProfileClean(ctx, p.UserID)
			continue
		}
		rec, err := encodeProfileRecord(p, s.useMsgpack)
		if err != nil {
			logger.With(errKey, err, "user_id", p.UserID).ErrorContext(ctx, "failed to encode profile for push")
			continue
		}
		if _, err := s.store.Upsert(ctx, PartitionOwned, rec); err != nil {
			logger.With(errKey, err, "user_id", p.UserID).ErrorContext(ctx, "profile push failed, will retry next cycle")
			s.lastErr.set(err)
			continue
		}
		if err := s.cache.MarkProfileClean(ctx, p.UserID); err != nil {
			logger.With(errKey, err, "user_id", p.UserID).ErrorContext(ctx, "failed to mark profile clean")
		}
	}
}

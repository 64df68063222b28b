// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *localCache {
	t.Helper()
	cache, err := openCache(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestCacheMeetingUpsertByIdentity(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	id := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}

	_, err := cache.GetMeeting(ctx, id)
	assert.ErrorIs(t, err, errNotFound)

	m := Meeting{ID: id, Title: "first", StartTime: ts(0), CreatedAt: ts(0), UpdatedAt: ts(1), Dirty: true}
	require.NoError(t, cache.UpsertMeeting(ctx, m))

	got, err := cache.GetMeeting(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
	assert.True(t, got.Dirty)

	// Same identity again: update in place, not a second row.
	m.Title = "second"
	m.UpdatedAt = ts(2)
	require.NoError(t, cache.UpsertMeeting(ctx, m))

	all, err := cache.ListMeetings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second", all[0].Title)
}

func TestCacheDeleteMeetingCascades(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	id := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}

	require.NoError(t, cache.UpsertMeeting(ctx, Meeting{ID: id, Title: "m", UpdatedAt: ts(1)}))
	require.NoError(t, cache.UpsertAttendee(ctx, AttendeeStatus{MeetingID: id, UserID: "me", UpdatedAt: ts(1)}))
	require.NoError(t, cache.InsertMessage(ctx, ChatMessage{
		ID: messageRecordID(id, "me", "u1"), MeetingPK: id.String(), Sender: "me", SentAt: ts(1), Body: "hi",
	}))

	require.NoError(t, cache.DeleteMeeting(ctx, id))

	_, err := cache.GetMeeting(ctx, id)
	assert.ErrorIs(t, err, errNotFound)
	attendees, err := cache.ListAttendees(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, attendees)
	messages, err := cache.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestCacheHideMeeting(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	id := RecordID{Owner: "them", Zone: "meetups", Name: "m1"}

	require.NoError(t, cache.UpsertMeeting(ctx, Meeting{ID: id, Title: "m", UpdatedAt: ts(1)}))
	require.NoError(t, cache.HideMeeting(ctx, id))

	got, err := cache.GetMeeting(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Hidden, "a hide keeps the row but flags it")
}

func TestCacheMessageInsertDedupes(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	id := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}
	msg := ChatMessage{
		ID: messageRecordID(id, "me", "u1"), MeetingPK: id.String(), Sender: "me", SentAt: ts(1), Body: "hello",
	}

	require.NoError(t, cache.InsertMessage(ctx, msg))
	// A remote re-import of the same message is silently dropped.
	msg.Body = "tampered"
	require.NoError(t, cache.InsertMessage(ctx, msg))

	messages, err := cache.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Body)
}

func TestCacheDirtyTracking(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	id := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}

	a := AttendeeStatus{MeetingID: id, UserID: "me", Latitude: 1, UpdatedAt: ts(1), Dirty: true}
	require.NoError(t, cache.UpsertAttendee(ctx, a))

	dirty, err := cache.ListDirtyAttendees(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	require.NoError(t, cache.MarkAttendeeClean(ctx, a.ID()))
	dirty, err = cache.ListDirtyAttendees(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestCacheAttendeeETARoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	id := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}
	eta := 15

	require.NoError(t, cache.UpsertAttendee(ctx, AttendeeStatus{
		MeetingID: id, UserID: "me", ETAMinutes: &eta, UpdatedAt: ts(1),
	}))

	got, err := cache.GetAttendee(ctx, id, "me")
	require.NoError(t, err)
	require.NotNil(t, got.ETAMinutes)
	assert.Equal(t, 15, *got.ETAMinutes)

	// Clearing the ETA persists as NULL, not zero.
	require.NoError(t, cache.UpsertAttendee(ctx, AttendeeStatus{
		MeetingID: id, UserID: "me", UpdatedAt: ts(2),
	}))
	got, err = cache.GetAttendee(ctx, id, "me")
	require.NoError(t, err)
	assert.Nil(t, got.ETAMinutes)
}

func TestCacheProfileRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	p := UserProfile{UserID: "me", DisplayName: "Ana", Photo: []byte{1, 2, 3}, UpdatedAt: ts(1), Dirty: true}
	require.NoError(t, cache.UpsertProfile(ctx, p))

	got, err := cache.GetProfile(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.DisplayName)
	assert.Equal(t, []byte{1, 2, 3}, got.Photo)

	require.NoError(t, cache.MarkProfileClean(ctx, "me"))
	dirty, err := cache.ListDirtyProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageToRemoteRecord(t *testing.T) {
	payload := []byte(`{"title":"picnic"}`)

	// Base64 payload, as produced when the event travelled as JSON.
	rec, err := imageToRemoteRecord(map[string]any{
		"pk":          "me::meetups::m1",
		"record_type": recordTypeMeeting,
		"updated_at":  formatTimestamp(ts(1)),
		"payload":     base64.StdEncoding.EncodeToString(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, "me::meetups::m1", rec.PK)
	assert.Equal(t, payload, rec.Payload)

	// Raw JSON payload text passes through untouched.
	rec, err = imageToRemoteRecord(map[string]any{
		"pk":          "me::meetups::m1",
		"record_type": recordTypeMeeting,
		"payload":     `{"title":"picnic"}`,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"picnic"}`, string(rec.Payload))

	_, err = imageToRemoteRecord(map[string]any{"pk": "me::meetups::m1"})
	assert.Error(t, err, "an image without a record type is unusable")
	_, err = imageToRemoteRecord(nil)
	assert.Error(t, err)
}

func TestApplyChangeEventInsert(t *testing.T) {
	agent, _ := newTestAgent(t, "me")
	ctx := context.Background()

	m := Meeting{ID: RecordID{Owner: "them", Zone: "meetups", Name: "m1"}, Title: "shared", UpdatedAt: ts(1)}
	rec, err := encodeMeetingRecord(m, false)
	require.NoError(t, err)

	agent.applyChangeEvent(ctx, PartitionShared, recordChangeEvent{
		EventName: "INSERT",
		TableName: "records-shared",
		NewImage: map[string]any{
			"pk":          rec.PK,
			"record_type": rec.RecordType,
			"updated_at":  rec.UpdatedAt,
			"payload":     string(rec.Payload),
		},
	})

	got, err := agent.cache.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "shared", got.Title)
}

func TestApplyChangeEventRemoveSharedMeetingHides(t *testing.T) {
	agent, _ := newTestAgent(t, "me")
	ctx := context.Background()

	id := RecordID{Owner: "them", Zone: "meetups", Name: "m1"}
	require.NoError(t, agent.cache.UpsertMeeting(ctx, Meeting{ID: id, Title: "m", UpdatedAt: ts(1)}))

	agent.applyChangeEvent(ctx, PartitionShared, recordChangeEvent{
		EventName: "REMOVE",
		TableName: "records-shared",
		Keys:      map[string]any{"pk": id.String()},
		OldImage:  map[string]any{"pk": id.String(), "record_type": recordTypeMeeting},
	})

	got, err := agent.cache.GetMeeting(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Hidden)
}

func TestApplyChangeEventRemoveOwnedMeetingDeletes(t *testing.T) {
	agent, _ := newTestAgent(t, "me")
	ctx := context.Background()

	id := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}
	require.NoError(t, agent.cache.UpsertMeeting(ctx, Meeting{ID: id, Title: "m", UpdatedAt: ts(1)}))

	agent.applyChangeEvent(ctx, PartitionOwned, recordChangeEvent{
		EventName: "REMOVE",
		TableName: "records-owned",
		Keys:      map[string]any{"pk": id.String()},
		OldImage:  map[string]any{"pk": id.String(), "record_type": recordTypeMeeting},
	})

	_, err := agent.cache.GetMeeting(ctx, id)
	assert.ErrorIs(t, err, errNotFound)
}

func TestApplyChangeEventRemoveAttendeeMarksDeparted(t *testing.T) {
	agent, _ := newTestAgent(t, "me")
	ctx := context.Background()
	stubClock(t, ts(30))

	meetingID := RecordID{Owner: "them", Zone: "meetups", Name: "m1"}
	require.NoError(t, agent.cache.UpsertAttendee(ctx, AttendeeStatus{
		MeetingID: meetingID, UserID: "buddy", Latitude: 4, UpdatedAt: ts(1),
	}))

	aID := attendeeRecordID(meetingID, "buddy")
	agent.applyChangeEvent(ctx, PartitionShared, recordChangeEvent{
		EventName: "REMOVE",
		TableName: "records-shared",
		Keys:      map[string]any{"pk": aID.String()},
		OldImage:  map[string]any{"pk": aID.String(), "record_type": recordTypeAttendee},
	})

	got, err := agent.cache.GetAttendee(ctx, meetingID, "buddy")
	require.NoError(t, err)
	assert.True(t, got.Left)
	assert.Zero(t, got.Latitude, "departed rows drop their live position")
}

func TestApplyRemoteRemoveAttendeeErrors(t *testing.T) {
	agent, _ := newTestAgent(t, "me")
	ctx := context.Background()

	meetingID := RecordID{Owner: "them", Zone: "meetups", Name: "m1"}
	aID := attendeeRecordID(meetingID, "buddy")

	// An uncached row is genuinely nothing to do.
	err := agent.applyRemoteRemove(ctx, PartitionShared, aID.String(), recordTypeAttendee)
	assert.NoError(t, err)

	// A failing cache read is not.
	require.NoError(t, agent.cache.Close())
	err = agent.applyRemoteRemove(ctx, PartitionShared, aID.String(), recordTypeAttendee)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errNotFound)
}

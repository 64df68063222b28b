// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttendeeRecordCarriesMeetingKey(t *testing.T) {
	meetingID := RecordID{Owner: "me", Zone: "meetups", Name: "m1"}
	in := AttendeeStatus{MeetingID: meetingID, UserID: "buddy", Here: true, HereUpdatedAt: ts(2), UpdatedAt: ts(2)}

	rec, err := encodeAttendeeRecord(in, false)
	require.NoError(t, err)
	assert.Equal(t, "me::meetups::m1#buddy", rec.PK)
	assert.Equal(t, recordTypeAttendee, rec.RecordType)

	out, err := decodeAttendeeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, meetingID, out.MeetingID, "the meeting identity survives the envelope")
	assert.Equal(t, "buddy", out.UserID)
	assert.True(t, out.Here)
}

func TestMeetingRecordEnvelopeTimestamp(t *testing.T) {
	m := Meeting{ID: RecordID{Owner: "me", Zone: "meetups", Name: "m1"}, Title: "x", UpdatedAt: ts(7)}
	rec, err := encodeMeetingRecord(m, false)
	require.NoError(t, err)

	// The envelope stamp allows staleness checks without decoding.
	stamp, err := parseTimestamp(rec.UpdatedAt)
	require.NoError(t, err)
	assert.True(t, stamp.Equal(ts(7)))

	out, err := decodeMeetingRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, m.ID, out.ID)
	assert.Equal(t, "x", out.Title)
}

func TestDecodeProfileRecordFallsBackToKeyOwner(t *testing.T) {
	// A payload missing its user_id still resolves through the record key.
	rec := remoteRecord{
		PK:         profileRecordID("user-z").String(),
		RecordType: recordTypeProfile,
		Payload:    []byte(`{"display_name":"Zed"}`),
	}
	p, err := decodeProfileRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "user-z", p.UserID)
	assert.Equal(t, "Zed", p.DisplayName)
}

func TestDecodeMeetingRecordRejectsBadKey(t *testing.T) {
	rec := remoteRecord{PK: "not-a-key", RecordType: recordTypeMeeting, Payload: []byte(`{}`)}
	_, err := decodeMeetingRecord(rec)
	assert.Error(t, err)
}

// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// Codecs between the typed cache rows and the remote record envelope. The
// envelope carries the composite key, the type discriminator, and the update
// timestamp; everything else travels in the encoded payload.
package main

import (
	"fmt"
	"strings"
)

// attendeePayload is the wire form of an attendee row. The meeting key is
// explicit in the payload because the envelope key only carries the derived
// "meetingName#userID" record name.
type attendeePayload struct {
	AttendeeStatus
	MeetingPK string `json:"meeting_pk"`
}

func encodeMeetingRecord(m Meeting, useMsgpack bool) (remoteRecord, error) {
	payload, err := encodePayload(m, useMsgpack)
	if err != nil {
		return remoteRecord{}, fmt.Errorf("failed to encode meeting %s: %w", m.ID, err)
	}
	return remoteRecord{
		PK:         m.ID.String(),
		RecordType: recordTypeMeeting,
		UpdatedAt:  formatTimestamp(m.UpdatedAt),
		Payload:    payload,
	}, nil
}

func decodeMeetingRecord(rec remoteRecord) (Meeting, error) {
	var m Meeting
	if err := decodePayload(rec.Payload, &m); err != nil {
		return Meeting{}, fmt.Errorf("failed to decode meeting %s: %w", rec.PK, err)
	}
	id, err := parseRecordID(rec.PK)
	if err != nil {
		return Meeting{}, err
	}
	m.ID = id
	return m, nil
}

func encodeAttendeeRecord(a AttendeeStatus, useMsgpack bool) (remoteRecord, error) {
	payload, err := encodePayload(attendeePayload{AttendeeStatus: a, MeetingPK: a.MeetingID.String()}, useMsgpack)
	if err != nil {
		return remoteRecord{}, fmt.Errorf("failed to encode attendee %s: %w", a.ID(), err)
	}
	return remoteRecord{
		PK:         a.ID().String(),
		RecordType: recordTypeAttendee,
		UpdatedAt:  formatTimestamp(a.UpdatedAt),
		Payload:    payload,
	}, nil
}

func decodeAttendeeRecord(rec remoteRecord) (AttendeeStatus, error) {
	var p attendeePayload
	if err := decodePayload(rec.Payload, &p); err != nil {
		return AttendeeStatus{}, fmt.Errorf("failed to decode attendee %s: %w", rec.PK, err)
	}
	meetingID, err := parseRecordID(p.MeetingPK)
	if err != nil {
		return AttendeeStatus{}, fmt.Errorf("attendee %s carries bad meeting key: %w", rec.PK, err)
	}
	a := p.AttendeeStatus
	a.MeetingID = meetingID
	return a, nil
}

func encodeMessageRecord(m ChatMessage, useMsgpack bool) (remoteRecord, error) {
	payload, err := encodePayload(m, useMsgpack)
	if err != nil {
		return remoteRecord{}, fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	return remoteRecord{
		PK:         m.ID.String(),
		RecordType: recordTypeMessage,
		UpdatedAt:  formatTimestamp(m.SentAt),
		Payload:    payload,
	}, nil
}

func decodeMessageRecord(rec remoteRecord) (ChatMessage, error) {
	var m ChatMessage
	if err := decodePayload(rec.Payload, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to decode message %s: %w", rec.PK, err)
	}
	id, err := parseRecordID(rec.PK)
	if err != nil {
		return ChatMessage{}, err
	}
	m.ID = id
	return m, nil
}

func encodeProfileRecord(p UserProfile, useMsgpack bool) (remoteRecord, error) {
	payload, err := encodePayload(p, useMsgpack)
	if err != nil {
		return remoteRecord{}, fmt.Errorf("failed to encode profile %s: %w", p.UserID, err)
	}
	return remoteRecord{
		PK:         p.ID().String(),
		RecordType: recordTypeProfile,
		UpdatedAt:  formatTimestamp(p.UpdatedAt),
		Payload:    payload,
	}, nil
}

func decodeProfileRecord(rec remoteRecord) (UserProfile, error) {
	var p UserProfile
	if err := decodePayload(rec.Payload, &p); err != nil {
		return UserProfile{}, fmt.Errorf("failed to decode profile %s: %w", rec.PK, err)
	}
	if p.UserID == "" {
		id, err := parseRecordID(rec.PK)
		if err != nil {
			return UserProfile{}, err
		}
		p.UserID = id.Owner
	}
	return p, nil
}

// meetingIDForAttendeeKey recovers the meeting identity from an attendee
// record key ("owner::zone::meetingName#userID").
func meetingIDForAttendeeKey(id RecordID) (RecordID, bool) {
	idx := strings.Index(id.Name, "#")
	if idx <= 0 {
		return RecordID{}, false
	}
	return RecordID{Owner: id.Owner, Zone: id.Zone, Name: id.Name[:idx]}, true
}

// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Record type discriminators stored on every remote record envelope.
const (
	recordTypeMeeting  = "meeting"
	recordTypeAttendee = "attendee_status"
	recordTypeMessage  = "message"
	recordTypeProfile  = "user_profile"
)

// recordIDSeparator joins the owner, zone, and name components of a composite
// identity. The components themselves never contain it (owners and zones are
// validated at sign-in, names are UUIDs or "#"-joined derived keys).
const recordIDSeparator = "::"

// profileZone is the reserved zone name for user profile records. Profiles are
// always addressed in the actor's own zone, so they live in the owned
// partition for the profile's user and in nobody's shared partition.
const profileZone = "_profiles"

// RecordID is the composite identity addressing a remote record across both
// partitions: the zone owner's user ID, the zone name, and the record name.
type RecordID struct {
	Owner string
	Zone  string
	Name  string
}

// String renders the identity in its canonical "owner::zone::name" form, which
// is also the primary key of the record in the remote store and in the local
// cache.
func (id RecordID) String() string {
	return id.Owner + recordIDSeparator + id.Zone + recordIDSeparator + id.Name
}

// IsZero reports whether the identity has not been assigned yet (a local draft
// that has never been pushed).
func (id RecordID) IsZero() bool {
	return id.Owner == "" && id.Zone == "" && id.Name == ""
}

// parseRecordID parses a canonical "owner::zone::name" key.
func parseRecordID(s string) (RecordID, error) {
	parts := strings.SplitN(s, recordIDSeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return RecordID{}, fmt.Errorf("malformed record ID %q", s)
	}
	return RecordID{Owner: parts[0], Zone: parts[1], Name: parts[2]}, nil
}

// attendeeRecordID derives the identity of an attendee-status row from its
// meeting and user. The row lives in the meeting's zone so that sharing the
// meeting shares the attendee rows with it.
func attendeeRecordID(meetingID RecordID, userID string) RecordID {
	return RecordID{
		Owner: meetingID.Owner,
		Zone:  meetingID.Zone,
		Name:  meetingID.Name + "#" + userID,
	}
}

// messageRecordID derives the identity of a message row. The name embeds the
// sender and a per-message unique suffix so that re-imports dedupe naturally.
func messageRecordID(meetingID RecordID, sender, unique string) RecordID {
	return RecordID{
		Owner: meetingID.Owner,
		Zone:  meetingID.Zone,
		Name:  meetingID.Name + "#" + sender + "#" + unique,
	}
}

// profileRecordID derives the identity of a user profile record.
func profileRecordID(userID string) RecordID {
	return RecordID{Owner: userID, Zone: profileZone, Name: userID}
}

// Partition identifies which of the two remote storage areas a record lives
// in: the actor's own table, or the table through which other owners' shared
// records are visible.
type Partition string

const (
	// PartitionOwned holds records whose zone the current actor owns.
	PartitionOwned Partition = "owned"
	// PartitionShared holds records shared to the current actor by other
	// owners. Read-mostly from the actor's perspective.
	PartitionShared Partition = "shared"
)

// partitionFor routes a record identity to its partition for the given actor.
// Records in zones the actor owns always live in the owned partition; every
// other record is only visible through the shared partition.
func partitionFor(id RecordID, actorID string) Partition {
	if id.Owner == actorID {
		return PartitionOwned
	}
	return PartitionShared
}

// Meeting is a locally cached meetup. Exactly one mutable owner; participants
// receive it through a share and treat it as read-only apart from their own
// attendee row.
type Meeting struct {
	ID               RecordID  `json:"-"`
	Title            string    `json:"title"`
	StartTime        time.Time `json:"start_time"`
	Recurrence       string    `json:"recurrence,omitempty"` // RRULE text; empty for one-off meetups
	LocationName     string    `json:"location_name"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Notes            string    `json:"notes"`
	ShareLeadMinutes int       `json:"share_lead_minutes"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	// Dirty marks a local edit that has not been confirmed upstream yet.
	// Hidden marks a participant's local soft-delete of a shared meeting.
	// Neither field crosses the wire.
	Dirty  bool `json:"-"`
	Hidden bool `json:"-"`
}

// AttendeeStatus is one row per (meeting, user) pair carrying the user's live
// position and the two sticky flags.
type AttendeeStatus struct {
	MeetingID RecordID `json:"-"`
	UserID    string   `json:"user_id"`
	Organizer bool     `json:"organizer"`

	// Here is sticky: once true it never merges back to false. Its
	// timestamp only advances.
	Here          bool      `json:"here"`
	HereUpdatedAt time.Time `json:"here_updated_at"`

	// Left is sticky and additionally forces Here true and clears the
	// live position when set.
	Left          bool      `json:"left"`
	LeftUpdatedAt time.Time `json:"left_updated_at"`

	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ETAMinutes *int    `json:"eta_minutes,omitempty"`

	// UpdatedAt stamps the last change to the non-sticky fields and drives
	// their last-write-wins resolution.
	UpdatedAt time.Time `json:"updated_at"`

	Dirty bool `json:"-"`
}

// ID returns the attendee row's composite identity.
func (a AttendeeStatus) ID() RecordID {
	return attendeeRecordID(a.MeetingID, a.UserID)
}

// normalize enforces the departed-attendee invariant: a row that has arrived
// or left never shows a live position or ETA, and a departed row always reads
// as arrived.
func (a *AttendeeStatus) normalize() {
	if a.Left {
		a.Here = true
		if a.HereUpdatedAt.Before(a.LeftUpdatedAt) {
			a.HereUpdatedAt = a.LeftUpdatedAt
		}
	}
	if a.Here || a.Left {
		a.Latitude = 0
		a.Longitude = 0
		a.ETAMinutes = nil
	}
}

// ChatMessage is an append-only note attributed to a (meeting, sender) pair.
type ChatMessage struct {
	ID        RecordID  `json:"-"`
	MeetingPK string    `json:"meeting_pk"`
	Sender    string    `json:"sender"`
	SentAt    time.Time `json:"sent_at"`
	Body      string    `json:"body"`

	Dirty bool `json:"-"`
}

// UserProfile mirrors a user's display name and photo into the local cache.
type UserProfile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Photo       []byte    `json:"photo,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`

	Dirty bool `json:"-"`
}

// ID returns the profile's composite identity.
func (p UserProfile) ID() RecordID {
	return profileRecordID(p.UserID)
}

// remoteRecord is the envelope stored in the record tables. The typed payload
// is encoded as JSON or msgpack (per config); the envelope keeps the fields
// the store itself needs: the primary key, the type discriminator for
// dispatch, and the update timestamp for staleness checks without decoding.
type remoteRecord struct {
	PK         string `dynamodbav:"pk" json:"pk"`
	RecordType string `dynamodbav:"record_type" json:"record_type"`
	UpdatedAt  string `dynamodbav:"updated_at" json:"updated_at"`
	Payload    []byte `dynamodbav:"payload" json:"payload"`
}

// encodePayload marshals a typed payload per the configured wire encoding.
func encodePayload(v any, useMsgpack bool) ([]byte, error) {
	if useMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// decodePayload unmarshals a record payload, trying JSON first and falling
// back to msgpack, so mixed-encoding fleets can read each other's records.
func decodePayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		if msgErr := msgpack.Unmarshal(data, v); msgErr != nil {
			return fmt.Errorf("payload is neither JSON (%v) nor msgpack: %w", err, msgErr)
		}
	}
	return nil
}

// parseTimestamp parses the RFC3339 timestamps carried on record envelopes.
// An empty string parses to the zero time, which always loses a strictly-newer
// comparison.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// formatTimestamp renders an envelope timestamp.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// maxTime returns the later of two instants.
func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

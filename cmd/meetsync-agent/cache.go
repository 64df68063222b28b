// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// Local persistence cache backed by SQLite. The cache is storage only: merge
// policy lives in merge.go and reconcile.go, and the cache never talks to the
// network. Rows carry a dirty flag for the push pass and, for shared
// meetings, a hidden flag for participant-side soft deletes.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// errNotFound is returned by point lookups when no row matches.
var errNotFound = errors.New("record not found in local cache")

const cacheSchema = `
CREATE TABLE IF NOT EXISTS meetings (
	pk                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL DEFAULT '',
	start_time         TEXT NOT NULL DEFAULT '',
	recurrence         TEXT NOT NULL DEFAULT '',
	location_name      TEXT NOT NULL DEFAULT '',
	latitude           REAL NOT NULL DEFAULT 0,
	longitude          REAL NOT NULL DEFAULT 0,
	notes              TEXT NOT NULL DEFAULT '',
	share_lead_minutes INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL DEFAULT '',
	updated_at         TEXT NOT NULL DEFAULT '',
	dirty              INTEGER NOT NULL DEFAULT 0,
	hidden             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attendee_status (
	pk              TEXT PRIMARY KEY,
	meeting_pk      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	organizer       INTEGER NOT NULL DEFAULT 0,
	here            INTEGER NOT NULL DEFAULT 0,
	here_updated_at TEXT NOT NULL DEFAULT '',
	departed        INTEGER NOT NULL DEFAULT 0,
	departed_updated_at TEXT NOT NULL DEFAULT '',
	latitude        REAL NOT NULL DEFAULT 0,
	longitude       REAL NOT NULL DEFAULT 0,
	eta_minutes     INTEGER,
	updated_at      TEXT NOT NULL DEFAULT '',
	dirty           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_attendee_meeting ON attendee_status(meeting_pk);

CREATE TABLE IF NOT EXISTS messages (
	pk         TEXT PRIMARY KEY,
	meeting_pk TEXT NOT NULL,
	sender     TEXT NOT NULL,
	sent_at    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	dirty      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_message_meeting ON messages(meeting_pk);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	photo        BLOB,
	updated_at   TEXT NOT NULL DEFAULT '',
	dirty        INTEGER NOT NULL DEFAULT 0
);
`

// localCache wraps the SQLite handle. A single apply goroutine owns all
// mutation ordering (see sync.go), so the cache itself needs no locking
// beyond what database/sql provides.
type localCache struct {
	db *sql.DB
}

// openCache opens (creating if needed) the cache database at path and applies
// the schema. Use ":memory:" for tests.
func openCache(path string) (*localCache, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database %s: %w", path, err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids table-lock errors under the WAL journal.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply cache schema: %w", err)
	}
	return &localCache{db: db}, nil
}

// Close closes the underlying database.
func (c *localCache) Close() error {
	return c.db.Close()
}

// --- meetings ---

// UpsertMeeting writes the meeting row, inserting or replacing by primary key.
func (c *localCache) UpsertMeeting(ctx context.Context, m Meeting) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO meetings (pk, title, start_time, recurrence, location_name, latitude, longitude,
			notes, share_lead_minutes, created_at, updated_at, dirty, hidden)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pk) DO UPDATE SET
			title = excluded.title,
			start_time = excluded.start_time,
			recurrence = excluded.recurrence,
			location_name = excluded.location_name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			notes = excluded.notes,
			share_lead_minutes = excluded.share_lead_minutes,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			dirty = excluded.dirty,
			hidden = excluded.hidden`,
		m.ID.String(), m.Title, formatTimestamp(m.StartTime), m.Recurrence, m.LocationName,
		m.Latitude, m.Longitude, m.Notes, m.ShareLeadMinutes,
		formatTimestamp(m.CreatedAt), formatTimestamp(m.UpdatedAt),
		boolToInt(m.Dirty), boolToInt(m.Hidden))
	if err != nil {
		return fmt.Errorf("failed to upsert meeting %s: %w", m.ID, err)
	}
	return nil
}

// GetMeeting looks up a meeting by its composite key. Returns errNotFound
// when absent.
func (c *localCache) GetMeeting(ctx context.Context, id RecordID) (Meeting, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT pk, title, start_time, recurrence, location_name, latitude, longitude,
			notes, share_lead_minutes, created_at, updated_at, dirty, hidden
		FROM meetings WHERE pk = ?`, id.String())
	return scanMeeting(row)
}

// ListMeetings returns every cached meeting, hidden ones included; callers
// filter on Hidden when presenting.
func (c *localCache) ListMeetings(ctx context.Context) ([]Meeting, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pk, title, start_time, recurrence, location_name, latitude, longitude,
			notes, share_lead_minutes, created_at, updated_at, dirty, hidden
		FROM meetings ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer rows.Close()

	var result []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// DeleteMeeting hard-deletes a meeting and its dependent attendee and message
// rows (owner-side reconciliation of a remotely purged meeting).
func (c *localCache) DeleteMeeting(ctx context.Context, id RecordID) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	pk := id.String()
	for _, q := range []string{
		`DELETE FROM attendee_status WHERE meeting_pk = ?`,
		`DELETE FROM messages WHERE meeting_pk = ?`,
		`DELETE FROM meetings WHERE pk = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, pk); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to delete meeting %s: %w", pk, err)
		}
	}
	return tx.Commit()
}

// HideMeeting marks a shared meeting hidden without removing it
// (participant-side soft delete).
func (c *localCache) HideMeeting(ctx context.Context, id RecordID) error {
	_, err := c.db.ExecContext(ctx, `UPDATE meetings SET hidden = 1 WHERE pk = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to hide meeting %s: %w", id, err)
	}
	return nil
}

// MarkMeetingClean clears the dirty flag after a confirmed push.
func (c *localCache) MarkMeetingClean(ctx context.Context, id RecordID) error {
	_, err := c.db.ExecContext(ctx, `UPDATE meetings SET dirty = 0 WHERE pk = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to mark meeting %s clean: %w", id, err)
	}
	return nil
}

// --- attendee status ---

// UpsertAttendee writes the attendee row, inserting or replacing by key.
func (c *localCache) UpsertAttendee(ctx context.Context, a AttendeeStatus) error {
	var eta sql.NullInt64
	if a.ETAMinutes != nil {
		eta = sql.NullInt64{Int64: int64(*a.ETAMinutes), Valid: true}
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO attendee_status (pk, meeting_pk, user_id, organizer, here, here_updated_at,
			departed, departed_updated_at, latitude, longitude, eta_minutes, updated_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pk) DO UPDATE SET
			organizer = excluded.organizer,
			here = excluded.here,
			here_updated_at = excluded.here_updated_at,
			departed = excluded.departed,
			departed_updated_at = excluded.departed_updated_at,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			eta_minutes = excluded.eta_minutes,
			updated_at = excluded.updated_at,
			dirty = excluded.dirty`,
		a.ID().String(), a.MeetingID.String(), a.UserID, boolToInt(a.Organizer),
		boolToInt(a.Here), formatTimestamp(a.HereUpdatedAt),
		boolToInt(a.Left), formatTimestamp(a.LeftUpdatedAt),
		a.Latitude, a.Longitude, eta, formatTimestamp(a.UpdatedAt), boolToInt(a.Dirty))
	if err != nil {
		return fmt.Errorf("failed to upsert attendee %s: %w", a.ID(), err)
	}
	return nil
}

// GetAttendee looks up an attendee row by meeting and user. Returns
// errNotFound when absent.
func (c *localCache) GetAttendee(ctx context.Context, meetingID RecordID, userID string) (AttendeeStatus, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT meeting_pk, user_id, organizer, here, here_updated_at, departed, departed_updated_at,
			latitude, longitude, eta_minutes, updated_at, dirty
		FROM attendee_status WHERE pk = ?`, attendeeRecordID(meetingID, userID).String())
	return scanAttendee(row)
}

// ListAttendees returns every attendee row for a meeting.
func (c *localCache) ListAttendees(ctx context.Context, meetingID RecordID) ([]AttendeeStatus, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT meeting_pk, user_id, organizer, here, here_updated_at, departed, departed_updated_at,
			latitude, longitude, eta_minutes, updated_at, dirty
		FROM attendee_status WHERE meeting_pk = ? ORDER BY user_id`, meetingID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list attendees for %s: %w", meetingID, err)
	}
	defer rows.Close()
	return collectAttendees(rows)
}

// ListDirtyAttendees returns every attendee row awaiting a push.
func (c *localCache) ListDirtyAttendees(ctx context.Context) ([]AttendeeStatus, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT meeting_pk, user_id, organizer, here, here_updated_at, departed, departed_updated_at,
			latitude, longitude, eta_minutes, updated_at, dirty
		FROM attendee_status WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty attendees: %w", err)
	}
	defer rows.Close()
	return collectAttendees(rows)
}

// MarkAttendeeClean clears the dirty flag after a confirmed push.
func (c *localCache) MarkAttendeeClean(ctx context.Context, id RecordID) error {
	_, err := c.db.ExecContext(ctx, `UPDATE attendee_status SET dirty = 0 WHERE pk = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to mark attendee %s clean: %w", id, err)
	}
	return nil
}

// --- messages ---

// InsertMessage writes a message row if its key is not already present.
// Messages are append-only, so a duplicate key means the row was already
// imported and the insert is a no-op.
func (c *localCache) InsertMessage(ctx context.Context, m ChatMessage) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO messages (pk, meeting_pk, sender, sent_at, body, dirty)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pk) DO NOTHING`,
		m.ID.String(), m.MeetingPK, m.Sender, formatTimestamp(m.SentAt), m.Body, boolToInt(m.Dirty))
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns the messages for a meeting in send order.
func (c *localCache) ListMessages(ctx context.Context, meetingID RecordID) ([]ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pk, meeting_pk, sender, sent_at, body, dirty
		FROM messages WHERE meeting_pk = ? ORDER BY sent_at`, meetingID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", meetingID, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListDirtyMessages returns every message awaiting a push.
func (c *localCache) ListDirtyMessages(ctx context.Context) ([]ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pk, meeting_pk, sender, sent_at, body, dirty FROM messages WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MarkMessageClean clears the dirty flag after a confirmed push.
func (c *localCache) MarkMessageClean(ctx context.Context, id RecordID) error {
	_, err := c.db.ExecContext(ctx, `UPDATE messages SET dirty = 0 WHERE pk = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to mark message %s clean: %w", id, err)
	}
	return nil
}

// --- user profiles ---

// UpsertProfile writes the profile row, inserting or replacing by user ID.
func (c *localCache) UpsertProfile(ctx context.Context, p UserProfile) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, display_name, photo, updated_at, dirty)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			photo = excluded.photo,
			updated_at = excluded.updated_at,
			dirty = excluded.dirty`,
		p.UserID, p.DisplayName, p.Photo, formatTimestamp(p.UpdatedAt), boolToInt(p.Dirty))
	if err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", p.UserID, err)
	}
	return nil
}

// GetProfile looks up a profile by user ID. Returns errNotFound when absent.
func (c *localCache) GetProfile(ctx context.Context, userID string) (UserProfile, error) {
	var p UserProfile
	var updatedAt string
	var dirty int
	err := c.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, photo, updated_at, dirty
		FROM user_profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.Photo, &updatedAt, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return UserProfile{}, errNotFound
	}
	if err != nil {
		return UserProfile{}, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	p.UpdatedAt, _ = parseTimestamp(updatedAt)
	p.Dirty = dirty != 0
	return p, nil
}

// ListDirtyProfiles returns every profile awaiting a push.
func (c *localCache) ListDirtyProfiles(ctx context.Context) ([]UserProfile, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT user_id, display_name, photo, updated_at, dirty FROM user_profiles WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty profiles: %w", err)
	}
	defer rows.Close()

	var result []UserProfile
	for rows.Next() {
		var p UserProfile
		var updatedAt string
		var dirty int
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.Photo, &updatedAt, &dirty); err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		p.UpdatedAt, _ = parseTimestamp(updatedAt)
		p.Dirty = dirty != 0
		result = append(result, p)
	}
	return result, rows.Err()
}

// MarkProfileClean clears the dirty flag after a confirmed push.
func (c *localCache) MarkProfileClean(ctx context.Context, userID string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE user_profiles SET dirty = 0 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to mark profile %s clean: %w", userID, err)
	}
	return nil
}

// --- scan helpers ---

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (Meeting, error) {
	var m Meeting
	var pk, startTime, createdAt, updatedAt string
	var dirty, hidden int
	err := row.Scan(&pk, &m.Title, &startTime, &m.Recurrence, &m.LocationName,
		&m.Latitude, &m.Longitude, &m.Notes, &m.ShareLeadMinutes,
		&createdAt, &updatedAt, &dirty, &hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return Meeting{}, errNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("failed to scan meeting row: %w", err)
	}
	m.ID, err = parseRecordID(pk)
	if err != nil {
		return Meeting{}, err
	}
	m.StartTime, _ = parseTimestamp(startTime)
	m.CreatedAt, _ = parseTimestamp(createdAt)
	m.UpdatedAt, _ = parseTimestamp(updatedAt)
	m.Dirty = dirty != 0
	m.Hidden = hidden != 0
	return m, nil
}

func scanAttendee(row rowScanner) (AttendeeStatus, error) {
	var a AttendeeStatus
	var meetingPK, hereAt, leftAt, updatedAt string
	var organizer, here, left, dirty int
	var eta sql.NullInt64
	err := row.Scan(&meetingPK, &a.UserID, &organizer, &here, &hereAt, &left, &leftAt,
		&a.Latitude, &a.Longitude, &eta, &updatedAt, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return AttendeeStatus{}, errNotFound
	}
	if err != nil {
		return AttendeeStatus{}, fmt.Errorf("failed to scan attendee row: %w", err)
	}
	a.MeetingID, err = parseRecordID(meetingPK)
	if err != nil {
		return AttendeeStatus{}, err
	}
	a.Organizer = organizer != 0
	a.Here = here != 0
	a.Left = left != 0
	a.HereUpdatedAt, _ = parseTimestamp(hereAt)
	a.LeftUpdatedAt, _ = parseTimestamp(leftAt)
	a.UpdatedAt, _ = parseTimestamp(updatedAt)
	if eta.Valid {
		v := int(eta.Int64)
		a.ETAMinutes = &v
	}
	a.Dirty = dirty != 0
	return a, nil
}

func collectAttendees(rows *sql.Rows) ([]AttendeeStatus, error) {
	var result []AttendeeStatus
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func collectMessages(rows *sql.Rows) ([]ChatMessage, error) {
	var result []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var pk, sentAt string
		var dirty int
		if err := rows.Scan(&pk, &m.MeetingPK, &m.Sender, &sentAt, &m.Body, &dirty); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		id, err := parseRecordID(pk)
		if err != nil {
			return nil, err
		}
		m.ID = id
		m.SentAt, _ = parseTimestamp(sentAt)
		m.Dirty = dirty != 0
		result = append(result, m)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeNow is stubbed in tests.
var timeNow = time.Now

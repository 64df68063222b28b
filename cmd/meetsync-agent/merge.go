// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
//
// Pure merge functions for reconciling locally cached rows against incoming
// remote records. These carry the only non-trivial invariants in the system,
// so they take both sides by value, touch no shared state, and return the
// merged row; callers decide what to persist.
//
// Resolution rules:
//   - Simple mutable fields resolve last-write-wins on an explicit updated_at
//     timestamp. A remote value is applied only when its timestamp is
//     strictly greater than the local one, so a local edit stamped "now"
//     is never clobbered by a concurrently arriving older remote read.
//   - The two sticky booleans (here, left) are monotonic: once true they
//     never merge back to false, and their timestamps only advance. A stale
//     replay delivering an older false is silently ignored.
//   - left=true forces here=true and clears the live position, so departed
//     attendees never show a stale pin.
package main

// mergeMeeting folds an incoming remote meeting into the local row. Only the
// owner may mutate meeting fields upstream, so the remote side is
// authoritative whenever it is strictly newer; local-only flags (dirty,
// hidden) are preserved either way.
func mergeMeeting(local, remote Meeting) Meeting {
	out := local
	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.Title = remote.Title
		out.StartTime = remote.StartTime
		out.Recurrence = remote.Recurrence
		out.LocationName = remote.LocationName
		out.Latitude = remote.Latitude
		out.Longitude = remote.Longitude
		out.Notes = remote.Notes
		out.ShareLeadMinutes = remote.ShareLeadMinutes
		out.UpdatedAt = remote.UpdatedAt
		// A confirmed remote state newer than the local edit supersedes
		// the local draft.
		out.Dirty = false
	}
	if !remote.CreatedAt.IsZero() {
		out.CreatedAt = remote.CreatedAt
	}
	return out
}

// mergeAttendeeStatus folds an incoming attendee row into the local one.
func mergeAttendeeStatus(local, remote AttendeeStatus) AttendeeStatus {
	out := local

	// Sticky flags: true wins regardless of timestamp order, false never
	// overwrites true. The per-flag timestamps move forward only, so a
	// stale replay cannot rewind them.
	out.Here = local.Here || remote.Here
	out.HereUpdatedAt = maxTime(local.HereUpdatedAt, remote.HereUpdatedAt)
	out.Left = local.Left || remote.Left
	out.LeftUpdatedAt = maxTime(local.LeftUpdatedAt, remote.LeftUpdatedAt)

	// Live position, ETA, and the organizer flag resolve last-write-wins.
	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.Organizer = remote.Organizer
		out.Latitude = remote.Latitude
		out.Longitude = remote.Longitude
		out.ETAMinutes = remote.ETAMinutes
		out.UpdatedAt = remote.UpdatedAt
		// A newer remote copy supersedes the local draft, but a sticky flag
		// set locally that the remote copy still lacks has never been
		// pushed: the row must stay queued until the store learns of it.
		if !stickyAhead(local, remote) {
			out.Dirty = false
		}
	}

	out.normalize()
	return out
}

// stickyAhead reports whether local carries sticky-flag truth the remote copy
// does not know about yet.
func stickyAhead(local, remote AttendeeStatus) bool {
	return (local.Here && !remote.Here) || (local.Left && !remote.Left)
}

// mergeProfile folds an incoming profile into the local one. Both fields are
// covered by the single updated_at stamp; a freshly chosen local photo always
// carries a local "now" stamp, so a remote read only replaces it when the
// remote write is strictly newer.
func mergeProfile(local, remote UserProfile) UserProfile {
	out := local
	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.DisplayName = remote.DisplayName
		out.Photo = remote.Photo
		out.UpdatedAt = remote.UpdatedAt
		out.Dirty = false
	}
	return out
}

// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// meetingEndBuffer is how long after a meetup's start the sharing window
// stays open, so late arrivals remain visible to the group.
const meetingEndBuffer = 2 * time.Hour

// nextOccurrence returns the first occurrence of the meeting starting at or
// after now. For one-off meetups that is the start time itself (even in the
// past, so a just-finished meetup still resolves); for recurring meetups the
// recurrence rule is expanded anchored at the start time.
func nextOccurrence(m Meeting, now time.Time) (time.Time, error) {
	if m.Recurrence == "" {
		return m.StartTime, nil
	}

	r, err := rrule.StrToRRule(m.Recurrence)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse recurrence for meeting %s: %w", m.ID, err)
	}
	r.DTStart(m.StartTime)

	next := r.After(now, true)
	if next.IsZero() {
		// Recurrence exhausted; fall back to the final occurrence so the
		// window logic still sees a concrete time.
		all := r.All()
		if len(all) == 0 {
			return m.StartTime, nil
		}
		return all[len(all)-1], nil
	}
	return next, nil
}

// upcomingOccurrences expands up to limit occurrences at or after now, for
// schedule displays.
func upcomingOccurrences(m Meeting, now time.Time, limit int) ([]time.Time, error) {
	if m.Recurrence == "" {
		if m.StartTime.Before(now) {
			return nil, nil
		}
		return []time.Time{m.StartTime}, nil
	}

	r, err := rrule.StrToRRule(m.Recurrence)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recurrence for meeting %s: %w", m.ID, err)
	}
	r.DTStart(m.StartTime)

	var result []time.Time
	iter := r.Iterator()
	for {
		t, ok := iter()
		if !ok || len(result) >= limit {
			break
		}
		if t.Before(now) {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// shareWindowOpen reports whether live locations may be shared for the
// meeting at the given instant: from the configured lead time before the
// next occurrence until the end buffer after it.
func shareWindowOpen(m Meeting, now time.Time) bool {
	occ, err := nextOccurrence(m, now)
	if err != nil {
		logger.With(errKey, err, "pk", m.ID.String()).Warn("unparseable recurrence, keeping sharing window closed")
		return false
	}
	opens := occ.Add(-time.Duration(m.ShareLeadMinutes) * time.Minute)
	closes := occ.Add(meetingEndBuffer)
	return !now.Before(opens) && now.Before(closes)
}

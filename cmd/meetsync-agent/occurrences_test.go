// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextOccurrenceOneOff(t *testing.T) {
	start := time.Date(2026, time.June, 6, 18, 0, 0, 0, time.UTC)
	m := Meeting{StartTime: start}

	occ, err := nextOccurrence(m, start.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, start, occ)

	// A finished one-off still resolves to its own start time.
	occ, err = nextOccurrence(m, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, start, occ)
}

func TestNextOccurrenceWeekly(t *testing.T) {
	start := time.Date(2026, time.June, 1, 18, 0, 0, 0, time.UTC) // a Monday
	m := Meeting{StartTime: start, Recurrence: "FREQ=WEEKLY;BYDAY=MO"}

	occ, err := nextOccurrence(m, start.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, start.AddDate(0, 0, 7), occ)

	// Exactly at an occurrence counts as that occurrence.
	occ, err = nextOccurrence(m, start)
	require.NoError(t, err)
	assert.Equal(t, start, occ)
}

func TestNextOccurrenceExhaustedRuleFallsBackToLast(t *testing.T) {
	start := time.Date(2026, time.June, 1, 18, 0, 0, 0, time.UTC)
	m := Meeting{StartTime: start, Recurrence: "FREQ=DAILY;COUNT=3"}

	occ, err := nextOccurrence(m, start.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, start.AddDate(0, 0, 2), occ)
}

func TestNextOccurrenceBadRule(t *testing.T) {
	m := Meeting{StartTime: ts(0), Recurrence: "FREQ=SOMETIMES"}
	_, err := nextOccurrence(m, ts(0))
	assert.Error(t, err)
}

func TestUpcomingOccurrencesLimited(t *testing.T) {
	start := time.Date(2026, time.June, 1, 18, 0, 0, 0, time.UTC)
	m := Meeting{StartTime: start, Recurrence: "FREQ=DAILY"}

	occs, err := upcomingOccurrences(m, start, 3)
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.Equal(t, start, occs[0])
	assert.Equal(t, start.AddDate(0, 0, 2), occs[2])
}

func TestUpcomingOccurrencesPastOneOff(t *testing.T) {
	m := Meeting{StartTime: ts(0)}
	occs, err := upcomingOccurrences(m, ts(0).Add(time.Hour), 5)
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestShareWindow(t *testing.T) {
	start := time.Date(2026, time.June, 6, 18, 0, 0, 0, time.UTC)
	m := Meeting{StartTime: start, ShareLeadMinutes: 60}

	assert.False(t, shareWindowOpen(m, start.Add(-2*time.Hour)), "too early")
	assert.True(t, shareWindowOpen(m, start.Add(-time.Hour)), "opens at the lead time")
	assert.True(t, shareWindowOpen(m, start.Add(time.Hour)), "open while the meetup runs")
	assert.False(t, shareWindowOpen(m, start.Add(meetingEndBuffer)), "closed after the end buffer")
}

func TestShareWindowBadRecurrenceStaysClosed(t *testing.T) {
	m := Meeting{StartTime: ts(0), Recurrence: "garbage", ShareLeadMinutes: 60}
	assert.False(t, shareWindowOpen(m, ts(0)))
}

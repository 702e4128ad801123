package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T) *Session {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	session, err := NewSession(loc, "09:00", "15:30")
	require.NoError(t, err)
	return session
}

func TestSessionContains(t *testing.T) {
	s := testSession(t)
	loc := s.Location()

	// 2026-03-02 is a Monday.
	assert.True(t, s.Contains(time.Date(2026, 3, 2, 9, 0, 0, 0, loc)))
	assert.True(t, s.Contains(time.Date(2026, 3, 2, 15, 29, 0, 0, loc)))
	assert.False(t, s.Contains(time.Date(2026, 3, 2, 15, 30, 0, 0, loc)))
	assert.False(t, s.Contains(time.Date(2026, 3, 2, 8, 59, 0, 0, loc)))

	// Weekend.
	assert.False(t, s.Contains(time.Date(2026, 3, 7, 10, 0, 0, 0, loc)))
	assert.False(t, s.Contains(time.Date(2026, 3, 8, 10, 0, 0, 0, loc)))
}

func TestSessionContainsConvertsTimezone(t *testing.T) {
	s := testSession(t)

	// 01:30 UTC is 10:30 KST, inside the session.
	assert.True(t, s.Contains(time.Date(2026, 3, 2, 1, 30, 0, 0, time.UTC)))
}

func TestSessionMinutes(t *testing.T) {
	s := testSession(t)
	loc := s.Location()

	minutes := s.Minutes(time.Date(2026, 3, 2, 0, 0, 0, 0, loc))

	// 09:00 through 15:29 is 6.5 hours of one-minute buckets.
	require.Len(t, minutes, 390)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, loc), minutes[0])
	assert.Equal(t, time.Date(2026, 3, 2, 15, 29, 0, 0, loc), minutes[len(minutes)-1])
}

func TestPrevClosedMinute(t *testing.T) {
	s := testSession(t)
	loc := s.Location()

	at := time.Date(2026, 3, 2, 9, 31, 5, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, loc), s.PrevClosedMinute(at))
}

func TestNewSessionRejectsGarbage(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	_, err = NewSession(loc, "morning", "15:30")
	assert.Error(t, err)
}

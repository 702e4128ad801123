package application

import (
	"fmt"
	"time"
)

// Session models the regular trading session in the market timezone.
// Weekends are closed; exchange holidays are not modelled here, the daily
// batch simply finds no candles on those days.
type Session struct {
	loc       *time.Location
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
}

// NewSession parses "HH:MM" open/close bounds.
func NewSession(loc *time.Location, open, close string) (*Session, error) {
	s := &Session{loc: loc}
	if _, err := fmt.Sscanf(open, "%d:%d", &s.openHour, &s.openMin); err != nil {
		return nil, fmt.Errorf("invalid session open %q: %w", open, err)
	}
	if _, err := fmt.Sscanf(close, "%d:%d", &s.closeHour, &s.closeMin); err != nil {
		return nil, fmt.Errorf("invalid session close %q: %w", close, err)
	}
	return s, nil
}

func (s *Session) Location() *time.Location {
	return s.loc
}

// Contains reports whether the minute falls inside the session. The open
// minute is included, the close minute is not.
func (s *Session) Contains(minute time.Time) bool {
	m := minute.In(s.loc)
	switch m.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	hm := m.Hour()*60 + m.Minute()
	return hm >= s.openHour*60+s.openMin && hm < s.closeHour*60+s.closeMin
}

// Minutes enumerates every session minute of the given date, in order.
func (s *Session) Minutes(date time.Time) []time.Time {
	d := date.In(s.loc)
	open := time.Date(d.Year(), d.Month(), d.Day(), s.openHour, s.openMin, 0, 0, s.loc)
	close := time.Date(d.Year(), d.Month(), d.Day(), s.closeHour, s.closeMin, 0, 0, s.loc)

	var out []time.Time
	for m := open; m.Before(close); m = m.Add(time.Minute) {
		out = append(out, m)
	}
	return out
}

// PrevClosedMinute is the latest minute fully closed at t.
func (s *Session) PrevClosedMinute(t time.Time) time.Time {
	return t.In(s.loc).Truncate(time.Minute).Add(-time.Minute)
}

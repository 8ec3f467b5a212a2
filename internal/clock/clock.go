// Package clock computes the logical collection day.
//
// A collection day does not roll over at midnight: runs shortly after
// midnight still count against the previous day's slot.
package clock

import "time"

// DayLayout is the YYYY-MM-DD layout used for day markers and ingest payloads.
const DayLayout = "2006-01-02"

// DefaultRolloverHour is the local hour at which a new collection day starts.
const DefaultRolloverHour = 7

// Clock returns the current time. Tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// System is the wall clock in the given location (time.Local when nil).
type System struct {
	Location *time.Location
}

func (s System) Now() time.Time {
	if s.Location == nil {
		return time.Now()
	}
	return time.Now().In(s.Location)
}

// Fixed always reports the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// CollectionDay returns the collection day that t belongs to.
func CollectionDay(t time.Time, rolloverHour int) string {
	if t.Hour() < rolloverHour {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format(DayLayout)
}

// CalendarDay is the plain calendar date of t.
func CalendarDay(t time.Time) string {
	return t.Format(DayLayout)
}

// Days binds a Clock to a rollover hour.
type Days struct {
	Clock        Clock
	RolloverHour int
}

// NewDays returns a day calculator; a nil clock means the system clock.
func NewDays(c Clock, rolloverHour int) Days {
	if c == nil {
		c = System{}
	}
	return Days{Clock: c, RolloverHour: rolloverHour}
}

// Current returns the collection day for the clock's current time.
func (d Days) Current() string {
	return CollectionDay(d.Clock.Now(), d.RolloverHour)
}

// Today returns the calendar date for the clock's current time.
func (d Days) Today() string {
	return CalendarDay(d.Clock.Now())
}

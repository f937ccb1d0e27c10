// Package models contains the domain models for the application.
package models

import (
	"errors"
	"time"
)

// ErrInvalidTimeSlot is returned when a slot does not start before it ends.
var ErrInvalidTimeSlot = errors.New("time slot must start before it ends")

// TimeSlot is an offered window of time. Slots are compared by value.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeSlot creates a slot, rejecting empty or inverted windows.
func NewTimeSlot(start, end time.Time) (TimeSlot, error) {
	if !start.Before(end) {
		return TimeSlot{}, ErrInvalidTimeSlot
	}
	return TimeSlot{Start: start, End: end}, nil
}

// Validate checks the start < end invariant.
func (s TimeSlot) Validate() error {
	if !s.Start.Before(s.End) {
		return ErrInvalidTimeSlot
	}
	return nil
}

// Equal reports whether both slots cover the same instants.
// Time zones and monotonic readings are ignored.
func (s TimeSlot) Equal(other TimeSlot) bool {
	return s.Start.Equal(other.Start) && s.End.Equal(other.End)
}

// IsPast returns true once the slot's start is behind now.
func (s TimeSlot) IsPast(now time.Time) bool {
	return s.Start.Before(now)
}

// Key returns a canonical representation usable as a map or index key.
func (s TimeSlot) Key() string {
	return s.Start.UTC().Format(time.RFC3339Nano) + "/" + s.End.UTC().Format(time.RFC3339Nano)
}

// AvailabilityCalendar is the set of dates and slots an owner has offered.
type AvailabilityCalendar struct {
	AvailableDates []time.Time `json:"available_dates"`
	TimeSlots      []TimeSlot  `json:"time_slots"`
}

// IsEmpty returns true if no slots are offered.
func (c AvailabilityCalendar) IsEmpty() bool {
	return len(c.TimeSlots) == 0
}

// Contains reports whether a value-equal slot is offered.
func (c AvailabilityCalendar) Contains(slot TimeSlot) bool {
	for _, s := range c.TimeSlots {
		if s.Equal(slot) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the calendar.
func (c AvailabilityCalendar) Clone() AvailabilityCalendar {
	out := AvailabilityCalendar{}
	if c.AvailableDates != nil {
		out.AvailableDates = append([]time.Time(nil), c.AvailableDates...)
	}
	if c.TimeSlots != nil {
		out.TimeSlots = append([]TimeSlot(nil), c.TimeSlots...)
	}
	return out
}

// Package slot classifies offered time slots against approved claims.
package slot

import (
	"errors"
	"time"

	"github.com/slot-claims/backend/internal/storage/models"
)

// Selection errors, returned by ValidateSelection in check order.
var (
	ErrNotInCalendar = errors.New("selected slot is not in the availability calendar")
	ErrAlreadyBooked = errors.New("selected slot is already booked")
	ErrExpired       = errors.New("selected slot has already started")
)

// State is the claimability of a single slot.
type State string

// Slot states
const (
	StateAvailable State = "available"
	StateBooked    State = "booked"
	StatePast      State = "past"
)

// Classification is the verdict for one slot. By is set for booked slots.
type Classification struct {
	State State  `json:"state"`
	By    string `json:"by,omitempty"`
}

// Unavailable describes a slot that cannot be claimed and why.
type Unavailable struct {
	Slot   models.TimeSlot `json:"slot"`
	Reason State           `json:"reason"`
	By     string          `json:"by,omitempty"`
}

// Classify decides whether a slot is available, booked or past.
// Past wins over booked: an expired slot cannot be claimed regardless of who holds it.
func Classify(s models.TimeSlot, approved []models.ClaimedItem, now time.Time) Classification {
	if s.IsPast(now) {
		return Classification{State: StatePast}
	}
	if holder, ok := bookedBy(s, approved); ok {
		return Classification{State: StateBooked, By: holder}
	}
	return Classification{State: StateAvailable}
}

// bookedBy finds the claimant holding a value-equal slot.
func bookedBy(s models.TimeSlot, approved []models.ClaimedItem) (string, bool) {
	for _, c := range approved {
		if c.SelectedTimeSlot == nil || !c.Status.Occupies() {
			continue
		}
		if c.SelectedTimeSlot.Equal(s) {
			return c.ClaimantID, true
		}
	}
	return "", false
}

// Partition classifies every calendar slot, keeping calendar order in both halves.
func Partition(cal models.AvailabilityCalendar, approved []models.ClaimedItem, now time.Time) ([]models.TimeSlot, []Unavailable) {
	available := make([]models.TimeSlot, 0, len(cal.TimeSlots))
	var unavailable []Unavailable

	for _, s := range cal.TimeSlots {
		c := Classify(s, approved, now)
		if c.State == StateAvailable {
			available = append(available, s)
			continue
		}
		unavailable = append(unavailable, Unavailable{Slot: s, Reason: c.State, By: c.By})
	}

	return available, unavailable
}

// AvailableSlots returns only the claimable slots of a calendar.
func AvailableSlots(cal models.AvailabilityCalendar, approved []models.ClaimedItem, now time.Time) []models.TimeSlot {
	available, _ := Partition(cal, approved, now)
	return available
}

// ValidateSelection checks a chosen slot against the calendar and current bookings.
// An unknown slot is rejected before booking or expiry is judged.
func ValidateSelection(cal models.AvailabilityCalendar, selected models.TimeSlot, approved []models.ClaimedItem, now time.Time) error {
	if !cal.Contains(selected) {
		return ErrNotInCalendar
	}

	switch Classify(selected, approved, now).State {
	case StateBooked:
		return ErrAlreadyBooked
	case StatePast:
		return ErrExpired
	}
	return nil
}

// Detector binds the classification functions to a clock.
type Detector struct {
	now func() time.Time
}

// NewDetector creates a detector using the wall clock.
func NewDetector() *Detector {
	return &Detector{now: time.Now}
}

// NewDetectorWithClock creates a detector with a custom clock.
func NewDetectorWithClock(now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{now: now}
}

// Now returns the detector's current time.
func (d *Detector) Now() time.Time {
	return d.now()
}

// Classify classifies a slot at the detector's current time.
func (d *Detector) Classify(s models.TimeSlot, approved []models.ClaimedItem) Classification {
	return Classify(s, approved, d.now())
}

// Partition partitions a calendar at the detector's current time.
func (d *Detector) Partition(cal models.AvailabilityCalendar, approved []models.ClaimedItem) ([]models.TimeSlot, []Unavailable) {
	return Partition(cal, approved, d.now())
}

// ValidateSelection validates a selection at the detector's current time.
func (d *Detector) ValidateSelection(cal models.AvailabilityCalendar, selected models.TimeSlot, approved []models.ClaimedItem) error {
	return ValidateSelection(cal, selected, approved, d.now())
}

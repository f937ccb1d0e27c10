package models

import (
	"time"
)

// ResourceKind identifies what sort of offer a resource is.
type ResourceKind string

// Resource kinds
const (
	KindSwap          ResourceKind = "swap"
	KindFreecycle     ResourceKind = "freecycle"
	KindVolunteerSlot ResourceKind = "volunteer_slot"
)

// Valid returns true for known resource kinds.
func (k ResourceKind) Valid() bool {
	switch k {
	case KindSwap, KindFreecycle, KindVolunteerSlot:
		return true
	}
	return false
}

// Resource is a limited-availability offer that users can claim.
type Resource struct {
	ID           string               `json:"id"`
	OwnerID      string               `json:"owner_id"`
	Kind         ResourceKind         `json:"kind"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Location     string               `json:"location"`
	Latitude     *float64             `json:"latitude,omitempty"`
	Longitude    *float64             `json:"longitude,omitempty"`
	Calendar     AvailabilityCalendar `json:"calendar"`
	PledgedSlots int                  `json:"pledged_slots"`
	MaxSlots     int                  `json:"max_slots"` // 0 means unlimited
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// HasCalendar returns true if claimants must pick a slot.
func (r *Resource) HasCalendar() bool {
	return !r.Calendar.IsEmpty()
}

// IsFull returns true if a volunteer resource has no capacity left.
func (r *Resource) IsFull() bool {
	return r.MaxSlots > 0 && r.PledgedSlots >= r.MaxSlots
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	out := r
	out.Calendar = r.Calendar.Clone()
	if r.Latitude != nil {
		lat := *r.Latitude
		out.Latitude = &lat
	}
	if r.Longitude != nil {
		lng := *r.Longitude
		out.Longitude = &lng
	}
	return out
}

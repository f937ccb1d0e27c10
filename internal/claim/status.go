// Package claim implements the claimed-item status lifecycle.
package claim

import (
	"errors"
	"fmt"
	"time"

	"github.com/slot-claims/backend/internal/storage/models"
)

var (
	// ErrUnknownStatus is returned for status strings outside the lifecycle.
	ErrUnknownStatus = errors.New("unknown claim status")

	// ErrInvalidTransition is returned by a strict machine for forbidden moves.
	ErrInvalidTransition = errors.New("invalid claim status transition")
)

// InitialStatus returns the status a new claim starts in.
// Volunteer slots are committed synchronously and start approved.
func InitialStatus(kind models.ResourceKind) models.ClaimStatus {
	if kind == models.KindVolunteerSlot {
		return models.ClaimStatusApproved
	}
	return models.ClaimStatusPendingApproval
}

// transitions lists the moves a strict machine allows.
var transitions = map[models.ClaimStatus][]models.ClaimStatus{
	models.ClaimStatusPendingApproval: {
		models.ClaimStatusApproved,
		models.ClaimStatusRejected,
		models.ClaimStatusCancelled,
	},
	models.ClaimStatusApproved: {
		models.ClaimStatusInProgress,
		models.ClaimStatusCompleted,
		models.ClaimStatusCancelled,
	},
	models.ClaimStatusInProgress: {
		models.ClaimStatusCompleted,
		models.ClaimStatusCancelled,
	},
}

// Machine applies status transitions to claimed items.
//
// A permissive machine (Strict == false) accepts any known status after any
// other. A strict machine only allows the moves in the transition table, which
// keeps terminal statuses terminal.
type Machine struct {
	Strict bool
}

// CanTransition reports whether from -> to is allowed by this machine.
// Re-applying the current status is always allowed.
func (m Machine) CanTransition(from, to models.ClaimStatus) bool {
	if !to.Valid() {
		return false
	}
	if !m.Strict || from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply returns a copy of item moved to status. Entering completed stamps
// CompletedAt with now; every other transition leaves it untouched.
func (m Machine) Apply(item models.ClaimedItem, status models.ClaimStatus, now time.Time) (models.ClaimedItem, error) {
	if !status.Valid() {
		return item, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	if !m.CanTransition(item.Status, status) {
		return item, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, status)
	}

	out := item.Clone()
	out.Status = status
	if status == models.ClaimStatusCompleted {
		stamped := now.UTC()
		out.CompletedAt = &stamped
	}
	return out, nil
}

package models

import (
	"time"
)

// ClaimStatus is the lifecycle state of a claimed item.
type ClaimStatus string

// Claim status constants
const (
	ClaimStatusPendingApproval ClaimStatus = "pending_approval" // Awaiting owner review
	ClaimStatusApproved        ClaimStatus = "approved"         // Owner accepted, or volunteer slot committed
	ClaimStatusRejected        ClaimStatus = "rejected"         // Owner declined
	ClaimStatusInProgress      ClaimStatus = "in_progress"      // Post-approval work started
	ClaimStatusCompleted       ClaimStatus = "completed"        // Done; CompletedAt is set
	ClaimStatusCancelled       ClaimStatus = "cancelled"        // Withdrawn by either party
)

// AllClaimStatuses lists every known status.
var AllClaimStatuses = []ClaimStatus{
	ClaimStatusPendingApproval,
	ClaimStatusApproved,
	ClaimStatusRejected,
	ClaimStatusInProgress,
	ClaimStatusCompleted,
	ClaimStatusCancelled,
}

// Valid returns true for known statuses.
func (s ClaimStatus) Valid() bool {
	for _, known := range AllClaimStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true for statuses no claim leaves in normal operation.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimStatusRejected || s == ClaimStatusCompleted || s == ClaimStatusCancelled
}

// Occupies returns true if a claim in this status holds its slot.
func (s ClaimStatus) Occupies() bool {
	return s == ClaimStatusApproved || s == ClaimStatusInProgress || s == ClaimStatusCompleted
}

// ClaimedItem is one user's reservation of a resource.
type ClaimedItem struct {
	ID                  string       `json:"id"`
	ResourceID          string       `json:"resource_id"`
	ClaimantID          string       `json:"claimant_id"`
	ResourceKind        ResourceKind `json:"resource_kind"`
	ResourceTitle       string       `json:"resource_title"`
	ResourceDescription string       `json:"resource_description"`
	ResourceLocation    string       `json:"resource_location"`
	ResourceOwnerID     string       `json:"resource_owner_id"`
	Status              ClaimStatus  `json:"status"`
	ClaimedAt           time.Time    `json:"claimed_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	SelectedTimeSlot    *TimeSlot    `json:"selected_time_slot,omitempty"`
}

// Clone returns a deep copy of the claimed item.
func (c ClaimedItem) Clone() ClaimedItem {
	out := c
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.SelectedTimeSlot != nil {
		s := *c.SelectedTimeSlot
		out.SelectedTimeSlot = &s
	}
	return out
}

// SnapshotResource copies the resource fields recorded at claim time.
func (c *ClaimedItem) SnapshotResource(r *Resource) {
	c.ResourceID = r.ID
	c.ResourceKind = r.Kind
	c.ResourceTitle = r.Title
	c.ResourceDescription = r.Description
	c.ResourceLocation = r.Location
	c.ResourceOwnerID = r.OwnerID
}

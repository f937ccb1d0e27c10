package engine

import (
	"context"

	"github.com/slot-claims/backend/internal/storage/models"
)

// CommitRequest carries what a backend needs to durably accept a claim.
type CommitRequest struct {
	ResourceID       string
	ClaimantID       string
	SelectedTimeSlot *models.TimeSlot
}

// Backend is the authoritative claims ledger. The engine trusts its answers
// as ground truth and never re-validates them.
//
// Commit methods return ErrBackendConflict (possibly wrapped) when the claim
// lost a race. UpdateClaimStatus returns ErrNotFound for unknown claim IDs.
type Backend interface {
	// CommitVolunteerClaim is synchronous and returns an approved claim.
	CommitVolunteerClaim(ctx context.Context, req CommitRequest) (*models.ClaimedItem, error)

	// CommitSwapOrFreecycleClaim returns a claim pending owner review.
	CommitSwapOrFreecycleClaim(ctx context.Context, req CommitRequest) (*models.ClaimedItem, error)

	// UpdateClaimStatus transitions a claim and returns its new state.
	UpdateClaimStatus(ctx context.Context, claimID string, status models.ClaimStatus) (*models.ClaimedItem, error)

	// FetchApprovedClaims returns the claims currently holding slots of a resource.
	FetchApprovedClaims(ctx context.Context, resourceID string) ([]models.ClaimedItem, error)

	// FetchResourceListings returns every offered resource.
	FetchResourceListings(ctx context.Context) ([]models.Resource, error)

	// FetchClaimsList returns a claimant's claims, newest first.
	FetchClaimsList(ctx context.Context, claimantID string) ([]models.ClaimedItem, error)
}

// Invalidator marks read-views that depend on a resource or claimant stale.
type Invalidator interface {
	InvalidateClaim(resourceID, claimantID string)
}

// Notifier is told about settled transactions, typically to push events to
// connected clients.
type Notifier interface {
	ClaimCommitted(item models.ClaimedItem)
	ClaimRolledBack(resourceID, claimantID string, err *ClaimError)
	ClaimStatusChanged(item models.ClaimedItem, previous models.ClaimStatus)
}

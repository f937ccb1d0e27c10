package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/slot-claims/backend/internal/engine"
	"github.com/slot-claims/backend/internal/storage/models"
)

// Ledger is the authoritative claim backend. Every commit runs in one SQL
// transaction and the partial unique indexes on claims arbitrate races.
type Ledger struct {
	db        *DB
	resources *ResourceRepository
	claims    *ClaimRepository
	now       func() time.Time
}

// NewLedger creates a ledger over an open, migrated database.
func NewLedger(db *DB) *Ledger {
	return &Ledger{
		db:        db,
		resources: NewResourceRepository(db),
		claims:    NewClaimRepository(db),
		now:       time.Now,
	}
}

// Resources returns the resource repository.
func (l *Ledger) Resources() *ResourceRepository {
	return l.resources
}

// Claims returns the claim repository.
func (l *Ledger) Claims() *ClaimRepository {
	return l.claims
}

var _ engine.Backend = (*Ledger)(nil)

// CommitVolunteerClaim records an approved claim on a volunteer slot and
// bumps the resource's pledged counter.
func (l *Ledger) CommitVolunteerClaim(ctx context.Context, req engine.CommitRequest) (*models.ClaimedItem, error) {
	return l.commit(ctx, req, models.ClaimStatusApproved)
}

// CommitSwapOrFreecycleClaim records a claim awaiting the owner's approval.
func (l *Ledger) CommitSwapOrFreecycleClaim(ctx context.Context, req engine.CommitRequest) (*models.ClaimedItem, error) {
	return l.commit(ctx, req, models.ClaimStatusPendingApproval)
}

func (l *Ledger) commit(ctx context.Context, req engine.CommitRequest, status models.ClaimStatus) (*models.ClaimedItem, error) {
	var out *models.ClaimedItem

	err := l.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := l.resources.get(ctx, tx, req.ResourceID)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("resource %s: %w", req.ResourceID, engine.ErrNotFound)
		}

		if err := l.checkSlot(res, req.SelectedTimeSlot); err != nil {
			return err
		}
		if status.Occupies() && res.IsFull() {
			return fmt.Errorf("resource %s has no free slots: %w", res.ID, engine.ErrBackendConflict)
		}

		item := &models.ClaimedItem{
			ResourceID: res.ID,
			ClaimantID: req.ClaimantID,
			Status:     status,
		}
		item.SnapshotResource(res)
		if req.SelectedTimeSlot != nil {
			s := *req.SelectedTimeSlot
			item.SelectedTimeSlot = &s
		}

		if err := l.claims.create(ctx, tx, item); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%v: %w", err, engine.ErrBackendConflict)
			}
			return err
		}

		if status.Occupies() && res.Kind == models.KindVolunteerSlot {
			if err := l.resources.adjustPledged(ctx, tx, res.ID, 1); err != nil {
				return err
			}
		}

		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkSlot re-validates the selection against the stored calendar. The
// engine validates first, but the ledger is the final authority.
func (l *Ledger) checkSlot(res *models.Resource, selected *models.TimeSlot) error {
	if !res.HasCalendar() {
		return nil
	}
	if selected == nil {
		return engine.ErrSlotRequired
	}
	if !res.Calendar.Contains(*selected) {
		return engine.ErrSlotNotInCalendar
	}
	if selected.IsPast(l.now()) {
		return engine.ErrSlotExpired
	}
	return nil
}

// UpdateClaimStatus moves a claim to a new status. Entering an occupying
// status re-checks the slot and capacity; the pledged counter of volunteer
// resources follows occupancy.
func (l *Ledger) UpdateClaimStatus(ctx context.Context, claimID string, status models.ClaimStatus) (*models.ClaimedItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", engine.ErrInvalidStatus, status)
	}

	var out *models.ClaimedItem

	err := l.db.Transaction(ctx, func(tx *sql.Tx) error {
		item, err := l.claims.get(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("claim %s: %w", claimID, engine.ErrNotFound)
		}

		wasOccupying := item.Status.Occupies()
		item.Status = status
		if status == models.ClaimStatusCompleted {
			now := l.now().UTC()
			item.CompletedAt = &now
		}

		delta := 0
		switch {
		case status.Occupies() && !wasOccupying:
			delta = 1
		case !status.Occupies() && wasOccupying:
			delta = -1
		}

		if delta > 0 {
			res, err := l.resources.get(ctx, tx, item.ResourceID)
			if err != nil {
				return err
			}
			if res != nil && res.Kind == models.KindVolunteerSlot && res.IsFull() {
				return fmt.Errorf("resource %s has no free slots: %w", res.ID, engine.ErrBackendConflict)
			}
		}

		if err := l.claims.updateStatus(ctx, tx, item); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%v: %w", err, engine.ErrBackendConflict)
			}
			return err
		}

		if delta != 0 && item.ResourceKind == models.KindVolunteerSlot {
			if err := l.resources.adjustPledged(ctx, tx, item.ResourceID, delta); err != nil {
				return err
			}
		}

		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchApprovedClaims returns the claims holding slots of a resource.
func (l *Ledger) FetchApprovedClaims(ctx context.Context, resourceID string) ([]models.ClaimedItem, error) {
	return l.claims.ListOccupying(ctx, resourceID)
}

// FetchResourceListings returns every resource, newest first.
func (l *Ledger) FetchResourceListings(ctx context.Context) ([]models.Resource, error) {
	return l.resources.List(ctx)
}

// FetchClaimsList returns a claimant's claims, most recent first.
func (l *Ledger) FetchClaimsList(ctx context.Context, claimantID string) ([]models.ClaimedItem, error) {
	return l.claims.ListByClaimant(ctx, claimantID)
}

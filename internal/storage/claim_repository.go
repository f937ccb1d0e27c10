package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slot-claims/backend/internal/storage/models"
)

// ClaimRepository provides data access for claims.
type ClaimRepository struct {
	BaseRepository
}

// NewClaimRepository creates a new claim repository.
func NewClaimRepository(db *DB) *ClaimRepository {
	return &ClaimRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const claimColumns = `id, resource_id, claimant_id, status, slot_start, slot_end,
	resource_kind, resource_title, resource_description, resource_location, resource_owner_id,
	claimed_at, completed_at`

const slotLayout = time.RFC3339Nano

// create inserts a claim. The caller sets status and the resource snapshot.
func (r *ClaimRepository) create(ctx context.Context, tx *sql.Tx, item *models.ClaimedItem) error {
	item.ID = GenerateID()
	item.ClaimedAt = r.Now()

	var start, end, key sql.NullString
	if s := item.SelectedTimeSlot; s != nil {
		start = sql.NullString{String: s.Start.UTC().Format(slotLayout), Valid: true}
		end = sql.NullString{String: s.End.UTC().Format(slotLayout), Valid: true}
		key = sql.NullString{String: s.Key(), Valid: true}
	}

	_, err := r.q(tx).ExecContext(ctx, `
		INSERT INTO claims (
			id, resource_id, claimant_id, status, slot_start, slot_end, slot_key,
			resource_kind, resource_title, resource_description, resource_location, resource_owner_id,
			claimed_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.ResourceID, item.ClaimantID, item.Status, start, end, key,
		item.ResourceKind, item.ResourceTitle, item.ResourceDescription, item.ResourceLocation, item.ResourceOwnerID,
		item.ClaimedAt, item.CompletedAt, item.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting claim: %w", err)
	}
	return nil
}

// GetByID retrieves a claim by its ID. It returns nil when none exists.
func (r *ClaimRepository) GetByID(ctx context.Context, id string) (*models.ClaimedItem, error) {
	return r.get(ctx, nil, id)
}

func (r *ClaimRepository) get(ctx context.Context, tx *sql.Tx, id string) (*models.ClaimedItem, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)

	item, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying claim: %w", err)
	}
	return item, nil
}

// ListByClaimant retrieves a claimant's claims, most recent first.
func (r *ClaimRepository) ListByClaimant(ctx context.Context, claimantID string) ([]models.ClaimedItem, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE claimant_id = ?
		ORDER BY claimed_at DESC, id
	`, claimantID)
	if err != nil {
		return nil, fmt.Errorf("querying claims: %w", err)
	}
	defer rows.Close()

	return scanClaims(rows)
}

// ListOccupying retrieves the claims of a resource that hold their slot.
func (r *ClaimRepository) ListOccupying(ctx context.Context, resourceID string) ([]models.ClaimedItem, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE resource_id = ? AND status IN (?, ?, ?)
		ORDER BY slot_start, claimed_at
	`, resourceID, models.ClaimStatusApproved, models.ClaimStatusInProgress, models.ClaimStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("querying occupying claims: %w", err)
	}
	defer rows.Close()

	return scanClaims(rows)
}

// updateStatus writes a new status and completion stamp.
func (r *ClaimRepository) updateStatus(ctx context.Context, tx *sql.Tx, item *models.ClaimedItem) error {
	_, err := r.q(tx).ExecContext(ctx, `
		UPDATE claims SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, item.Status, item.CompletedAt, r.Now(), item.ID)
	if err != nil {
		return fmt.Errorf("updating claim status: %w", err)
	}
	return nil
}

func scanClaims(rows *sql.Rows) ([]models.ClaimedItem, error) {
	items := []models.ClaimedItem{}
	for rows.Next() {
		item, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claim: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanClaim(s rowScanner) (*models.ClaimedItem, error) {
	var (
		item       models.ClaimedItem
		start, end sql.NullString
		completed  sql.NullTime
	)
	if err := s.Scan(
		&item.ID, &item.ResourceID, &item.ClaimantID, &item.Status, &start, &end,
		&item.ResourceKind, &item.ResourceTitle, &item.ResourceDescription, &item.ResourceLocation, &item.ResourceOwnerID,
		&item.ClaimedAt, &completed,
	); err != nil {
		return nil, err
	}

	if completed.Valid {
		t := completed.Time.UTC()
		item.CompletedAt = &t
	}
	item.ClaimedAt = item.ClaimedAt.UTC()

	if start.Valid && end.Valid {
		s, err := parseSlot(start.String, end.String)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", item.ID, err)
		}
		item.SelectedTimeSlot = &s
	}
	return &item, nil
}

func parseSlot(start, end string) (models.TimeSlot, error) {
	s, err := time.Parse(slotLayout, start)
	if err != nil {
		return models.TimeSlot{}, fmt.Errorf("parsing slot start: %w", err)
	}
	e, err := time.Parse(slotLayout, end)
	if err != nil {
		return models.TimeSlot{}, fmt.Errorf("parsing slot end: %w", err)
	}
	return models.NewTimeSlot(s, e)
}

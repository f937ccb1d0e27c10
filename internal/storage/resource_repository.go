package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slot-claims/backend/internal/storage/models"
)

// ResourceRepository provides data access for offered resources.
type ResourceRepository struct {
	BaseRepository
}

// NewResourceRepository creates a new resource repository.
func NewResourceRepository(db *DB) *ResourceRepository {
	return &ResourceRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const resourceColumns = `id, owner_id, kind, title, description, location, latitude, longitude,
	calendar, pledged_slots, max_slots, created_at, updated_at`

// Create inserts a new resource. Pledged slots always start at zero.
func (r *ResourceRepository) Create(ctx context.Context, res *models.Resource) error {
	calendar, err := json.Marshal(res.Calendar)
	if err != nil {
		return fmt.Errorf("encoding calendar: %w", err)
	}

	res.ID = GenerateID()
	res.PledgedSlots = 0
	res.CreatedAt = r.Now()
	res.UpdatedAt = res.CreatedAt

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO resources (`+resourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.ID, res.OwnerID, res.Kind, res.Title, res.Description, res.Location,
		res.Latitude, res.Longitude, string(calendar), res.PledgedSlots, res.MaxSlots,
		res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting resource: %w", err)
	}

	return nil
}

// Update changes the owner-editable fields of a resource. The pledged
// counter is owned by the claim ledger and is never written here.
func (r *ResourceRepository) Update(ctx context.Context, res *models.Resource) error {
	calendar, err := json.Marshal(res.Calendar)
	if err != nil {
		return fmt.Errorf("encoding calendar: %w", err)
	}

	res.UpdatedAt = r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE resources SET
			title = ?, description = ?, location = ?, latitude = ?, longitude = ?,
			calendar = ?, max_slots = ?, updated_at = ?
		WHERE id = ?
	`,
		res.Title, res.Description, res.Location, res.Latitude, res.Longitude,
		string(calendar), res.MaxSlots, res.UpdatedAt, res.ID,
	)
	if err != nil {
		return fmt.Errorf("updating resource: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetByID retrieves a resource by its ID. It returns nil when none exists.
func (r *ResourceRepository) GetByID(ctx context.Context, id string) (*models.Resource, error) {
	return r.get(ctx, nil, id)
}

func (r *ResourceRepository) get(ctx context.Context, tx *sql.Tx, id string) (*models.Resource, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)

	res, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying resource: %w", err)
	}
	return res, nil
}

// List retrieves all resources, newest first.
func (r *ResourceRepository) List(ctx context.Context) ([]models.Resource, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+resourceColumns+`
		FROM resources
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer rows.Close()

	resources := []models.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning resource: %w", err)
		}
		resources = append(resources, *res)
	}

	return resources, rows.Err()
}

// adjustPledged moves the pledged counter of a resource by delta.
func (r *ResourceRepository) adjustPledged(ctx context.Context, tx *sql.Tx, id string, delta int) error {
	_, err := r.q(tx).ExecContext(ctx, `
		UPDATE resources SET pledged_slots = MAX(pledged_slots + ?, 0), updated_at = ?
		WHERE id = ?
	`, delta, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating pledged slots: %w", err)
	}
	return nil
}

func scanResource(s rowScanner) (*models.Resource, error) {
	var (
		res      models.Resource
		lat, lng sql.NullFloat64
		calendar string
	)
	if err := s.Scan(
		&res.ID, &res.OwnerID, &res.Kind, &res.Title, &res.Description, &res.Location,
		&lat, &lng, &calendar, &res.PledgedSlots, &res.MaxSlots,
		&res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lat.Valid {
		res.Latitude = &lat.Float64
	}
	if lng.Valid {
		res.Longitude = &lng.Float64
	}
	if calendar != "" {
		if err := json.Unmarshal([]byte(calendar), &res.Calendar); err != nil {
			return nil, fmt.Errorf("decoding calendar of %s: %w", res.ID, err)
		}
	}
	return &res, nil
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/slot-claims/backend/internal/engine"
	"github.com/slot-claims/backend/internal/propagate"
	"github.com/slot-claims/backend/internal/slot"
	"github.com/slot-claims/backend/internal/storage/models"
)

// ResourceStore persists offered resources.
type ResourceStore interface {
	Create(ctx context.Context, res *models.Resource) error
	Update(ctx context.Context, res *models.Resource) error
	GetByID(ctx context.Context, id string) (*models.Resource, error)
}

// ClaimStore looks up persisted claims.
type ClaimStore interface {
	GetByID(ctx context.Context, id string) (*models.ClaimedItem, error)
}

// ViewSource serves propagated read-views.
type ViewSource interface {
	Get(ctx context.Context, key string) (*propagate.View, error)
	InvalidateListings()
}

// Claimer runs claim transactions.
type Claimer interface {
	Claim(ctx context.Context, in engine.Intent) (*engine.Outcome, error)
	UpdateStatus(ctx context.Context, claimID string, status models.ClaimStatus) (*models.ClaimedItem, error)
	Views() engine.Views
	Detector() *slot.Detector
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/slot-claims/backend/internal/api/middleware"
	"github.com/slot-claims/backend/internal/engine"
	"github.com/slot-claims/backend/internal/propagate"
	"github.com/slot-claims/backend/internal/storage/models"
)

// CreateClaimRequest is the body of POST /api/resources/{id}/claims.
type CreateClaimRequest struct {
	SelectedTimeSlot *models.TimeSlot `json:"selected_time_slot"`
}

// UpdateClaimRequest is the body of PATCH /api/claims/{id}.
type UpdateClaimRequest struct {
	Status models.ClaimStatus `json:"status"`
}

// ClaimsResponse is the body of GET /api/claims.
type ClaimsResponse struct {
	Claims    []engine.ClaimEntry `json:"claims"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// CreateClaim runs a claim transaction for the calling claimant.
func CreateClaim(store ResourceStore, views ViewSource, claimer Claimer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claimant := middleware.ClaimantID(ctx)

		res, ok := loadResource(w, r, store)
		if !ok {
			return
		}

		var req CreateClaimRequest
		// Swap and freecycle claims may be posted without a body.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.SelectedTimeSlot != nil {
			if err := req.SelectedTimeSlot.Validate(); err != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
				return
			}
		}

		intent := engine.Intent{
			Resource:     *res,
			ClaimantID:   claimant,
			SelectedSlot: req.SelectedTimeSlot,
		}
		if res.HasCalendar() {
			// A failed fetch leaves ApprovedAsOf zero and the engine refetches.
			if booking, err := views.Get(ctx, propagate.BookingKey(res.ID)); err == nil {
				intent.Approved = booking.Claims
				intent.ApprovedAsOf = booking.FetchedAt
			} else {
				slog.WarnContext(ctx, "booking view unavailable", "resource_id", res.ID, "error", err)
			}
		}

		out, err := claimer.Claim(ctx, intent)
		if err != nil {
			middleware.WriteClaimError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

// ListClaims returns the caller's claims view, including claims still being
// committed.
func ListClaims(views ViewSource, claimer Claimer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claimant := middleware.ClaimantID(ctx)

		view, err := views.Get(ctx, propagate.ClaimsKey(claimant))
		if err != nil {
			slog.ErrorContext(ctx, "refreshing claims view", "claimant_id", claimant, "error", err)
			middleware.WriteError(w, http.StatusServiceUnavailable, "backend_unavailable", "Claims are unavailable")
			return
		}

		entries := claimer.Views().Claims(claimant)
		if entries == nil {
			entries = []engine.ClaimEntry{}
		}
		writeJSON(w, http.StatusOK, ClaimsResponse{Claims: entries, FetchedAt: view.FetchedAt})
	}
}

// UpdateClaim moves a claim to a new status. The claimant and the owner of
// the claimed resource may do so.
func UpdateClaim(claims ClaimStore, claimer Claimer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]

		var req UpdateClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}

		item, err := claims.GetByID(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "loading claim", "claim_id", id, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load claim")
			return
		}
		if item == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Claim not found")
			return
		}

		actor := middleware.ClaimantID(ctx)
		if actor != item.ClaimantID && actor != item.ResourceOwnerID {
			middleware.WriteError(w, http.StatusForbidden, middleware.ErrForbidden, "Only the claimant or the resource owner can update this claim")
			return
		}

		updated, err := claimer.UpdateStatus(ctx, id, req.Status)
		if err != nil {
			middleware.WriteClaimError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

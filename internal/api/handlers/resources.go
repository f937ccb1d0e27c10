package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/slot-claims/backend/internal/api/middleware"
	"github.com/slot-claims/backend/internal/propagate"
	"github.com/slot-claims/backend/internal/slot"
	"github.com/slot-claims/backend/internal/storage/models"
)

// ListingsResponse is the body of GET /api/resources.
type ListingsResponse struct {
	Resources []models.Resource `json:"resources"`
	FetchedAt time.Time         `json:"fetched_at"`
	Degraded  bool              `json:"degraded,omitempty"`
}

// AvailabilityResponse is the body of GET /api/resources/{id}/availability.
type AvailabilityResponse struct {
	ResourceID  string            `json:"resource_id"`
	Available   []models.TimeSlot `json:"available"`
	Unavailable []UnavailableSlot `json:"unavailable"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// UnavailableSlot is a calendar slot that cannot be selected.
type UnavailableSlot struct {
	Slot   models.TimeSlot `json:"slot"`
	Reason slot.State      `json:"reason"`
}

type resourceRequest struct {
	Kind        models.ResourceKind         `json:"kind"`
	Title       string                      `json:"title"`
	Description string                      `json:"description"`
	Location    string                      `json:"location"`
	Latitude    *float64                    `json:"latitude"`
	Longitude   *float64                    `json:"longitude"`
	Calendar    models.AvailabilityCalendar `json:"calendar"`
	MaxSlots    int                         `json:"max_slots"`
}

func (req resourceRequest) validate() error {
	if req.Title == "" {
		return errors.New("title is required")
	}
	if req.MaxSlots < 0 {
		return errors.New("max_slots must not be negative")
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return errors.New("latitude and longitude must be given together")
	}
	if req.Latitude != nil && (*req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180) {
		return errors.New("coordinates out of range")
	}
	for i, s := range req.Calendar.TimeSlots {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("calendar slot %d: %w", i, err)
		}
	}
	return nil
}

// ListResources returns resource listings, optionally within a radius.
func ListResources(views ViewSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := propagate.ListingsKey()

		q := r.URL.Query()
		if q.Has("lat") || q.Has("lng") || q.Has("radius_km") {
			lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
			lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
			radius, errRadius := strconv.ParseFloat(q.Get("radius_km"), 64)
			if errLat != nil || errLng != nil || errRadius != nil || !validArea(lat, lng, radius) {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "lat, lng and a positive radius_km are required together")
				return
			}
			key = propagate.GeoKey(lat, lng, radius)
		}

		view, err := views.Get(r.Context(), key)
		if err != nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, "backend_unavailable", "Listings are unavailable")
			return
		}

		resources := view.Resources
		if resources == nil {
			resources = []models.Resource{}
		}
		writeJSON(w, http.StatusOK, ListingsResponse{
			Resources: resources,
			FetchedAt: view.FetchedAt,
			Degraded:  view.Degraded,
		})
	}
}

// validArea reports whether a geo query names a real point and a finite
// positive radius.
func validArea(lat, lng, radius float64) bool {
	for _, f := range []float64{lat, lng, radius} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 && radius > 0
}

// CreateResource offers a new resource owned by the caller.
func CreateResource(store ResourceStore, views ViewSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if !req.Kind.Valid() {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "kind must be swap, freecycle or volunteer_slot")
			return
		}
		if err := req.validate(); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		res := &models.Resource{
			OwnerID:     middleware.ClaimantID(r.Context()),
			Kind:        req.Kind,
			Title:       req.Title,
			Description: req.Description,
			Location:    req.Location,
			Latitude:    req.Latitude,
			Longitude:   req.Longitude,
			Calendar:    req.Calendar,
			MaxSlots:    req.MaxSlots,
		}
		if err := store.Create(r.Context(), res); err != nil {
			slog.ErrorContext(r.Context(), "creating resource", "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create resource")
			return
		}

		views.InvalidateListings()
		writeJSON(w, http.StatusCreated, res)
	}
}

// GetResource returns one resource.
func GetResource(store ResourceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := loadResource(w, r, store)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// UpdateResource edits a resource. Only its owner may do so.
func UpdateResource(store ResourceStore, views ViewSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := loadResource(w, r, store)
		if !ok {
			return
		}
		if res.OwnerID != middleware.ClaimantID(r.Context()) {
			middleware.WriteError(w, http.StatusForbidden, middleware.ErrForbidden, "Only the owner can edit this resource")
			return
		}

		var req resourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.Kind != "" && req.Kind != res.Kind {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "kind cannot be changed")
			return
		}
		if err := req.validate(); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		res.Title = req.Title
		res.Description = req.Description
		res.Location = req.Location
		res.Latitude = req.Latitude
		res.Longitude = req.Longitude
		res.Calendar = req.Calendar
		res.MaxSlots = req.MaxSlots

		if err := store.Update(r.Context(), res); err != nil {
			slog.ErrorContext(r.Context(), "updating resource", "resource_id", res.ID, "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update resource")
			return
		}

		views.InvalidateListings()
		writeJSON(w, http.StatusOK, res)
	}
}

// GetAvailability partitions a resource's calendar into open and taken
// slots using the freshest booking view.
func GetAvailability(store ResourceStore, views ViewSource, detector *slot.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := loadResource(w, r, store)
		if !ok {
			return
		}

		booking, err := views.Get(r.Context(), propagate.BookingKey(res.ID))
		if err != nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, "backend_unavailable", "Availability is unavailable")
			return
		}

		available, unavailable := detector.Partition(res.Calendar, booking.Claims)
		resp := AvailabilityResponse{
			ResourceID:  res.ID,
			Available:   available,
			Unavailable: make([]UnavailableSlot, 0, len(unavailable)),
			FetchedAt:   booking.FetchedAt,
		}
		if resp.Available == nil {
			resp.Available = []models.TimeSlot{}
		}
		for _, u := range unavailable {
			resp.Unavailable = append(resp.Unavailable, UnavailableSlot{Slot: u.Slot, Reason: u.Reason})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func loadResource(w http.ResponseWriter, r *http.Request, store ResourceStore) (*models.Resource, bool) {
	id := mux.Vars(r)["id"]
	res, err := store.GetByID(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "loading resource", "resource_id", id, "error", err)
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load resource")
		return nil, false
	}
	if res == nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Resource not found")
		return nil, false
	}
	return res, true
}

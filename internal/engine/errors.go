package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/slot-claims/backend/internal/slot"
	"github.com/slot-claims/backend/internal/storage/models"
)

// Claim errors surfaced to callers. Every error returned by the coordinator
// matches exactly one of these with errors.Is, except caller cancellation.
var (
	ErrSlotRequired        = errors.New("a time slot must be selected for this resource")
	ErrSlotNotInCalendar   = errors.New("selected slot is not offered by this resource")
	ErrSlotExpired         = errors.New("selected slot has already started")
	ErrSlotAlreadyBooked   = errors.New("selected slot is already booked")
	ErrBackendUnavailable  = errors.New("claims backend unavailable")
	ErrNotFound            = errors.New("not found")
	ErrTransactionInFlight = errors.New("a claim for this resource is already in progress")
	ErrInvalidStatus       = errors.New("invalid claim status")
)

// ErrBackendConflict is returned by Backend implementations when a commit
// lost a race for the resource or slot.
var ErrBackendConflict = errors.New("backend rejected claim: conflict")

// ClaimError is the typed error returned by the coordinator.
type ClaimError struct {
	// Err is one of the Err* sentinels above.
	Err error

	// Alternatives holds the slots still available when Err is
	// ErrSlotAlreadyBooked and the conflict was slot-specific.
	Alternatives []models.TimeSlot

	// Cause is the underlying backend or validation error, if any.
	Cause error
}

func (e *ClaimError) Error() string {
	if e.Cause == nil || e.Cause == e.Err {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Cause.Error()
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *ClaimError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Code returns a stable snake_case identifier for API responses.
func (e *ClaimError) Code() string {
	return Code(e.Err)
}

// Code maps a sentinel to its API error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSlotRequired):
		return "slot_required"
	case errors.Is(err, ErrSlotNotInCalendar):
		return "slot_not_in_calendar"
	case errors.Is(err, ErrSlotExpired):
		return "slot_expired"
	case errors.Is(err, ErrSlotAlreadyBooked):
		return "slot_already_booked"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransactionInFlight):
		return "transaction_in_flight"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrInvalidIntent):
		return "bad_request"
	default:
		return "backend_unavailable"
	}
}

// fromSelection converts a conflict detector verdict into the taxonomy.
func fromSelection(err error) *ClaimError {
	switch {
	case errors.Is(err, slot.ErrNotInCalendar):
		return &ClaimError{Err: ErrSlotNotInCalendar}
	case errors.Is(err, slot.ErrAlreadyBooked):
		return &ClaimError{Err: ErrSlotAlreadyBooked}
	case errors.Is(err, slot.ErrExpired):
		return &ClaimError{Err: ErrSlotExpired}
	}
	return &ClaimError{Err: ErrBackendUnavailable, Cause: err}
}

// normalize maps a backend error onto the taxonomy so callers never inspect
// backend-specific messages.
func normalize(err error) *ClaimError {
	var ce *ClaimError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, ErrBackendConflict),
		errors.Is(err, ErrSlotAlreadyBooked),
		errors.Is(err, slot.ErrAlreadyBooked):
		return &ClaimError{Err: ErrSlotAlreadyBooked, Cause: err}
	case errors.Is(err, ErrNotFound):
		return &ClaimError{Err: ErrNotFound, Cause: err}
	case errors.Is(err, ErrSlotExpired), errors.Is(err, slot.ErrExpired):
		return &ClaimError{Err: ErrSlotExpired, Cause: err}
	case errors.Is(err, ErrSlotNotInCalendar), errors.Is(err, slot.ErrNotInCalendar):
		return &ClaimError{Err: ErrSlotNotInCalendar, Cause: err}
	case errors.Is(err, ErrSlotRequired):
		return &ClaimError{Err: ErrSlotRequired, Cause: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &ClaimError{Err: ErrBackendUnavailable, Cause: err}
	case looksLikeConflict(err):
		return &ClaimError{Err: ErrSlotAlreadyBooked, Cause: err}
	}
	return &ClaimError{Err: ErrBackendUnavailable, Cause: err}
}

// looksLikeConflict catches backends that only report conflicts in text.
func looksLikeConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already booked") ||
		strings.Contains(msg, "already claimed") ||
		strings.Contains(msg, "conflict")
}

// ErrInvalidIntent is returned for malformed claim intents. It is a caller
// bug rather than a claim outcome, so it sits outside the claim taxonomy.
var ErrInvalidIntent = errors.New("invalid claim intent")

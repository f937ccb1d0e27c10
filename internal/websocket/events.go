package websocket

import (
	"log/slog"

	"github.com/slot-claims/backend/internal/engine"
	"github.com/slot-claims/backend/internal/propagate"
	"github.com/slot-claims/backend/internal/storage/models"
)

// EventBroadcaster turns engine and propagator callbacks into WebSocket
// events. Claim events reach subscribers of the claimant's claims view.
type EventBroadcaster struct {
	hub    *Hub
	logger *slog.Logger
}

var (
	_ engine.Notifier    = (*EventBroadcaster)(nil)
	_ propagate.Listener = (*EventBroadcaster)(nil)
)

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub, logger: hub.logger}
}

// ViewInvalidated tells subscribers of a view to refetch it.
func (b *EventBroadcaster) ViewInvalidated(view string) {
	b.publish(view, NewMessage(TypeViewInvalidated, ViewInvalidatedPayload{View: view}))
}

// ClaimCommitted announces a confirmed claim.
func (b *EventBroadcaster) ClaimCommitted(item models.ClaimedItem) {
	b.publish(propagate.ClaimsKey(item.ClaimantID), NewMessage(TypeClaimCommitted, ClaimPayload{Claim: item}))
}

// ClaimRolledBack announces a claim the backend refused.
func (b *EventBroadcaster) ClaimRolledBack(resourceID, claimantID string, err *engine.ClaimError) {
	payload := ClaimRolledBackPayload{
		ResourceID:   resourceID,
		ClaimantID:   claimantID,
		Error:        err.Code(),
		Message:      err.Err.Error(),
		Alternatives: err.Alternatives,
	}
	b.publish(propagate.ClaimsKey(claimantID), NewMessage(TypeClaimRolledBack, payload))
}

// ClaimStatusChanged announces a status transition.
func (b *EventBroadcaster) ClaimStatusChanged(item models.ClaimedItem, previous models.ClaimStatus) {
	payload := ClaimStatusPayload{
		ClaimID:        item.ID,
		ResourceID:     item.ResourceID,
		ClaimantID:     item.ClaimantID,
		PreviousStatus: previous,
		NewStatus:      item.Status,
	}
	b.publish(propagate.ClaimsKey(item.ClaimantID), NewMessage(TypeClaimStatusChanged, payload))
}

func (b *EventBroadcaster) publish(view string, msg Message) {
	data, err := msg.JSON()
	if err != nil {
		b.logger.Error("encoding websocket message", "type", msg.Type, "error", err)
		return
	}
	b.hub.Publish(view, data)
}

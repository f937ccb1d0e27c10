package websocket

import (
	"encoding/json"
	"time"

	"github.com/slot-claims/backend/internal/storage/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeViewInvalidated    MessageType = "view.invalidated"
	TypeClaimCommitted     MessageType = "claim.committed"
	TypeClaimRolledBack    MessageType = "claim.rolled_back"
	TypeClaimStatusChanged MessageType = "claim.status_changed"

	// Client -> Server command types
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"

	// Server -> Client response types
	TypeSubscribeAck MessageType = "subscribe.ack"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// Command is a message sent by a client.
type Command struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ViewInvalidatedPayload is the payload for view.invalidated events.
type ViewInvalidatedPayload struct {
	View string `json:"view"`
}

// ClaimPayload is the payload for claim.committed events.
type ClaimPayload struct {
	Claim models.ClaimedItem `json:"claim"`
}

// ClaimRolledBackPayload is the payload for claim.rolled_back events.
type ClaimRolledBackPayload struct {
	ResourceID   string            `json:"resource_id"`
	ClaimantID   string            `json:"claimant_id"`
	Error        string            `json:"error"`
	Message      string            `json:"message"`
	Alternatives []models.TimeSlot `json:"alternatives,omitempty"`
}

// ClaimStatusPayload is the payload for claim.status_changed events.
type ClaimStatusPayload struct {
	ClaimID        string             `json:"claim_id"`
	ResourceID     string             `json:"resource_id"`
	ClaimantID     string             `json:"claimant_id"`
	PreviousStatus models.ClaimStatus `json:"previous_status,omitempty"`
	NewStatus      models.ClaimStatus `json:"new_status"`
}

// SubscribePayload names the views a subscribe or unsubscribe command
// targets.
type SubscribePayload struct {
	Views []string `json:"views"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}

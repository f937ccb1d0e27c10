package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slot-claims/backend/internal/engine"
	"github.com/slot-claims/backend/internal/storage/models"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data, ok := <-c.Send():
		require.True(t, ok, "client channel closed")
		var raw struct {
			Type    MessageType     `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &raw))
		return Message{Type: raw.Type, Payload: raw.Payload}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishReachesSubscribersOnly(t *testing.T) {
	hub := startHub(t)
	alice := NewClient(hub, "alice")
	bob := NewClient(hub, "bob")
	hub.Register(alice)
	hub.Register(bob)

	require.True(t, alice.Subscribe("booking:r1"))
	require.False(t, alice.Subscribe("booking:r1"))

	b := NewEventBroadcaster(hub)
	b.ViewInvalidated("booking:r1")

	msg := receive(t, alice)
	assert.Equal(t, TypeViewInvalidated, msg.Type)
	assert.JSONEq(t, `{"view":"booking:r1"}`, string(msg.Payload.(json.RawMessage)))
	assertSilent(t, bob)

	hub.Broadcast([]byte(`{"type":"notification"}`))
	receive(t, alice)
	receive(t, bob)
}

func TestEventBroadcaster_ClaimEvents(t *testing.T) {
	hub := startHub(t)
	alice := NewClient(hub, "alice")
	hub.Register(alice)
	alice.Subscribe("claims:alice")

	b := NewEventBroadcaster(hub)
	slot := models.TimeSlot{Start: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}

	b.ClaimCommitted(models.ClaimedItem{ID: "c1", ClaimantID: "alice", Status: models.ClaimStatusApproved})
	assert.Equal(t, TypeClaimCommitted, receive(t, alice).Type)

	b.ClaimRolledBack("r1", "alice", &engine.ClaimError{Err: engine.ErrSlotAlreadyBooked, Alternatives: []models.TimeSlot{slot}})
	msg := receive(t, alice)
	assert.Equal(t, TypeClaimRolledBack, msg.Type)
	var rolled ClaimRolledBackPayload
	require.NoError(t, json.Unmarshal(msg.Payload.(json.RawMessage), &rolled))
	assert.Equal(t, "slot_already_booked", rolled.Error)
	require.Len(t, rolled.Alternatives, 1)
	assert.True(t, rolled.Alternatives[0].Equal(slot))

	b.ClaimStatusChanged(models.ClaimedItem{ID: "c1", ClaimantID: "alice", Status: models.ClaimStatusCompleted}, models.ClaimStatusApproved)
	msg = receive(t, alice)
	assert.Equal(t, TypeClaimStatusChanged, msg.Type)

	// Other claimants' events are not delivered.
	b.ClaimCommitted(models.ClaimedItem{ID: "c2", ClaimantID: "bob"})
	assertSilent(t, alice)
}

func TestHub_UnregisterClosesClient(t *testing.T) {
	hub := startHub(t)
	c := NewClient(hub, "")
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-c.Send()
	assert.False(t, ok)
	assert.False(t, c.Reply([]byte("late")))
}

func TestHub_StoppedHubDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	c := NewClient(hub, "alice")
	hub.Register(c)
	hub.Unregister(c)

	_, ok := <-c.Send()
	assert.False(t, ok, "late clients are closed")
}

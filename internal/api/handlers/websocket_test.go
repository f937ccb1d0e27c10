package handlers

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slot-claims/backend/internal/propagate"
	ws "github.com/slot-claims/backend/internal/websocket"
)

type fakeWatcher struct {
	mu   sync.Mutex
	refs map[string]int
	err  error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{refs: make(map[string]int)}
}

func (f *fakeWatcher) Watch(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.refs[key]++
	return nil
}

func (f *fakeWatcher) Unwatch(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[key]--
	if f.refs[key] <= 0 {
		delete(f.refs, key)
	}
}

func nextReply(t *testing.T, c *ws.Client) (ws.MessageType, json.RawMessage) {
	t.Helper()
	select {
	case data := <-c.Send():
		var msg struct {
			Type    ws.MessageType  `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg.Type, msg.Payload
	case <-time.After(time.Second):
		t.Fatal("no reply")
		return "", nil
	}
}

func command(typ ws.MessageType, views ...string) []byte {
	if len(views) == 0 {
		return []byte(fmt.Sprintf(`{"type":%q}`, typ))
	}
	payload, _ := json.Marshal(ws.SubscribePayload{Views: views})
	return []byte(fmt.Sprintf(`{"type":%q,"payload":%s}`, typ, payload))
}

func TestHandleClientMessage_Subscribe(t *testing.T) {
	client := ws.NewClient(ws.NewHub(nil), "alice")
	watcher := newFakeWatcher()

	own := propagate.ClaimsKey("alice")
	booking := propagate.BookingKey("res-1")
	handleClientMessage(command(ws.TypeSubscribe, own, booking), client, watcher)

	typ, payload := nextReply(t, client)
	require.Equal(t, ws.TypeSubscribeAck, typ)
	var ack ws.SubscribePayload
	require.NoError(t, json.Unmarshal(payload, &ack))
	assert.ElementsMatch(t, []string{own, booking}, ack.Views)
	assert.Equal(t, 1, watcher.refs[own])
	assert.Equal(t, 1, watcher.refs[booking])

	// Repeating a subscription does not take a second reference.
	handleClientMessage(command(ws.TypeSubscribe, booking), client, watcher)
	nextReply(t, client)
	assert.Equal(t, 1, watcher.refs[booking])

	handleClientMessage(command(ws.TypeUnsubscribe, booking), client, watcher)
	assert.False(t, client.Subscribed(booking))
	assert.NotContains(t, watcher.refs, booking)
}

func TestHandleClientMessage_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		code    string
	}{
		{"someone else's claims", command(ws.TypeSubscribe, propagate.ClaimsKey("bob")), "forbidden"},
		{"unknown view", command(ws.TypeSubscribe, "weather:today"), "validation_error"},
		{"no views", command(ws.TypeSubscribe), "validation_error"},
		{"malformed json", []byte("{"), "bad_request"},
		{"unknown command", command("dance"), "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := ws.NewClient(ws.NewHub(nil), "alice")
			watcher := newFakeWatcher()

			handleClientMessage(tt.message, client, watcher)

			typ, payload := nextReply(t, client)
			require.Equal(t, ws.TypeError, typ)
			var e ws.ErrorPayload
			require.NoError(t, json.Unmarshal(payload, &e))
			assert.Equal(t, tt.code, e.Code)
			assert.Empty(t, watcher.refs)
			assert.Empty(t, client.Views())
		})
	}
}

func TestHandleClientMessage_Ping(t *testing.T) {
	client := ws.NewClient(ws.NewHub(nil), "")
	handleClientMessage(command(ws.TypePing), client, newFakeWatcher())

	typ, _ := nextReply(t, client)
	assert.Equal(t, ws.TypePong, typ)
}

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slot-claims/backend/internal/api/middleware"
	"github.com/slot-claims/backend/internal/propagate"
	ws "github.com/slot-claims/backend/internal/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 65536
)

// Watcher tracks active consumers of propagated views.
type Watcher interface {
	Watch(key string) error
	Unwatch(key string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketUpgrade returns a handler that upgrades HTTP connections to WebSocket.
func WebSocketUpgrade(hub *ws.Hub, watcher Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := ws.NewClient(hub, middleware.ClaimantID(r.Context()))
		hub.Register(client)

		go writePump(conn, client)
		go readPump(conn, client, hub, watcher)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func writePump(conn *websocket.Conn, client *ws.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps commands from the WebSocket connection. Views the client
// subscribed to are released when it goes away.
func readPump(conn *websocket.Conn, client *ws.Client, hub *ws.Hub, watcher Watcher) {
	defer func() {
		for _, view := range client.Views() {
			watcher.Unwatch(view)
		}
		hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "claimant_id", client.ClaimantID(), "error", err)
			}
			break
		}

		handleClientMessage(message, client, watcher)
	}
}

// handleClientMessage processes one client command.
func handleClientMessage(message []byte, client *ws.Client, watcher Watcher) {
	var cmd ws.Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		reply(client, ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: middleware.ErrBadRequest, Message: "malformed command"}))
		return
	}

	switch cmd.Type {
	case ws.TypePing:
		reply(client, ws.NewMessage(ws.TypePong, nil))

	case ws.TypeSubscribe, ws.TypeUnsubscribe:
		var payload ws.SubscribePayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
				reply(client, commandError(cmd.Type, middleware.ErrBadRequest, "malformed payload"))
				return
			}
		}
		if len(payload.Views) == 0 {
			reply(client, commandError(cmd.Type, middleware.ErrValidation, "views is required"))
			return
		}

		if cmd.Type == ws.TypeUnsubscribe {
			for _, view := range payload.Views {
				if client.Unsubscribe(view) {
					watcher.Unwatch(view)
				}
			}
			return
		}

		for _, view := range payload.Views {
			if code, msg := authorizeView(client, view); code != "" {
				reply(client, commandError(cmd.Type, code, msg))
				return
			}
		}
		for _, view := range payload.Views {
			if !client.Subscribe(view) {
				continue
			}
			if err := watcher.Watch(view); err != nil {
				client.Unsubscribe(view)
				reply(client, commandError(cmd.Type, middleware.ErrInternalError, err.Error()))
				return
			}
		}
		reply(client, ws.NewMessage(ws.TypeSubscribeAck, ws.SubscribePayload{Views: client.Views()}))

	default:
		reply(client, commandError(cmd.Type, middleware.ErrBadRequest, "unknown command"))
	}
}

// authorizeView returns an error code when the client may not follow view.
func authorizeView(client *ws.Client, view string) (string, string) {
	key, err := propagate.ParseKey(view)
	if err != nil {
		return middleware.ErrValidation, err.Error()
	}
	if key.Kind == propagate.KindClaims && key.ID != client.ClaimantID() {
		return middleware.ErrForbidden, "claims views are private to their claimant"
	}
	return "", ""
}

func commandError(original ws.MessageType, code, message string) ws.Message {
	return ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: code, Message: message, OriginalType: string(original)})
}

func reply(client *ws.Client, msg ws.Message) {
	data, err := msg.JSON()
	if err != nil {
		slog.Error("encoding websocket reply", "type", msg.Type, "error", err)
		return
	}
	client.Reply(data)
}

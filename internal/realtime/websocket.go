package realtime

import (
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// WebSocketConn wraps websocket.Conn so the hub does not depend on the transport.
type WebSocketConn struct {
	Conn *websocket.Conn
}

func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: c}
}

// Serve streams the user's events to c until the client goes away. Inbound frames are
// read only to notice disconnects and answer pings.
func (h *Hub) Serve(c *websocket.Conn, userID uuid.UUID) {
	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   NewWebSocketConn(c),
		Send:   make(chan []byte, 64),
	}
	h.RegisterClient(client)
	defer h.UnregisterClient(client)

	go func() {
		for msg := range client.Send {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log().WithError(err).WithField("user_id", userID).Debug("websocket write failed")
				return
			}
		}
	}()

	for {
		var payload map[string]interface{}
		if err := c.ReadJSON(&payload); err != nil {
			return
		}
		if t, _ := payload["type"].(string); t == "ping" {
			select {
			case client.Send <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
}

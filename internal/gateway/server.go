package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const sendTimeout = 5 * time.Second

type subscribeRequest struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type subscribeAck struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// Server accepts websocket clients, runs the subscribe handshake and parks
// them in the hub until they disconnect.
type Server struct {
	Hub              *Hub
	DefaultRoom      string
	SubscribeTimeout time.Duration
	Log              *slog.Logger
}

// wsSubscriber adapts a websocket connection to the hub's Subscriber.
type wsSubscriber struct {
	conn *websocket.Conn
}

func (s *wsSubscriber) Send(ctx context.Context, payload []byte) error {
	wctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, payload)
}

// HandleWS implements the /ws endpoint.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.Log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	room, ok := s.handshake(r.Context(), conn)
	if !ok {
		return
	}

	sub := &wsSubscriber{conn: conn}
	s.Hub.Add(room, sub)
	defer s.Hub.Remove(room, sub)

	// Incoming frames are read only to notice the disconnect.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// handshake reads one subscribe request within the timeout and acknowledges
// the chosen room. A timeout or malformed payload falls back to the default
// room; a closed connection aborts.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (string, bool) {
	room := s.DefaultRoom

	hctx, cancel := context.WithTimeout(ctx, s.SubscribeTimeout)
	msgType, data, err := conn.Read(hctx)
	cancel()
	switch {
	case err == nil && msgType == websocket.MessageText:
		var req subscribeRequest
		if json.Unmarshal(data, &req) == nil && req.Type == "subscribe" && req.RoomID != "" {
			room = req.RoomID
		}
	case errors.Is(err, context.DeadlineExceeded):
		// No subscribe request in time, keep the default room.
	case err != nil:
		return "", false
	}

	ack, err := json.Marshal(subscribeAck{Type: "subscribed", RoomID: room})
	if err != nil {
		return "", false
	}
	wctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, ack); err != nil {
		s.Log.Warn("subscribe ack failed", "room", room, "err", err)
		return "", false
	}
	return room, true
}

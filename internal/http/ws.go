package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/bus-tracking/internal/tracking"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type initialData struct {
	Type string            `json:"type"`
	Data tracking.Snapshot `json:"data"`
}

// handleTripWS streams one trip's events. The first frame is the current
// snapshot so the client can render before the next report arrives.
func (s *Server) handleTripWS(w http.ResponseWriter, r *http.Request) {
	id := newID()
	sub, snap, err := s.hub.Subscribe(r.Context(), id, mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	first, err := json.Marshal(initialData{Type: "initial_data", Data: snap})
	if err != nil {
		s.hub.Disconnect(id)
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Disconnect(id)
		s.logger.Warn("websocket upgrade failed", "trip_id", snap.TripID, "err", err)
		return
	}
	s.serve(conn, sub, first)
}

// handleParentWS streams approach and close notices for every stop a
// parent's students use.
func (s *Server) handleParentWS(w http.ResponseWriter, r *http.Request) {
	parentID := mux.Vars(r)["parent_id"]
	id := newID()
	sub := s.hub.SubscribeParent(id, parentID)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Disconnect(id)
		s.logger.Warn("websocket upgrade failed", "parent_id", parentID, "err", err)
		return
	}
	s.serve(conn, sub, nil)
}

func (s *Server) serve(conn *websocket.Conn, sub *tracking.Subscriber, first []byte) {
	s.logger.Debug("subscriber connected", "subscriber_id", sub.ID)
	go s.writePump(conn, sub, first)
	go s.readPump(conn, sub)
}

// readPump only watches for close and pong frames. Client messages are ignored.
func (s *Server) readPump(conn *websocket.Conn, sub *tracking.Subscriber) {
	defer func() {
		s.hub.Disconnect(sub.ID)
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "subscriber_id", sub.ID, "err", err)
			}
			return
		}
	}
}

// writePump is the only writer on conn. It ends when the subscriber channel
// closes or a write fails.
func (s *Server) writePump(conn *websocket.Conn, sub *tracking.Subscriber, first []byte) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.hub.Disconnect(sub.ID)
		conn.Close()
	}()

	if first != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
			return
		}
	}
	for {
		select {
		case e, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := tracking.Encode(e)
			if err != nil {
				s.logger.Error("encode event", "subscriber_id", sub.ID, "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSink serialises writes; the session pump and the pinger share the conn.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// inbound is a client frame. Type selects which fields matter.
type inbound struct {
	Type      string  `json:"type"`
	RideID    string  `json:"ride_id,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lon       float64 `json:"lon,omitempty"`
	Available *bool   `json:"available,omitempty"`
}

type reply struct {
	Type   string `json:"type"`
	Of     string `json:"of,omitempty"`
	RideID string `json:"ride_id,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	requestID := requestIDFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "request_id", requestID, "error", err)
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	session := realtime.NewSession(actor.UserID, s.sessionBuffer)
	s.engine.Connect(actor, session)
	s.logger.Info("ws_connected", "user_id", actor.UserID, "role", actor.Role, "session_id", session.ID(), "request_id", requestID)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		dctx, dcancel := context.WithTimeout(context.Background(), writeWait)
		defer dcancel()
		if err := s.engine.Disconnect(dctx, actor, session); err != nil {
			s.logger.Warn("ws_disconnect_failed", "user_id", actor.UserID, "error", err)
		}
		s.logger.Info("ws_disconnected", "user_id", actor.UserID, "session_id", session.ID())
	}()

	go func() {
		if err := session.Run(ctx, sink); err != nil && ctx.Err() == nil {
			s.logger.Debug("ws_write_failed", "session_id", session.ID(), "error", err)
			_ = conn.Close()
		}
	}()
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := sink.ping(); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = sink.WriteJSON(reply{Type: "error", Error: "malformed message", Code: "invalid_input"})
			continue
		}
		if out := s.handleFrame(r.Context(), actor, msg); out != nil {
			_ = sink.WriteJSON(out)
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, actor models.Actor, msg inbound) *reply {
	var err error
	switch msg.Type {
	case "location":
		err = s.engine.PushLocation(ctx, actor, msg.RideID, models.Coord{Lat: msg.Lat, Lon: msg.Lon})
	case "availability":
		if msg.Available == nil {
			return &reply{Type: "error", Of: msg.Type, Error: "available is required", Code: "invalid_input"}
		}
		err = s.engine.SetAvailability(actor, *msg.Available)
	case "join_ride":
		err = s.engine.Follow(ctx, actor, msg.RideID)
	case "leave_ride":
		s.engine.Unfollow(actor, msg.RideID)
	case "ping":
		return &reply{Type: "pong"}
	default:
		return &reply{Type: "error", Of: msg.Type, Error: "unknown message type", Code: "invalid_input"}
	}
	if err != nil {
		_, code := statusFor(err)
		return &reply{Type: "error", Of: msg.Type, RideID: msg.RideID, Error: err.Error(), Code: code}
	}
	if msg.Type == "location" {
		return nil
	}
	return &reply{Type: "ack", Of: msg.Type, RideID: msg.RideID}
}

package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/surge-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSSession represents a connected driver session
type WSSession struct {
	driverID models.DriverID
	conn     *websocket.Conn
	mu       sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// InboundMessage is a driver's answer to an offer.
type InboundMessage struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
}

// AckMessage echoes the outcome of an inbound answer.
type AckMessage struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason"`
}

// WSRegistry holds driver sessions and implements Gateway over them.
// A newer session for the same driver replaces the older one.
type WSRegistry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[models.DriverID]*WSSession
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{logger: logger, sessions: make(map[models.DriverID]*WSSession)}
}

func (r *WSRegistry) Add(driverID models.DriverID, conn *websocket.Conn) *WSSession {
	s := &WSSession{driverID: driverID, conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// remove drops s only if it is still the driver's current session.
func (r *WSRegistry) remove(s *WSSession) {
	r.mu.Lock()
	if r.sessions[s.driverID] == s {
		delete(r.sessions, s.driverID)
	}
	r.mu.Unlock()
}

func (r *WSRegistry) Connected(driverID models.DriverID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

// Serve registers conn for driverID and reads answers until the connection
// drops or ctx ends. Answers are routed to h and acknowledged on the socket.
func (r *WSRegistry) Serve(ctx context.Context, driverID models.DriverID, conn *websocket.Conn, h SignalHandler) {
	s := r.Add(driverID, conn)
	defer func() {
		r.remove(s)
		_ = conn.Close()
	}()
	r.logger.Info("driver connected", "driver_id", driverID)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := s.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("ws read error", "driver_id", driverID, "error", err)
			}
			r.logger.Info("driver disconnected", "driver_id", driverID)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var in InboundMessage
		if err := json.Unmarshal(raw, &in); err != nil || in.RideID == "" {
			r.logger.Warn("invalid ws message", "driver_id", driverID)
			continue
		}
		var (
			ok     bool
			reason Reason
		)
		switch in.Type {
		case MsgAccept:
			ok, reason = h.Accept(in.RideID, driverID)
		case MsgReject:
			ok, reason = h.Reject(in.RideID, driverID)
		default:
			continue
		}
		if err := s.Send(AckMessage{Type: MsgAck, RideID: in.RideID, OK: ok, Reason: reason}); err != nil {
			r.logger.Warn("ws ack failed", "driver_id", driverID, "error", err)
		}
	}
}

func (r *WSRegistry) send(driverID models.DriverID, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.logger.Warn("ws send error", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) OfferRide(_ context.Context, msg OfferMessage) error {
	return r.send(msg.DriverID, msg)
}

func (r *WSRegistry) OfferResult(_ context.Context, msg ResultMessage) error {
	return r.send(msg.DriverID, msg)
}

func (r *WSRegistry) RideCancelled(_ context.Context, msg CancelMessage) error {
	return r.send(msg.DriverID, msg)
}

// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/protocol"
)

const (
	maxMessageSize = 1 << 20 // log chunks can be large
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	registerWait   = 10 * time.Second
	sendBuffer     = 64
)

// newUpgrader creates a WebSocket upgrader that respects the configured
// allowed origins. Empty means any origin (localhost development mode).
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// Session is one registered runner connection. All writes go through the
// send channel so the socket has a single writer.
type Session struct {
	runnerID   string
	runnerType string

	conn *websocket.Conn
	send chan protocol.Envelope
	log  zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn, runnerID, runnerType string) *Session {
	return &Session{
		runnerID:   runnerID,
		runnerType: runnerType,
		conn:       conn,
		send:       make(chan protocol.Envelope, sendBuffer),
		log: getLog().With().
			Str("runner_id", runnerID).
			Str("runner_type", runnerType).
			Logger(),
		closed: make(chan struct{}),
	}
}

// Send queues an envelope for the write pump. Returns false when the
// session is gone or its buffer is full.
func (s *Session) Send(env protocol.Envelope) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	case <-s.closed:
		return false
	default:
		s.log.Warn().Str("type", env.Type).Msg("Runner send buffer full, dropping message")
		return false
	}
}

// close marks the session dead and closes the socket. Safe to call from
// any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// readRegistration reads and validates the mandatory first frame.
func readRegistration(conn *websocket.Conn) (*protocol.RegisterPayload, error) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(registerWait)); err != nil {
		return nil, err
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Type != protocol.MsgRegister {
		return nil, errFirstMessageNotRegister
	}

	var payload protocol.RegisterPayload
	if err := env.Decode(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// readPump delivers inbound envelopes to the registry until the socket
// drops. It owns the read side of the connection.
func (s *Session) readPump(r *Registry) {
	defer func() {
		s.close()
		r.onSessionClosed(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Runner socket read error")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn().Err(err).Msg("Invalid runner message, skipping")
			continue
		}

		r.handleMessage(s, env)
	}
}

// writePump flushes queued envelopes and keeps the connection alive with
// pings. It owns the write side of the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.log.Warn().Err(err).Msg("Runner socket write error")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

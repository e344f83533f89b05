// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lazyaf/lazyaf/internal/protocol"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

const (
	// UI WebSocket limits
	maxMessageSize      = 4096
	maxFilters          = 50
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	writeWait           = 10 * time.Second
	maxClients          = 1000
	defaultClientBuffer = 256
)

// newUpgrader creates a WebSocket upgrader that respects the configured
// allowed origins. Empty allowedOrigins accepts any origin (localhost
// development mode).
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
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			return ok
		},
	}
}

// SnapshotSource provides the state sent to a UI client on connect so
// it can render before the first delta arrives.
type SnapshotSource interface {
	ListRepos(ctx context.Context) ([]*models.Repo, error)
	ListRunners(ctx context.Context) ([]*models.Runner, error)
	ListActiveRuns(ctx context.Context) ([]*models.PipelineRun, error)
}

// uiSnapshot is the payload of the first frame on a UI socket.
type uiSnapshot struct {
	Repos      []*models.Repo          `json:"repos"`
	Runners    []*models.Runner        `json:"runners"`
	ActiveRuns []*models.PipelineRun   `json:"active_runs"`
	PoolStats  protocol.PoolStatsEvent `json:"pool_stats"`
}

// wsClient is one connected UI client. The send channel is bounded; a
// client that cannot drain it is disconnected rather than allowed to
// stall the broadcaster.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	filters []protocol.SubscriptionUpdate
	mu      sync.RWMutex
}

// ClientRegistry manages all connected UI WebSocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	buffer  int
}

// NewClientRegistry creates a registry whose clients buffer at most
// buffer frames each.
func NewClientRegistry(buffer int) *ClientRegistry {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &ClientRegistry{
		clients: make(map[*wsClient]struct{}),
		buffer:  buffer,
	}
}

// Broadcast sends a pre-marshalled frame to every client whose filters
// match the event. pool_stats frames go to everyone. A client whose
// buffer is full is disconnected.
func (r *ClientRegistry) Broadcast(event protocol.Event, topic string, frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.clients {
		if topic != protocol.TopicPoolStats && !c.matchesAny(event) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			getLog().Warn().Str("topic", topic).Msg("Disconnecting slow UI WebSocket client")
			c.conn.Close()
		}
	}
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// repoScoped, cardScoped and runScoped let events declare their IDs
// without this file enumerating every event type.
type repoScoped interface {
	GetRepoID() string
}

type cardScoped interface {
	GetCardID() string
}

type runScoped interface {
	GetRunID() string
}

func scopeIDs(event protocol.Event) (repoID, cardID, runID string) {
	if s, ok := event.(repoScoped); ok {
		repoID = s.GetRepoID()
	}
	if s, ok := event.(cardScoped); ok {
		cardID = s.GetCardID()
	}
	if s, ok := event.(runScoped); ok {
		runID = s.GetRunID()
	}
	return repoID, cardID, runID
}

// matchesAny returns true if the event matches any of the client's
// filters, or if the client has no filters (receives everything).
func (c *wsClient) matchesAny(event protocol.Event) bool {
	c.mu.RLock()
	if len(c.filters) == 0 {
		c.mu.RUnlock()
		return true
	}
	filters := make([]protocol.SubscriptionUpdate, len(c.filters))
	copy(filters, c.filters)
	c.mu.RUnlock()

	repoID, cardID, runID := scopeIDs(event)

	for _, f := range filters {
		if f.RepoID != "" && f.RepoID != repoID {
			continue
		}
		if f.CardID != "" && f.CardID != cardID {
			continue
		}
		if f.RunID != "" && f.RunID != runID {
			continue
		}
		return true
	}
	return false
}

// wsMessage is the envelope for client → server messages on the UI
// plane: subscription narrowing only.
type wsMessage struct {
	Type    string                      `json:"type"` // "subscribe" or "unsubscribe"
	Filters protocol.SubscriptionUpdate `json:"filters"`
}

// HandleUISocket upgrades the connection, sends the initial snapshot
// and manages the client lifecycle.
func HandleUISocket(registry *ClientRegistry, snapshots SnapshotSource, stats PoolStatsSource, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("UI WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			conn: conn,
			send: make(chan []byte, registry.buffer),
		}
		if !registry.add(client) {
			getLog().Warn().Msg("UI WebSocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("UI WebSocket client connected")

		if frame, err := snapshotFrame(r.Context(), snapshots, stats); err != nil {
			getLog().Error().Err(err).Msg("Failed to build UI snapshot")
		} else {
			client.send <- frame
		}

		go client.writePump()
		client.readPump(registry)
	}
}

// snapshotFrame builds the first frame on a UI socket.
func snapshotFrame(ctx context.Context, snapshots SnapshotSource, stats PoolStatsSource) ([]byte, error) {
	snap := uiSnapshot{}
	if snapshots != nil {
		var err error
		if snap.Repos, err = snapshots.ListRepos(ctx); err != nil {
			return nil, err
		}
		if snap.Runners, err = snapshots.ListRunners(ctx); err != nil {
			return nil, err
		}
		if snap.ActiveRuns, err = snapshots.ListActiveRuns(ctx); err != nil {
			return nil, err
		}
	}
	if stats != nil {
		snap.PoolStats = stats.PoolStats(ctx)
	}
	return json.Marshal(protocol.UIMessage{
		Type:    "snapshot",
		Topic:   "snapshot",
		Payload: snap,
	})
}

func (c *wsClient) readPump(registry *ClientRegistry) {
	defer func() {
		registry.remove(c)
		close(c.send) // signals writePump to exit
		c.conn.Close()
		getLog().Info().Msg("UI WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("UI WebSocket read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			getLog().Warn().Err(err).Msg("Invalid UI WebSocket message")
			continue
		}

		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			if len(c.filters) >= maxFilters {
				getLog().Warn().Msg("UI WebSocket client hit max filter limit")
			} else {
				c.filters = append(c.filters, msg.Filters)
				getLog().Debug().
					Str("repo_id", msg.Filters.RepoID).
					Str("card_id", msg.Filters.CardID).
					Str("run_id", msg.Filters.RunID).
					Msg("UI WebSocket client subscribed")
			}
		case "unsubscribe":
			c.filters = removeFilter(c.filters, msg.Filters)
			getLog().Debug().Msg("UI WebSocket client unsubscribed")
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed by readPump, send close frame.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func removeFilter(filters []protocol.SubscriptionUpdate, target protocol.SubscriptionUpdate) []protocol.SubscriptionUpdate {
	result := make([]protocol.SubscriptionUpdate, 0, len(filters))
	for _, f := range filters {
		if f.RepoID == target.RepoID && f.CardID == target.CardID && f.RunID == target.RunID {
			continue
		}
		result = append(result, f)
	}
	return result
}

// Package transport carries the live session traffic: one WebSocket per
// participant, multiplexed into typed events for the session machine and
// broadcast delivery for checkpoint prompts.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/speakpair/speakpair-server/internal/checkpoint"
)

// Hub tracks the active WebSocket connection of every connected participant,
// keyed by session then user. It is the delivery side of the checkpoint
// scheduler.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewHub creates an empty connection hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register adds a participant's connection. A lingering previous connection
// for the same participant is closed and replaced.
func (h *Hub) Register(sessionID, userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := h.active[sessionID][userID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	h.active[sessionID][userID] = conn
	slog.Info("participant connected", "session_id", sessionID, "user_id", userID)
}

// Unregister removes a participant's connection if it is still the current
// one. A reconnect that already replaced it is left alone.
func (h *Hub) Unregister(sessionID, userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[sessionID]
	if !ok {
		return
	}
	if current, exists := conns[userID]; exists && current == conn {
		delete(conns, userID)
		if len(conns) == 0 {
			delete(h.active, sessionID)
		}
		slog.Info("participant disconnected", "session_id", sessionID, "user_id", userID)
	}
}

// CloseSession closes every connection of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[sessionID]
	if !ok {
		return
	}
	for userID, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		slog.Info("connection closed", "session_id", sessionID, "user_id", userID)
	}
	delete(h.active, sessionID)
}

// Connected returns how many participants of a session are currently
// connected.
func (h *Hub) Connected(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// SendCheckpoint broadcasts a checkpoint prompt to every connected
// participant of the session. Implements checkpoint.Sender. A write failure
// to one participant does not stop delivery to the other.
func (h *Hub) SendCheckpoint(ctx context.Context, sessionID string, prompt checkpoint.Prompt) {
	h.broadcast(ctx, sessionID, map[string]any{
		"type":       "checkpoint",
		"checkpoint": prompt,
	})
}

func (h *Hub) broadcast(ctx context.Context, sessionID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal broadcast payload", "session_id", sessionID, "error", err)
		return
	}

	h.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(h.active[sessionID]))
	for userID, conn := range h.active[sessionID] {
		conns[userID] = conn
	}
	h.mu.RUnlock()

	for userID, conn := range conns {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("broadcast write failed",
				"session_id", sessionID, "user_id", userID, "error", err)
		}
	}
}

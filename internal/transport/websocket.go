package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/speakpair/speakpair-server/internal/identity"
	"github.com/speakpair/speakpair-server/internal/session"
	"github.com/speakpair/speakpair-server/internal/store"
)

// Resyncer replays due-but-unfired checkpoints to a (re)connecting
// participant. Satisfied by the checkpoint scheduler.
type Resyncer interface {
	Resync(ctx context.Context, sessionID string)
}

// WebSocketHandler upgrades participant connections and translates their
// messages into typed session events.
type WebSocketHandler struct {
	repo          store.Repository
	hub           *Hub
	events        chan<- session.Event
	resyncer      Resyncer
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates the live-session WebSocket handler.
func NewWebSocketHandler(repo store.Repository, hub *Hub, events chan<- session.Event, resyncer Resyncer, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		hub:           hub,
		events:        events,
		resyncer:      resyncer,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is the client-to-server message envelope.
type wsMessage struct {
	Type string `json:"type"`
	// Text carries the transcript snippet of a turn message.
	Text string `json:"text,omitempty"`
	// SpeakingMs is the speaking duration of a turn, in milliseconds.
	SpeakingMs int64 `json:"speaking_ms,omitempty"`
}

// ServeHTTP upgrades the connection for /ws/session/{sessionID}.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("session connection request",
		"session_id", sessionID, "user_id", userID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	member, err := h.isParticipant(r.Context(), sessionID, userID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a participant of this session", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.hub.Register(sessionID, userID, ws)
	defer h.hub.Unregister(sessionID, userID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.emit(session.Event{Type: session.EventJoin, SessionID: sessionID, UserID: userID, At: time.Now()})
	// Replay any checkpoint this participant missed while connecting. Fired
	// checkpoints are not repeated.
	if h.resyncer != nil {
		h.resyncer.Resync(ctx, sessionID)
	}

	h.readLoop(ctx, ws, sessionID, userID)
	h.emit(session.Event{Type: session.EventDisconnect, SessionID: sessionID, UserID: userID, At: time.Now()})
	slog.Info("session connection closed", "session_id", sessionID, "user_id", userID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) isParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	participants, err := h.repo.GetParticipants(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "user_id", userID)
			} else {
				slog.Warn("websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("unparseable client message", "user_id", userID, "error", err)
			continue
		}

		switch msg.Type {
		case "heartbeat":
			h.emit(session.Event{Type: session.EventHeartbeat, SessionID: sessionID, UserID: userID, At: time.Now()})
		case "turn":
			h.emit(session.Event{
				Type:      session.EventTurn,
				SessionID: sessionID,
				UserID:    userID,
				Text:      msg.Text,
				Speaking:  time.Duration(msg.SpeakingMs) * time.Millisecond,
				At:        time.Now(),
			})
		case "end_call":
			h.emit(session.Event{Type: session.EventEndCall, SessionID: sessionID, UserID: userID, At: time.Now()})
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("failed to send pong", "error", err)
			}
		default:
			slog.Debug("unknown client message type", "type", msg.Type, "user_id", userID)
		}
	}
}

// emit never blocks the read loop for long: if the machine's channel is full
// the event is dropped and logged. Heartbeats are frequent and redundant, so
// a dropped event self-heals.
func (h *WebSocketHandler) emit(ev session.Event) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("event channel full, dropping event",
			"type", ev.Type, "session_id", ev.SessionID, "user_id", ev.UserID)
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}

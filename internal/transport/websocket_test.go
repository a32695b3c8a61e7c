package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/speakpair/speakpair-server/internal/session"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed string
		isDev   bool
		origin  string
		want    bool
	}{
		{"dev mode allows anything", "https://app.example.com", true, "https://evil.example.com", true},
		{"matching origin", "https://app.example.com", false, "https://app.example.com", true},
		{"mismatched origin", "https://app.example.com", false, "https://evil.example.com", false},
		{"no origin header", "https://app.example.com", false, "", true},
		{"wildcard allows anything", "*", false, "https://anywhere.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWebSocketHandler(nil, NewHub(), nil, nil, tt.allowed, tt.isDev)
			r := httptest.NewRequest(http.MethodGet, "/ws/session/s1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := h.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmitNeverBlocksWhenChannelFull(t *testing.T) {
	events := make(chan session.Event, 1)
	h := NewWebSocketHandler(nil, NewHub(), events, nil, "*", true)

	h.emit(session.Event{Type: session.EventHeartbeat, SessionID: "s1", UserID: "alice"})

	done := make(chan struct{})
	go func() {
		// Channel is full; this emit must drop instead of blocking.
		h.emit(session.Event{Type: session.EventHeartbeat, SessionID: "s1", UserID: "alice"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full channel")
	}

	if got := len(events); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/daybook-io/daybook/internal/store"
	"github.com/gorilla/websocket"
)

const tailWriteTimeout = 10 * time.Second

// TailHub fans freshly ingested records out to WebSocket subscribers.
type TailHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*websocket.Conn]bool
}

// NewTailHub creates a live-tail hub.
func NewTailHub(log *slog.Logger) *TailHub {
	if log == nil {
		log = slog.Default()
	}
	return &TailHub{
		log: log,
		upgrader: websocket.Upgrader{
			// CORS policy is enforced by the HTTP middleware; the tail
			// stream is read-only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the connection and subscribes it until it closes.
func (h *TailHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("tail upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = true
	n := len(h.conns)
	h.mu.Unlock()
	h.log.Debug("tail subscriber connected", "subscribers", n)

	// Reader loop: tail clients never send data, but reading is what
	// detects the close.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *TailHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// Broadcast sends each record to every subscriber. Slow or dead connections
// are dropped rather than blocking ingestion.
func (h *TailHub) Broadcast(recs []store.Record) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	for _, rec := range recs {
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		for _, conn := range conns {
			conn.SetWriteDeadline(time.Now().Add(tailWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(conn)
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *TailHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

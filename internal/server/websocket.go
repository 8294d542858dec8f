package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/orchestrator"
)

// WebSocket message types
const (
	MessageTypeEvent    = "event"
	MessageTypeError    = "error"
	MessageTypeComplete = "complete"
)

const writeWait = 10 * time.Second

// WSMessage is one frame sent to a streaming client.
type WSMessage struct {
	Type      string                  `json:"type"`
	Event     *orchestrator.Event     `json:"event,omitempty"`
	Run       *orchestrator.RunResult `json:"run,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Kind      string                  `json:"kind,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds an upgrader that accepts the listed origins. An empty
// list allows the local dev origins, "*" allows any, and requests without
// an Origin header are always accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(o)] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			return set[strings.ToLower(origin)]
		},
	}
}

// wsConn serializes writes to one client.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg *WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// handleRunStream upgrades the connection, reads one run request and
// streams that run's events until it finishes. Closing the socket cancels
// the run.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	var req orchestrator.RunRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = c.send(&WSMessage{Type: MessageTypeError, Error: "invalid run request: " + err.Error(), Kind: "validation_error", Timestamp: time.Now()})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		// The client speaks once. Any further frame, close or read error
		// abandons the run.
		_, _, _ = conn.NextReader()
		cancel()
	}()

	res, err := s.pipeline.Stream(ctx, req, func(ev orchestrator.Event) {
		if err := c.send(&WSMessage{Type: MessageTypeEvent, Event: &ev, Timestamp: ev.Timestamp}); err != nil {
			cancel()
		}
	})
	if err != nil {
		_ = c.send(&WSMessage{Type: MessageTypeError, Error: err.Error(), Kind: models.ErrorKind(err), Timestamp: time.Now()})
		return
	}
	_ = c.send(&WSMessage{Type: MessageTypeComplete, Run: res, Timestamp: time.Now()})
	c.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.mu.Unlock()
}

// websocket.go implements a ResultListener that streams scenario and
// feature events to connected dashboards, giving github.com/gorilla/websocket
// a concrete home in this tree (it is a teacher direct dependency with no
// prior user once the alert-delivery/realtime layer was removed).
package listener

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaytest/karate-go/internal/result"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the line-protocol sent to every connected dashboard;
// Kind mirrors internal/report's NDJSON "t" discriminator so a single
// client can render both a file tail and a live stream with one parser.
type wsMessage struct {
	Kind     string      `json:"t"`
	Scenario interface{} `json:"scenario,omitempty"`
	Feature  interface{} `json:"feature,omitempty"`
}

// WebSocketListener broadcasts events to every client connected to its
// Handler. Slow or dead clients are dropped rather than allowed to block
// the suite.
type WebSocketListener struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan wsMessage
}

// NewWebSocketListener returns an empty broadcaster.
func NewWebSocketListener(logger *slog.Logger) *WebSocketListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketListener{logger: logger, clients: make(map[*websocket.Conn]chan wsMessage)}
}

// Handler upgrades an HTTP connection and registers it to receive every
// subsequent broadcast until the client disconnects.
func (w *WebSocketListener) Handler(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan wsMessage, 64)
	w.mu.Lock()
	w.clients[conn] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.clients, conn)
		w.mu.Unlock()
		conn.Close()
	}()

	for msg := range ch {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (w *WebSocketListener) broadcast(msg wsMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for conn, ch := range w.clients {
		select {
		case ch <- msg:
		default:
			w.logger.Warn("dropping slow websocket client")
			close(ch)
			delete(w.clients, conn)
		}
	}
}

func (w *WebSocketListener) OnSuiteStart(*result.SuiteResult) {}

func (w *WebSocketListener) OnFeatureEnd(f *result.FeatureResult) {
	passed, failed, total := f.Counts()
	w.broadcast(wsMessage{Kind: "feature", Feature: map[string]interface{}{
		"resource": f.Resource,
		"name":     f.Name,
		"passed":   passed,
		"failed":   failed,
		"total":    total,
	}})
}

func (w *WebSocketListener) OnSuiteEnd(*result.SuiteResult) {}

func (w *WebSocketListener) OnScenario(e ScenarioEvent) {
	body, err := json.Marshal(map[string]interface{}{
		"phase":    e.Phase,
		"name":     e.Scenario.ScenarioName,
		"resource": e.Scenario.Resource,
	})
	if err != nil {
		return
	}
	var payload interface{}
	_ = json.Unmarshal(body, &payload)
	w.broadcast(wsMessage{Kind: "scenario", Scenario: payload})
}

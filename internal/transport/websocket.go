package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// StatusInterval is how often the status is pushed to connected clients.
const StatusInterval = 500 * time.Millisecond

// StatusSource provides the status that is streamed.
type StatusSource interface {
	Status() types.SimulationStatus
}

// wsClient serializes writes to one connection; gorilla connections allow a
// single concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WebSocketServer streams the live simulation status to WebSocket clients.
// A client gets the current status on connect and then every interval.
type WebSocketServer struct {
	api      StatusSource
	logger   *slog.Logger
	interval time.Duration
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]*wsClient
	clientsMu sync.RWMutex
}

// NewWebSocketServer creates a new WebSocket server. Cross-origin upgrades
// are accepted when allowOrigin approves the origin; nil allows only
// same-host and localhost origins.
func NewWebSocketServer(api StatusSource, logger *slog.Logger, allowOrigin func(origin string) bool) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocketServer{
		api:      api,
		logger:   logger,
		interval: StatusInterval,
		clients:  make(map[*websocket.Conn]*wsClient),
	}
	ws.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // no Origin header: not a browser cross-origin request
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		if allowOrigin != nil {
			return allowOrigin(origin)
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	}
	return ws
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		client := &wsClient{conn: conn}

		ws.clientsMu.Lock()
		ws.clients[conn] = client
		total := len(ws.clients)
		ws.clientsMu.Unlock()
		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()
			ws.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		if data, err := json.Marshal(ws.api.Status()); err == nil {
			if err := client.send(data, ws.interval); err != nil {
				return
			}
		}

		// Clients send nothing; reading detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Run pushes the status to all clients every interval until ctx is done,
// then disconnects them.
func (ws *WebSocketServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.closeAll()
			return nil
		case <-ticker.C:
			if ws.ClientCount() > 0 {
				ws.broadcastStatus(ws.api.Status())
			}
		}
	}
}

func (ws *WebSocketServer) closeAll() {
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	for conn, client := range ws.clients {
		client.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		client.mu.Unlock()
		conn.Close()
	}
	clear(ws.clients)
}

// broadcastStatus sends the status to all connected clients.
func (ws *WebSocketServer) broadcastStatus(status types.SimulationStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		ws.logger.Error("Failed to marshal status", slog.String("error", err.Error()))
		return
	}

	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	for _, client := range ws.clients {
		if err := client.send(data, ws.interval); err != nil {
			// cleaned up by the read loop
			ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}

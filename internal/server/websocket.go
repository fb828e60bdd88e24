package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/config"
	"github.com/raaihank/embedkit/internal/embeddings"
)

const (
	// Time allowed to write a message to the peer
	defaultWriteWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	defaultPongWait = 60 * time.Second
	// Maximum message size allowed from peer
	defaultMaxMessageSize = 10 << 20
	sendBufferSize        = 16
)

// socketRequest is one embedding request sent over a WebSocket connection.
// Type "ping" asks for a "pong" and carries no input.
type socketRequest struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	embeddings.EmbeddingRequest
}

// socketResponse answers exactly one socketRequest, echoing its ID.
type socketResponse struct {
	ID         string      `json:"id,omitempty"`
	Type       string      `json:"type"`
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model,omitempty"`
	Dimension  int         `json:"dimension,omitempty"`
	Error      string      `json:"error,omitempty"`
	Status     int         `json:"status,omitempty"`
}

// HubStats tracks WebSocket statistics
type HubStats struct {
	TotalConnections    int64     `json:"total_connections"`
	ActiveConnections   int64     `json:"active_connections"`
	RejectedConnections int64     `json:"rejected_connections"`
	TotalMessages       int64     `json:"total_messages"`
	LastConnectionTime  time.Time `json:"last_connection_time"`
	LastDisconnectTime  time.Time `json:"last_disconnect_time"`
}

// Client is a connected WebSocket peer
type Client struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	conn   *websocket.Conn
	send   chan socketResponse
	done   chan struct{}
	cancel context.CancelFunc
}

// Hub tracks connected clients and enforces the connection limit
type Hub struct {
	config   *config.WebSocketConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	mu      sync.RWMutex
	clients map[*Client]bool
	pending int
	stats   HubStats
}

// NewHub creates a new WebSocket hub
func NewHub(cfg *config.WebSocketConfig, logger *zap.Logger) *Hub {
	h := &Hub{
		config:    cfg,
		logger:    logger,
		clients:   make(map[*Client]bool),
		writeWait: cfg.WriteTimeout,
		pongWait:  cfg.PongTimeout,
	}
	if h.writeWait <= 0 {
		h.writeWait = defaultWriteWait
	}
	if h.pongWait <= 0 {
		h.pongWait = defaultPongWait
	}
	// Pings must go out before the peer's pong deadline.
	h.pingPeriod = cfg.PingInterval
	if h.pingPeriod <= 0 || h.pingPeriod >= h.pongWait {
		h.pingPeriod = (h.pongWait * 9) / 10
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// reserve claims a connection slot ahead of the upgrade. Slots held by
// in-flight upgrades count against the limit.
func (h *Hub) reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.MaxConnections > 0 && len(h.clients)+h.pending >= h.config.MaxConnections {
		h.stats.RejectedConnections++
		return false
	}
	h.pending++
	return true
}

// release returns a reserved slot whose upgrade failed.
func (h *Hub) release() {
	h.mu.Lock()
	h.pending--
	h.mu.Unlock()
}

// registerClient turns a reservation into an active client.
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending--
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.LastConnectionTime = time.Now()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", len(h.clients)),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.stats.LastDisconnectTime = time.Now()

		h.logger.Info("Client disconnected",
			zap.String("client_id", client.ID),
			zap.String("client_ip", client.IP),
			zap.Duration("connected_for", time.Since(client.ConnectedAt)),
			zap.Int("active_connections", len(h.clients)),
		)
	}
}

func (h *Hub) recordMessage() {
	h.mu.Lock()
	h.stats.TotalMessages++
	h.mu.Unlock()
}

// Close disconnects every client. Read loops unregister them as they exit.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.cancel()
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.writeWait))
		client.conn.Close()
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := h.stats
	stats.ActiveConnections = int64(len(h.clients))
	return stats
}

// handleWebSocket upgrades the connection and serves embedding requests over it
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	hub := s.wsHub
	if !hub.reserve() {
		s.requestLogger(r).Warn("WebSocket connection limit reached",
			zap.Int("max_connections", s.config.WebSocket.MaxConnections))
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("too many websocket connections"))
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.release()
		s.requestLogger(r).Warn("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:          uuid.NewString(),
		IP:          getClientIP(r),
		UserAgent:   r.UserAgent(),
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan socketResponse, sendBufferSize),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	hub.registerClient(client)

	go s.writePump(client)
	go s.readPump(ctx, client)
}

// writePump sends responses and keepalive pings to the client
func (s *Server) writePump(client *Client) {
	hub := s.wsHub
	ticker := time.NewTicker(hub.pingPeriod)
	defer func() {
		ticker.Stop()
		close(client.done)
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(hub.writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				hub.logger.Warn("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(hub.writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads requests one at a time and queues their responses in order
func (s *Server) readPump(ctx context.Context, client *Client) {
	hub := s.wsHub
	defer func() {
		client.cancel()
		hub.unregisterClient(client)
		client.conn.Close()
	}()

	maxSize := s.config.WebSocket.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	client.conn.SetReadLimit(maxSize)
	client.conn.SetReadDeadline(time.Now().Add(hub.pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(hub.pongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				hub.logger.Warn("WebSocket read error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}
		hub.recordMessage()

		resp := s.handleSocketMessage(ctx, client, data)
		// Pongs are not read while a request is being served.
		client.conn.SetReadDeadline(time.Now().Add(hub.pongWait))
		select {
		case client.send <- resp:
		case <-client.done:
			return
		}
	}
}

func (s *Server) handleSocketMessage(ctx context.Context, client *Client, data []byte) socketResponse {
	var msg socketRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return socketError("", fmt.Errorf("%w: malformed JSON message: %v", embeddings.ErrInvalidInput, err))
	}

	if msg.Type == "ping" {
		return socketResponse{ID: msg.ID, Type: "pong"}
	}
	if msg.Input == nil {
		return socketError(msg.ID, fmt.Errorf("%w: input must be an array of strings", embeddings.ErrInvalidInput))
	}

	resp, err := s.service.Generate(ctx, &msg.EmbeddingRequest)
	if err != nil {
		s.wsHub.logger.Warn("WebSocket embedding request failed",
			zap.String("client_id", client.ID),
			zap.String("request_id", msg.ID),
			zap.Error(err),
		)
		return socketError(msg.ID, err)
	}

	return socketResponse{
		ID:         msg.ID,
		Type:       "embeddings",
		Embeddings: resp.Embeddings,
		Model:      resp.Model,
		Dimension:  resp.Dimension,
	}
}

func socketError(id string, err error) socketResponse {
	return socketResponse{
		ID:     id,
		Type:   "error",
		Error:  err.Error(),
		Status: statusFor(err),
	}
}

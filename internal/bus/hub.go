package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/five82/tether/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64

	// BusPath is where the hub accepts websocket connections.
	BusPath = "/bus"
	// HealthPath reports hub liveness.
	HealthPath = "/health"
)

// URL returns the websocket URL of a hub bound to addr (host:port).
func URL(addr string) string {
	return "ws://" + addr + BusPath
}

// Hub is the worker side of the cross-process bus. Messages published on
// the hub reach local subscribers and every connected client; messages sent
// by a client reach local subscribers and every other client.
type Hub struct {
	logger   *slog.Logger
	local    *Local
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubConn]struct{}
}

type hubConn struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	remote string
}

// NewHub returns a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	logger = logging.OrDefault(logger)
	return &Hub{
		logger:  logger,
		local:   NewLocal(logger),
		clients: map[*hubConn]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkLoopbackOrigin,
		},
	}
}

// Handler mounts the bus and health endpoints on a chi router.
func (h *Hub) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get(HealthPath, h.handleHealth)
	router.Get(BusPath, h.handleBus)
	return router
}

// ListenAndServe binds addr and serves until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	h.logger.Info("bus hub listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		h.closeClients()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve bus: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.closeClients()
	if err != nil {
		return fmt.Errorf("shutdown bus: %w", err)
	}
	return nil
}

// Publish delivers env to local subscribers and every client.
func (h *Hub) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	h.broadcast(data, env.Type, nil)
	return h.local.Publish(ctx, env)
}

// Subscribe registers an in-process handler for every message on the hub.
func (h *Hub) Subscribe(fn Handler) func() {
	return h.local.Subscribe(fn)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops local delivery.
func (h *Hub) Close() error {
	h.closeClients()
	return h.local.Close()
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"app":     "tether",
		"status":  "ok",
		"clients": h.Clients(),
	})
}

func (h *Hub) handleBus(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("bus upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &hubConn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		remote: r.RemoteAddr,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("bus client connected", slog.String("remote", c.remote))

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("bus client disconnected", slog.String("remote", c.remote))
}

func (h *Hub) readLoop(c *hubConn) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("bus read failed", slog.String("remote", c.remote), slog.String("error", err.Error()))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.ID == "" || env.Type == "" {
			h.logger.Warn("dropping malformed bus message", slog.String("remote", c.remote))
			continue
		}
		h.broadcast(data, env.Type, c)
		if err := h.local.Publish(context.Background(), env); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// broadcast queues data for every client except skip.
func (h *Hub) broadcast(data []byte, t EventType, skip *hubConn) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("bus client too slow, dropping message",
				slog.String("remote", c.remote),
				slog.String("type", string(t)),
			)
		}
	}
}

func (h *Hub) closeClients() {
	h.mu.Lock()
	clients := make([]*hubConn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// close signals the writer and closes the socket so the reader returns.
func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		// Give the writer a moment to send the close frame.
		time.AfterFunc(100*time.Millisecond, func() { _ = c.conn.Close() })
	})
}

// checkLoopbackOrigin admits non-browser clients and pages served from the
// loopback interface.
func checkLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "chrome-extension", "moz-extension":
		return true
	case "http", "https":
		switch u.Hostname() {
		case "127.0.0.1", "localhost", "::1":
			return true
		}
	}
	return false
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/five82/tether/internal/discovery"
	"github.com/five82/tether/internal/logging"
)

// ErrNotConnected is returned by Client.Publish while the hub is unreachable.
// The message is dropped; the bus never queues across reconnects.
var ErrNotConnected = errors.New("bus not connected")

// Client connects a UI context to the worker's hub and reconnects with
// exponential backoff when the connection drops.
type Client struct {
	url     string
	logger  *slog.Logger
	local   *Local
	backoff discovery.Backoff
	dialer  *websocket.Dialer

	mu        sync.RWMutex
	send      chan []byte
	onConnect func()
}

// NewClient returns a client for the hub at url (see URL).
func NewClient(url string, logger *slog.Logger) *Client {
	logger = logging.OrDefault(logger)
	return &Client{
		url:     url,
		logger:  logger,
		local:   NewLocal(logger),
		backoff: discovery.DefaultBackoff(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// WithBackoff sets the reconnect policy. It must be called before Run.
func (c *Client) WithBackoff(b discovery.Backoff) *Client {
	c.backoff = b
	return c
}

// OnConnect registers fn to run after every successful (re)connect. Callers
// use it to rehydrate state for messages missed while disconnected.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// Connected reports whether a hub connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.send != nil
}

// Publish sends env to the hub without blocking.
func (c *Client) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrNotConnected)
	}
}

// Subscribe registers fn for messages received from the hub.
func (c *Client) Subscribe(fn Handler) func() {
	return c.local.Subscribe(fn)
}

// Run keeps a connection to the hub until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer c.local.Close()

	failures := 0
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := c.backoff.Next(failures)
			c.logger.Debug("bus dial failed",
				slog.String("url", c.url),
				slog.Int("attempt", failures),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		c.logger.Debug("bus connected", slog.String("url", c.url))
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Info("bus connection lost, reconnecting", slog.String("url", c.url))
	}
}

// serve runs the read and write loops for one connection and returns when
// either fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})

	c.mu.Lock()
	c.send = send
	onConnect := c.onConnect
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(conn, send, done)
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if onConnect != nil {
		go onConnect()
	}

	c.readLoop(conn)

	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	close(done)
	_ = conn.Close()
	wg.Wait()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.logger.Warn("dropping malformed bus message")
			continue
		}
		if err := c.local.Publish(context.Background(), env); err != nil {
			return
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// Package websocket carries binder transactions over a WebSocket connection.
//
// Every binary message from the client is a request id followed by a
// binder request envelope; the server answers with the same id followed by
// the reply envelope:
//
//	u32 reqID | envelope
//
// Replies may arrive out of order. Text messages are ignored.
//
// Connection lifecycle:
//  1. Connect to ws(s)://node/v1/ws with the bearer token
//  2. Read replies and hand them to the waiting callers
//  3. On disconnect, fail pending calls and wait with exponential backoff
//     (1s to 1m, +/-30% jitter)
//  4. Reconnect and resume
//
// Usage:
//
//	c := websocket.NewClient(serverURL, token, logger)
//	go c.Run(ctx)
//	err := c.WaitConnected(ctx)
//	remote, err := tasks.Bind(ctx, c.Handle(tasks.ServiceName))
package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// Path is the WebSocket endpoint of a bridge node.
const Path = "/v1/ws"

// MaxMessageSize bounds a single message in either direction.
const MaxMessageSize = 16 * 1024 * 1024

// idSize is the request id prefix of every message.
const idSize = 4

// Exponential backoff configuration for reconnection
const (
	initialBackoff = 1 * time.Second // Start with 1 second delay
	maxBackoff     = 1 * time.Minute // Cap at 1 minute
	backoffFactor  = 2.0             // Double each attempt
	jitterFactor   = 0.3             // +/- 30% random jitter
)

var (
	// ErrNotConnected is returned for calls made while no connection is up.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrConnectionLost is returned to calls pending when the connection drops.
	ErrConnectionLost = errors.New("websocket connection lost")
)

// Client maintains a WebSocket connection to a bridge node and multiplexes
// concurrent calls over it. It reconnects with exponential backoff.
type Client struct {
	serverURL string
	token     string
	logger    *slog.Logger

	nextID atomic.Uint32

	mu       sync.Mutex // Protects conn, pending and up
	conn     *websocket.Conn
	pending  map[uint32]chan []byte
	up       chan struct{} // Closed while a connection is up
	running  bool
	stopChan chan struct{}

	writeMu sync.Mutex
}

// NewClient creates a new WebSocket client.
// serverURL is the node's base URL (http, https, ws or wss).
func NewClient(serverURL, token string, logger *slog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		logger:    logger.With(slog.String("component", "websocket_client")),
		pending:   make(map[uint32]chan []byte),
		up:        make(chan struct{}),
		stopChan:  make(chan struct{}),
	}
}

// Run maintains the connection until ctx is cancelled or Stop is called.
// It should be called from a dedicated goroutine.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	stopChan := c.stopChan
	c.mu.Unlock()

	c.logger.Info("websocket client starting")

	// Unblock the read loop on shutdown
	go func() {
		select {
		case <-ctx.Done():
		case <-stopChan:
		}
		c.disconnect()
	}()

	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("websocket client stopping: context cancelled")
			return
		case <-stopChan:
			c.logger.Info("websocket client stopping: stop requested")
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("websocket connection failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-time.After(backoff):
			}

			backoff = c.calculateNextBackoff(backoff)
			continue
		}

		if ctx.Err() != nil {
			c.drop(conn)
			return
		}

		// Connection successful - reset backoff
		backoff = initialBackoff

		// Blocks until the connection drops
		c.readLoop(conn)

		c.logger.Info("websocket connection closed, will reconnect",
			slog.Duration("backoff", backoff),
		)
	}
}

// WaitConnected blocks until a connection is up or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for websocket connection: %w", ctx.Err())
	}
}

// connect establishes a WebSocket connection to the node.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWebSocketURL()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("connecting to websocket", slog.String("url", wsURL))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	conn.SetReadLimit(MaxMessageSize + idSize)

	c.mu.Lock()
	c.conn = conn
	close(c.up)
	c.mu.Unlock()

	c.logger.Info("websocket connected")
	return conn, nil
}

// buildWebSocketURL converts http(s):// to ws(s):// and appends Path.
func (c *Client) buildWebSocketURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	return u.String(), nil
}

// readLoop delivers replies until the connection fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.drop(conn)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("websocket read error", slog.String("error", err.Error()))
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(data) < idSize {
			c.logger.Warn("websocket reply without request id", slog.Int("length", len(data)))
			return
		}

		id := requestID(data)
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			// caller gave up
			continue
		}
		ch <- data[idSize:]
	}
}

// drop closes conn and fails every call waiting on it.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.up = make(chan struct{})
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn)
	}
}

// Handle returns the endpoint handle of a service on the node.
func (c *Client) Handle(service string) binder.Handle {
	return binder.EnvelopeHandle(service, c.roundTrip)
}

func (c *Client) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	id := c.nextID.Add(1)
	ch := make(chan []byte, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := make([]byte, idSize, idSize+len(req))
	binary.LittleEndian.PutUint32(msg, id)
	msg = append(msg, req...)

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	err := conn.WriteMessage(websocket.BinaryMessage, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Stop closes the connection and ends the Run loop.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.disconnect()
		return
	}
	close(c.stopChan)
	c.running = false
	c.mu.Unlock()

	c.disconnect()
	c.logger.Info("websocket client stopped")
}

// Shutdown implements the shutdown.Shutdowner interface.
func (c *Client) Shutdown(ctx context.Context) error {
	c.Stop()
	return nil
}

// calculateNextBackoff computes the next backoff duration with jitter.
// Formula: min(current * factor + jitter, maxBackoff)
func (c *Client) calculateNextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)

	// Add jitter (+/- 30%)
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	next = time.Duration(float64(next) + jitter)

	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

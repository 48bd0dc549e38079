package helper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// dialTimeout bounds connecting to the helper socket.
const dialTimeout = 5 * time.Second

// Client is a multiplexed connection to the helper. Concurrent calls share
// one connection; each gets its own request id.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan frame
	err     error
	done    chan struct{}
}

// Available returns true if the helper socket exists and accepts connections.
func Available(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Dial connects to the helper at socketPath.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("helper not available: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger.With(slog.String("component", "helper_client")),
		pending: make(map[uint32]chan frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Handle returns the endpoint handle of a service hosted by the helper.
func (c *Client) Handle(service string) binder.Handle {
	return binder.EnvelopeHandle(service, c.roundTrip)
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	id := c.nextID.Add(1)
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	err := writeFrame(c.conn, frame{typ: FrameRequest, id: id, body: req})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case f := <-ch:
		if f.typ == FrameFailure {
			return nil, fmt.Errorf("helper error: %s", f.body)
		}
		return f.body, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			if err == io.EOF {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		if f.typ != FrameResponse && f.typ != FrameFailure {
			c.logger.Warn("unexpected frame type", slog.Int("type", int(f.typ)))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.id]
		delete(c.pending, f.id)
		c.mu.Unlock()
		if !ok {
			// caller gave up
			continue
		}
		ch <- f
	}
}

// fail records the first terminal error and releases every pending call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.pending = make(map[uint32]chan frame)
	close(c.done)
}

// Package nats carries binder transactions over NATS request/reply.
//
// Each service hosted by a bridge node listens on its own subject:
//
//	rmm.bridge.<node>.<service>
//
// A request message body is a binder request envelope and the reply body
// is the encoded reply envelope. Connections authenticate with an NKey
// seed when one is configured.
//
// Usage:
//
//	conn, err := nats.Connect(cfg, "rmm-bridge", logger)
//	defer conn.Close()
//	remote, err := activity.Bind(ctx, conn.Handle(cfg.NodeID, activity.ServiceName))
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// SubjectPrefix is the root of every bridge subject.
const SubjectPrefix = "rmm.bridge"

// Config holds NATS connection configuration.
type Config struct {
	Servers  string // Comma-separated list of NATS server URLs
	NKeySeed string // NKey seed for authentication (starts with SU), optional
	NodeID   string // Node ID for subject routing
}

// Subject returns the request subject of service on node.
func Subject(node, service string) string {
	return SubjectPrefix + "." + node + "." + service
}

// validToken reports whether s can be used as a single subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// Conn is a NATS connection used by both the bridge client and the helper.
type Conn struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect establishes a connection to the NATS servers in cfg.
func Connect(cfg Config, name string, logger *slog.Logger) (*Conn, error) {
	c := &Conn{logger: logger.With(slog.String("component", "nats"))}

	opts, err := c.options(cfg, name)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.Servers, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	c.nc = nc
	c.connected = true

	c.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("node_id", cfg.NodeID),
	)
	return c, nil
}

// options builds the connection options, including NKey authentication.
func (c *Conn) options(cfg Config, name string) ([]nats.Option, error) {
	if cfg.Servers == "" {
		return nil, errors.New("no NATS servers configured")
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s-%s", name, cfg.NodeID)),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.setConnected(false)
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setConnected(true)
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			// sub can be nil for connection-level errors
			if sub != nil {
				c.logger.Error("NATS error",
					slog.String("error", err.Error()),
					slog.String("subject", sub.Subject),
				)
			} else {
				c.logger.Error("NATS error", slog.String("error", err.Error()))
			}
		}),
	}

	if cfg.NKeySeed != "" {
		kp, err := nkeys.FromSeed([]byte(cfg.NKeySeed))
		if err != nil {
			return nil, fmt.Errorf("invalid nkey seed: %w", err)
		}
		pubKey, err := kp.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		opts = append(opts, nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}))
	}

	return opts, nil
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// IsConnected returns whether the connection is currently up.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.nc != nil && c.nc.IsConnected()
}

// Handle returns the endpoint handle of service on node.
func (c *Conn) Handle(node, service string) binder.Handle {
	subject := Subject(node, service)
	return binder.EnvelopeHandle(service, func(ctx context.Context, req []byte) ([]byte, error) {
		msg, err := c.nc.RequestWithContext(ctx, subject, req)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", subject, err)
		}
		return msg.Data, nil
	})
}

// Close drains and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	err := c.nc.Drain()
	c.nc = nil
	c.connected = false
	return err
}

// Shutdown implements the shutdown.Shutdowner interface.
func (c *Conn) Shutdown(ctx context.Context) error {
	return c.Close()
}

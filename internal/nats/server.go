package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// TransportName identifies this transport in caller identities.
const TransportName = "nats"

// remoteCaller is the identity of NATS callers. They hold the NKey the
// server accepted, so they act with the helper's full authority.
var remoteCaller = binder.Caller{UID: 0, PID: 0, Transport: TransportName}

// Server answers bridge requests for one node.
type Server struct {
	conn    *Conn
	node    string
	handler binder.EnvelopeServer
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server that answers requests addressed to node.
func NewServer(conn *Conn, node string, handler binder.EnvelopeServer, logger *slog.Logger) *Server {
	return &Server{
		conn:    conn,
		node:    node,
		handler: handler,
		logger:  logger.With(slog.String("component", "nats_server")),
	}
}

// Serve subscribes to the subject of every service and answers requests
// until ctx is cancelled. Requests are dispatched concurrently.
func (s *Server) Serve(ctx context.Context, services []string) error {
	if !validToken(s.node) {
		return fmt.Errorf("invalid node id %q", s.node)
	}
	for _, service := range services {
		if !validToken(service) {
			return fmt.Errorf("invalid service name %q", service)
		}
	}

	subs := make([]*nats.Subscription, 0, len(services))
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		s.stop()
	}()

	for _, service := range services {
		subject := Subject(s.node, service)
		sub, err := s.conn.nc.Subscribe(subject, func(msg *nats.Msg) {
			s.dispatch(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	s.logger.Info("NATS subscriptions ready",
		slog.String("node_id", s.node),
		slog.Any("services", services),
	)

	<-ctx.Done()
	return nil
}

// dispatch answers msg in its own goroutine. It reports false once the
// server has stopped.
func (s *Server) dispatch(ctx context.Context, msg *nats.Msg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleMsg(ctx, msg)
	}()
	return true
}

// stop refuses further dispatches and waits for in-flight ones.
func (s *Server) stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleMsg(ctx context.Context, msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Warn("dropping request without reply subject", slog.String("subject", msg.Subject))
		return
	}
	if err := msg.Respond(s.reply(ctx, msg.Data)); err != nil {
		s.logger.Warn("failed to respond",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) reply(ctx context.Context, req []byte) []byte {
	return s.handler.ServeEnvelope(binder.WithCaller(ctx, remoteCaller), req)
}

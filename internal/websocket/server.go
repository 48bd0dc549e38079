package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// TransportName identifies this transport in caller identities.
const TransportName = "websocket"

// remoteCaller is the identity of WebSocket callers. They hold the bearer
// token, so they act with the helper's full authority.
var remoteCaller = binder.Caller{UID: 0, PID: 0, Transport: TransportName}

const writeTimeout = 10 * time.Second

// Server upgrades requests on Path and answers every binary message with
// the reply of a binder.EnvelopeServer.
type Server struct {
	handler  binder.EnvelopeServer
	token    string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ErrTokenRequired is returned by NewServer for an empty bearer token.
var ErrTokenRequired = errors.New("websocket: bearer token is required")

// NewServer creates the WebSocket handler. The token is required as a bearer
// token on the upgrade request; an empty token is rejected.
func NewServer(handler binder.EnvelopeServer, token string, logger *slog.Logger) (*Server, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	return &Server{
		handler: handler,
		token:   token,
		logger:  logger.With(slog.String("component", "websocket_server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	s.logger.Debug("websocket connection accepted", slog.String("remote", r.RemoteAddr))
	s.serveConn(conn)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) serveConn(conn *websocket.Conn) {
	conn.SetReadLimit(MaxMessageSize + idSize)

	ctx, cancel := context.WithCancel(binder.WithCaller(context.Background(), remoteCaller))

	var writeMu sync.Mutex
	send := func(msg []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			s.logger.Debug("failed to write reply", slog.String("error", err.Error()))
		}
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()
	// in-flight calls see a cancelled context before the wait
	defer cancel()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			s.logger.Debug("ignoring non-binary websocket message", slog.Int("message_type", messageType))
			continue
		}
		if len(data) < idSize {
			s.logger.Warn("closing connection: message without request id")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseProtocolError, "missing request id"),
				time.Now().Add(time.Second))
			return
		}

		inflight.Add(1)
		go func(data []byte) {
			defer inflight.Done()
			reply := s.handler.ServeEnvelope(ctx, data[idSize:])
			msg := make([]byte, idSize, idSize+len(reply))
			copy(msg, data[:idSize])
			send(append(msg, reply...))
		}(data)
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.wg.Done()
}

// Shutdown closes every open connection and waits for their handlers.
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestID returns the request id prefix of a message.
func requestID(msg []byte) uint32 {
	return binary.LittleEndian.Uint32(msg[:idSize])
}

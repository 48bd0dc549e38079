package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// TransportName identifies this transport in caller identities.
const TransportName = "unix"

// Server accepts helper connections and hands every request envelope to a
// binder.EnvelopeServer. Requests on one connection are dispatched
// concurrently.
type Server struct {
	handler binder.EnvelopeServer
	allowed map[uint32]bool
	selfUID uint32
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewServer creates a server. Root and the helper's own uid may always
// connect; allowedUIDs lists the additional uids that may.
func NewServer(handler binder.EnvelopeServer, allowedUIDs []uint32, logger *slog.Logger) *Server {
	allowed := make(map[uint32]bool, len(allowedUIDs))
	for _, uid := range allowedUIDs {
		allowed[uid] = true
	}
	return &Server{
		handler: handler,
		allowed: allowed,
		selfUID: uint32(os.Getuid()),
		logger:  logger.With(slog.String("component", "helper_server")),
	}
}

// Listen creates the socket directory, removes a stale socket and listens
// on socketPath.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	// Access is decided per connection from peer credentials
	if err := os.Chmod(socketPath, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// It waits for open connections to finish before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("helper listening", slog.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	caller, err := peerCredentials(conn)
	if err != nil {
		s.logger.Error("failed to read peer credentials", slog.String("error", err.Error()))
		return
	}
	if !s.authorized(uint32(caller.UID)) {
		s.logger.Warn("rejected connection",
			slog.Int("uid", int(caller.UID)),
			slog.Int("pid", int(caller.PID)),
		)
		return
	}

	s.logger.Debug("connection accepted",
		slog.Int("uid", int(caller.UID)),
		slog.Int("pid", int(caller.PID)),
	)

	connCtx, cancel := context.WithCancel(binder.WithCaller(ctx, caller))
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var writeMu sync.Mutex
	send := func(f frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeFrame(conn, f); err != nil {
			var fe *FrameError
			if errors.As(err, &fe) && fe.Kind == FrameErrorTooLarge {
				writeFrame(conn, frame{typ: FrameFailure, id: f.id, body: []byte(fe.Msg)})
				return
			}
			s.logger.Debug("failed to write frame", slog.String("error", err.Error()))
		}
	}

	var inflight sync.WaitGroup
	for {
		f, err := readFrame(conn)
		if err != nil {
			if err != io.EOF && connCtx.Err() == nil {
				s.logger.Warn("closing connection", slog.String("error", err.Error()))
			}
			break
		}
		if f.typ != FrameRequest {
			send(frame{typ: FrameFailure, id: f.id, body: []byte(fmt.Sprintf("unexpected frame type %d", f.typ))})
			continue
		}

		inflight.Add(1)
		go func(f frame) {
			defer inflight.Done()
			reply := s.handler.ServeEnvelope(connCtx, f.body)
			send(frame{typ: FrameResponse, id: f.id, body: reply})
		}(f)
	}

	cancel()
	inflight.Wait()
}

func (s *Server) authorized(uid uint32) bool {
	return uid == 0 || uid == s.selfUID || s.allowed[uid]
}

// peerCredentials reads SO_PEERCRED from a Unix socket connection.
func peerCredentials(conn net.Conn) (binder.Caller, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return binder.Caller{}, fmt.Errorf("not a unix socket connection: %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return binder.Caller{}, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return binder.Caller{}, err
	}
	if credErr != nil {
		return binder.Caller{}, credErr
	}

	return binder.Caller{UID: int32(cred.Uid), PID: cred.Pid, Transport: TransportName}, nil
}

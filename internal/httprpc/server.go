package httprpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

// TransportName identifies this transport in caller identities.
const TransportName = "http"

// remoteCaller is the identity of HTTP callers. They hold the bearer token,
// so they act with the helper's full authority.
var remoteCaller = binder.Caller{UID: 0, PID: 0, Transport: TransportName}

// Server exposes a binder.EnvelopeServer over HTTP.
type Server struct {
	handler binder.EnvelopeServer
	token   string
	logger  *slog.Logger
	mux     *http.ServeMux
}

// ErrTokenRequired is returned by NewServer for an empty bearer token.
var ErrTokenRequired = errors.New("httprpc: bearer token is required")

// NewServer creates the HTTP handler. The token is required as a bearer
// token on every request; an empty token is rejected.
func NewServer(handler binder.EnvelopeServer, token string, logger *slog.Logger) (*Server, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	s := &Server{
		handler: handler,
		token:   token,
		logger:  logger.With(slog.String("component", "httprpc_server")),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("POST "+TransactPath+"{service}", s.handleTransact)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleTransact(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	txn, err := decodeBody(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	service := r.PathValue("service")
	ctx := binder.WithCaller(r.Context(), remoteCaller)
	reply := s.handler.ServeEnvelope(ctx, binder.EncodeRequest(service, txn))

	w.Header().Set("Content-Type", ContentType)
	if _, err := w.Write(reply); err != nil {
		s.logger.Debug("failed to write reply",
			slog.String("service", service),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts the
// server down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

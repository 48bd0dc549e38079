package binder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// EnvelopeServer answers encoded request envelopes. *ServiceManager is the
// implementation every transport server is given.
type EnvelopeServer interface {
	ServeEnvelope(ctx context.Context, req []byte) []byte
}

var _ EnvelopeServer = (*ServiceManager)(nil)

// ServiceManager maps service names to local handles. Every transport server
// hands decoded envelopes to one ServiceManager.
type ServiceManager struct {
	mu       sync.RWMutex
	services map[string]Handle
	logger   *slog.Logger
}

// NewServiceManager creates an empty registry.
func NewServiceManager(logger *slog.Logger) *ServiceManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ServiceManager{
		services: make(map[string]Handle),
		logger:   logger.With(slog.String("component", "service_manager")),
	}
}

// Register publishes h under name. Names are unique.
func (m *ServiceManager) Register(name string, h Handle) error {
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if h == nil {
		return fmt.Errorf("service %s: nil handle", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}
	m.services[name] = h
	m.logger.Info("service registered", slog.String("service", name))
	return nil
}

// Lookup returns the handle registered under name.
func (m *ServiceManager) Lookup(name string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.services[name]
	return h, ok
}

// Services lists registered names in sorted order.
func (m *ServiceManager) Services() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dispatch routes txn to the named service. It always produces a reply.
func (m *ServiceManager) Dispatch(ctx context.Context, service string, txn Transaction) Reply {
	h, ok := m.Lookup(service)
	if !ok {
		m.logger.Warn("transaction for unknown service",
			slog.String("service", service),
			slog.String("code", txn.Code.String()),
		)
		return protocolReply(ReasonUnknownService, "no service named "+service)
	}

	rep, err := h.Transact(ctx, txn)
	if err != nil {
		m.logger.Error("service did not answer",
			slog.String("service", service),
			slog.String("error", err.Error()),
		)
		return protocolReply(ReasonServiceUnavailable, service+": "+err.Error())
	}
	return rep
}

// ServeEnvelope decodes a request envelope, dispatches it and returns the
// encoded reply envelope. Transport servers call this for every request.
func (m *ServiceManager) ServeEnvelope(ctx context.Context, req []byte) []byte {
	service, txn, err := DecodeRequest(req)
	if err != nil {
		m.logger.Warn("malformed request envelope", slog.String("error", err.Error()))
		return EncodeReply(protocolReply(ReasonMalformedPayload, "envelope: "+err.Error()))
	}
	return EncodeReply(m.Dispatch(ctx, service, txn))
}

// Handle returns an in-process handle for a named service. Payloads are
// copied in both directions, so the caller shares no memory with the stub.
func (m *ServiceManager) Handle(service string) Handle {
	return HandleFunc(func(ctx context.Context, txn Transaction) (Reply, error) {
		req := EncodeRequest(service, txn)
		return DecodeReply(m.ServeEnvelope(ctx, req))
	})
}

// EnvelopeFunc carries one encoded request envelope to a remote service
// manager and returns the encoded reply envelope.
type EnvelopeFunc func(ctx context.Context, req []byte) ([]byte, error)

// EnvelopeHandle builds the Handle for a named remote service on top of an
// envelope round trip. Transport clients use it to expose their services.
func EnvelopeHandle(service string, roundTrip EnvelopeFunc) Handle {
	return HandleFunc(func(ctx context.Context, txn Transaction) (Reply, error) {
		resp, err := roundTrip(ctx, EncodeRequest(service, txn))
		if err != nil {
			return Reply{}, err
		}
		rep, err := DecodeReply(resp)
		if err != nil {
			return Reply{}, &TransportError{Op: "decode reply", Err: err}
		}
		return rep, nil
	})
}

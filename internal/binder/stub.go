package binder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// Call is the second phase of dispatch: it invokes the implementation with
// already-decoded arguments and encodes the result into out.
type Call func(ctx context.Context, out *parcel.Writer) error

// Decoder is the first phase of dispatch: it decodes the arguments of one
// operation from in and returns the Call that will run it. A Decoder must not
// have side effects; any error it returns is reported as a protocol error.
type Decoder func(in *parcel.Reader) (Call, error)

// StubOption configures a Stub.
type StubOption func(*Stub)

// WithLogger sets the stub's logger.
func WithLogger(logger *slog.Logger) StubOption {
	return func(s *Stub) { s.logger = logger }
}

// WithObserver adds an observer notified after every transaction.
func WithObserver(o Observer) StubOption {
	return func(s *Stub) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// Stub is the callee-side dispatcher for one contract. It is stateless
// plumbing: every transaction is decoded, dispatched and encoded on its own,
// so a Stub may serve concurrent transactions. The only side effects happen
// inside the implementation reached through the Decoder table.
//
// A Stub implements Handle, which makes it the in-process variant of the
// contract: a proxy bound directly to a Stub behaves exactly as one bound
// through a transport.
type Stub struct {
	contract  *Contract
	decoders  map[Code]Decoder
	logger    *slog.Logger
	observers []Observer
}

// NewStub builds a stub. Every method in the contract must have exactly one
// decoder, and no decoder may exist for an ordinal outside the contract.
func NewStub(contract *Contract, decoders map[Code]Decoder, opts ...StubOption) (*Stub, error) {
	for _, m := range contract.Methods {
		if decoders[m.Code] == nil {
			return nil, fmt.Errorf("%s: no decoder for %s (ordinal %d)", contract.Descriptor, m.Name, m.Code)
		}
	}
	for code := range decoders {
		if _, ok := contract.Method(code); !ok {
			return nil, fmt.Errorf("%s: decoder registered for undeclared ordinal %d", contract.Descriptor, code)
		}
	}

	s := &Stub{
		contract: contract,
		decoders: decoders,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("contract", contract.Descriptor))
	return s, nil
}

// Contract returns the contract this stub serves.
func (s *Stub) Contract() *Contract {
	return s.contract
}

// Transact dispatches one transaction. It never returns an error: every
// failure is encoded into the reply.
func (s *Stub) Transact(ctx context.Context, txn Transaction) (Reply, error) {
	start := time.Now()
	rep, err := s.dispatch(ctx, txn)

	ev := Event{
		Descriptor: s.contract.Descriptor,
		Method:     s.contract.methodName(txn.Code),
		Code:       txn.Code,
		Status:     rep.Status,
		Duration:   time.Since(start),
		Err:        err,
	}
	ev.Caller, ev.HasCaller = CallerFrom(ctx)
	for _, o := range s.observers {
		o.ObserveTransaction(ctx, ev)
	}

	if txn.Flags&FlagOneWay != 0 && rep.Status == StatusOK {
		rep.Data = nil
	}
	return rep, nil
}

func (s *Stub) dispatch(ctx context.Context, txn Transaction) (Reply, error) {
	switch txn.Code {
	case InterfaceTransaction:
		w := parcel.NewWriter()
		w.WriteString(s.contract.Descriptor)
		w.WriteInt32(s.contract.Version)
		return Reply{Status: StatusOK, Data: w.Bytes()}, nil
	case PingTransaction:
		return Reply{Status: StatusOK}, nil
	}

	method, ok := s.contract.Method(txn.Code)
	if !ok {
		err := &ProtocolError{Reason: ReasonUnknownTransaction, Code: txn.Code}
		s.logger.Warn("rejected unknown transaction", slog.Uint64("code", uint64(txn.Code)))
		return protocolReply(ReasonUnknownTransaction, fmt.Sprintf("unknown ordinal %d", txn.Code)), err
	}

	in := parcel.NewReader(txn.Data)
	token, err := in.ReadString()
	if err != nil {
		s.logger.Warn("malformed interface token",
			slog.String("method", method.Name),
			slog.String("error", err.Error()),
		)
		return protocolReply(ReasonMalformedPayload, "interface token: "+err.Error()), err
	}
	if token != s.contract.Descriptor {
		err := &ProtocolError{Reason: ReasonInterfaceMismatch, Code: txn.Code, Message: token}
		s.logger.Warn("interface token mismatch",
			slog.String("method", method.Name),
			slog.String("token", token),
		)
		return protocolReply(ReasonInterfaceMismatch, fmt.Sprintf("expected %s, got %s", s.contract.Descriptor, token)), err
	}

	call, err := s.decoders[txn.Code](in)
	if err == nil {
		err = in.Finish()
	}
	if err != nil {
		s.logger.Warn("malformed arguments",
			slog.String("method", method.Name),
			slog.String("error", err.Error()),
		)
		return protocolReply(ReasonMalformedPayload, method.Name+": "+err.Error()), err
	}

	out := parcel.NewWriter()
	if err := s.invoke(ctx, method, call, out); err != nil {
		var appErr *ApplicationError
		if !errors.As(err, &appErr) {
			appErr = &ApplicationError{Kind: KindInternal, Message: err.Error()}
		}
		s.logger.Debug("implementation failed",
			slog.String("method", method.Name),
			slog.String("kind", appErr.Kind.String()),
			slog.String("error", appErr.Message),
		)
		return applicationReply(appErr), err
	}

	s.logger.Debug("transaction complete",
		slog.String("method", method.Name),
		slog.Int("reply_bytes", out.Len()),
	)
	return Reply{Status: StatusOK, Data: out.Bytes()}, nil
}

// invoke runs the implementation, converting a panic into an internal
// application error so one bad call cannot take down the dispatch loop.
func (s *Stub) invoke(ctx context.Context, method Method, call Call, out *parcel.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("implementation panicked",
				slog.String("method", method.Name),
				slog.Any("panic", r),
			)
			err = &ApplicationError{Kind: KindInternal, Message: fmt.Sprintf("panic in %s: %v", method.Name, r)}
		}
	}()
	return call(ctx, out)
}

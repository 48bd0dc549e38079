package binder

import (
	"errors"
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// ProtocolReason classifies protocol-level failures.
type ProtocolReason int32

const (
	ReasonUnknown ProtocolReason = iota
	// ReasonUnknownTransaction: the ordinal is not part of the contract.
	ReasonUnknownTransaction
	// ReasonMalformedPayload: arguments could not be decoded.
	ReasonMalformedPayload
	// ReasonInterfaceMismatch: the request carried another contract's token.
	ReasonInterfaceMismatch
	// ReasonUnknownService: no service is registered under the requested name.
	ReasonUnknownService
	// ReasonContractMismatch: binding found a different contract identity.
	ReasonContractMismatch
	// ReasonMalformedReply: the reply could not be decoded by the caller.
	ReasonMalformedReply
	// ReasonServiceUnavailable: the service is registered but did not answer.
	ReasonServiceUnavailable
)

func (r ProtocolReason) String() string {
	switch r {
	case ReasonUnknownTransaction:
		return "unknown_transaction"
	case ReasonMalformedPayload:
		return "malformed_payload"
	case ReasonInterfaceMismatch:
		return "interface_mismatch"
	case ReasonUnknownService:
		return "unknown_service"
	case ReasonContractMismatch:
		return "contract_mismatch"
	case ReasonMalformedReply:
		return "malformed_reply"
	case ReasonServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// Sentinel protocol errors for errors.Is.
var (
	ErrContractMismatch   = errors.New("binder: contract mismatch")
	ErrUnknownTransaction = errors.New("binder: unknown transaction")
)

// ProtocolError is a marshaling failure: unknown ordinal, malformed payload,
// or a contract identity mismatch. It is fatal to the single call.
type ProtocolError struct {
	Reason  ProtocolReason
	Code    Code
	Message string
	// Remote is true when the error was reported by the other side.
	Remote bool
	Err    error
}

func (e *ProtocolError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	msg := fmt.Sprintf("binder: %s protocol error (%s) on code %s", side, e.Reason, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	switch target {
	case ErrContractMismatch:
		return e.Reason == ReasonContractMismatch
	case ErrUnknownTransaction:
		return e.Reason == ReasonUnknownTransaction
	}
	return false
}

// ErrorKind classifies application failures so callers can branch on them.
type ErrorKind int32

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindNotFound
	KindInvalidArgument
	KindUnsupported
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnsupported:
		return "unsupported"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ApplicationError is a typed failure signaled by a remote implementation.
type ApplicationError struct {
	Kind    ErrorKind
	Message string
}

// Kind sentinels; errors.Is matches any ApplicationError of the same kind.
var (
	ErrPermissionDenied = &ApplicationError{Kind: KindPermissionDenied}
	ErrNotFound         = &ApplicationError{Kind: KindNotFound}
	ErrInvalidArgument  = &ApplicationError{Kind: KindInvalidArgument}
	ErrUnsupported      = &ApplicationError{Kind: KindUnsupported}
	ErrInternal         = &ApplicationError{Kind: KindInternal}
)

// NewApplicationError builds an application failure of the given kind.
func NewApplicationError(kind ErrorKind, format string, args ...any) *ApplicationError {
	return &ApplicationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return "binder: " + e.Kind.String()
	}
	return fmt.Sprintf("binder: %s: %s", e.Kind, e.Message)
}

func (e *ApplicationError) Is(target error) bool {
	t, ok := target.(*ApplicationError)
	return ok && t.Kind == e.Kind
}

// TransportError wraps a failure of the underlying channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("binder: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsApplicationError reports whether err is or wraps an *ApplicationError.
func IsApplicationError(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae)
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// KindOf returns the application error kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ae *ApplicationError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// protocolReply encodes a protocol error reply: int32 reason, string message.
func protocolReply(reason ProtocolReason, msg string) Reply {
	w := parcel.NewWriter()
	w.WriteInt32(int32(reason))
	w.WriteString(msg)
	return Reply{Status: StatusProtocolError, Data: w.Bytes()}
}

// applicationReply encodes an application error reply: int32 kind, string message.
func applicationReply(e *ApplicationError) Reply {
	w := parcel.NewWriter()
	w.WriteInt32(int32(e.Kind))
	w.WriteString(e.Message)
	return Reply{Status: StatusApplicationError, Data: w.Bytes()}
}

// errorFromReply turns a non-OK reply into the matching typed error.
func errorFromReply(code Code, rep Reply) error {
	r := parcel.NewReader(rep.Data)
	n, err := r.ReadInt32()
	if err != nil {
		return &ProtocolError{Reason: ReasonMalformedReply, Code: code, Err: err}
	}
	msg, err := r.ReadString()
	if err != nil {
		return &ProtocolError{Reason: ReasonMalformedReply, Code: code, Err: err}
	}

	switch rep.Status {
	case StatusProtocolError:
		return &ProtocolError{Reason: ProtocolReason(n), Code: code, Message: msg, Remote: true}
	case StatusApplicationError:
		return &ApplicationError{Kind: ErrorKind(n), Message: msg}
	default:
		return &ProtocolError{
			Reason:  ReasonMalformedReply,
			Code:    code,
			Message: fmt.Sprintf("unexpected reply status %s", rep.Status),
		}
	}
}

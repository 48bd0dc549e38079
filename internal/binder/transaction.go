// Package binder implements the remote interface marshaling core of the
// bridge: transactions, interface contracts with stable ordinals, the
// callee-side Stub dispatcher and the caller-side Remote proxy.
//
// A contract is declared once. Its Stub decodes incoming transactions and
// invokes a local implementation; its proxy encodes typed calls into
// transactions and sends them through a Handle. Both sides implement the same
// Go interface, so callers never know which variant they hold.
//
// Transaction flow:
//
//	proxy -> Remote.Call -> Handle.Transact -> (transport) -> ServiceManager
//	      -> Stub.Transact -> handler -> implementation
//
// The core adds no retries and no timeouts; the context is handed to the
// transport, which owns deadlines.
package binder

import (
	"context"
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// Code is the ordinal that identifies an operation within a contract.
type Code uint32

// Ordinal ranges and reserved meta transactions.
const (
	FirstCallTransaction Code = 0x00000001
	LastCallTransaction  Code = 0x00ffffff

	// PingTransaction checks that the endpoint is alive.
	PingTransaction Code = '_'<<24 | 'P'<<16 | 'N'<<8 | 'G'
	// InterfaceTransaction returns the contract descriptor and version.
	InterfaceTransaction Code = '_'<<24 | 'N'<<16 | 'T'<<8 | 'F'
)

func (c Code) String() string {
	switch c {
	case PingTransaction:
		return "PING"
	case InterfaceTransaction:
		return "INTERFACE"
	default:
		return fmt.Sprintf("%d", uint32(c))
	}
}

// Flags modify how a transaction is delivered.
type Flags uint32

// FlagOneWay marks a call whose reply carries no result.
const FlagOneWay Flags = 0x01

// Status is the outcome class carried by every reply.
type Status uint8

const (
	StatusOK               Status = 0
	StatusProtocolError    Status = 1
	StatusApplicationError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusProtocolError:
		return "protocol_error"
	case StatusApplicationError:
		return "application_error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Transaction is one request crossing the process boundary.
type Transaction struct {
	Code  Code
	Flags Flags
	Data  []byte
}

// Reply is the single response paired with a Transaction.
type Reply struct {
	Status Status
	Data   []byte
}

// Handle is an endpoint that accepts transactions. Transports produce
// handles for remote endpoints; a *Stub is a handle for a local one.
//
// Transact returns an error only for transport failures. Protocol and
// application failures travel inside the Reply.
type Handle interface {
	Transact(ctx context.Context, txn Transaction) (Reply, error)
}

// HandleFunc adapts a function to Handle.
type HandleFunc func(ctx context.Context, txn Transaction) (Reply, error)

func (f HandleFunc) Transact(ctx context.Context, txn Transaction) (Reply, error) {
	return f(ctx, txn)
}

// EncodeRequest builds the transport envelope for a transaction addressed
// to a named service: service string, uint32 code, uint32 flags, payload.
func EncodeRequest(service string, txn Transaction) []byte {
	w := parcel.NewWriter()
	w.WriteString(service)
	w.WriteUint32(uint32(txn.Code))
	w.WriteUint32(uint32(txn.Flags))
	return append(w.Bytes(), txn.Data...)
}

// DecodeRequest parses a transport envelope. The returned payload is a copy.
func DecodeRequest(b []byte) (string, Transaction, error) {
	r := parcel.NewReader(b)
	service, err := r.ReadString()
	if err != nil {
		return "", Transaction{}, fmt.Errorf("request service: %w", err)
	}
	code, err := r.ReadUint32()
	if err != nil {
		return "", Transaction{}, fmt.Errorf("request code: %w", err)
	}
	flags, err := r.ReadUint32()
	if err != nil {
		return "", Transaction{}, fmt.Errorf("request flags: %w", err)
	}
	data := append([]byte(nil), b[r.Offset():]...)
	return service, Transaction{Code: Code(code), Flags: Flags(flags), Data: data}, nil
}

// EncodeReply builds the transport envelope for a reply: status byte, payload.
func EncodeReply(rep Reply) []byte {
	out := make([]byte, 0, 1+len(rep.Data))
	out = append(out, byte(rep.Status))
	return append(out, rep.Data...)
}

// DecodeReply parses a reply envelope. The returned payload is a copy.
func DecodeReply(b []byte) (Reply, error) {
	if len(b) < 1 {
		return Reply{}, &parcel.DecodeError{
			Kind: parcel.DecodeErrorTruncated,
			Msg:  "empty reply envelope",
			Need: 1,
		}
	}
	return Reply{Status: Status(b[0]), Data: append([]byte(nil), b[1:]...)}, nil
}

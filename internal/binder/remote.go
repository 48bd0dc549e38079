package binder

import (
	"context"
	"errors"
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// Remote is the caller-side half of a contract: it turns typed calls into
// transactions and replies back into results or typed errors. Contract
// packages embed a *Remote in their proxies.
//
// A Remote is safe for concurrent use when its Handle is; each call is an
// independent transaction/reply pair.
type Remote struct {
	handle   Handle
	contract *Contract
}

// Bind verifies that h serves contract and returns a Remote for it.
// An endpoint with a different descriptor or version, or one that does not
// answer the interface query, yields a *ProtocolError matching
// ErrContractMismatch. A transport failure yields a *TransportError.
func Bind(ctx context.Context, h Handle, contract *Contract) (*Remote, error) {
	if h == nil {
		return nil, &ProtocolError{
			Reason:  ReasonContractMismatch,
			Code:    InterfaceTransaction,
			Message: "nil endpoint handle",
		}
	}

	rep, err := h.Transact(ctx, Transaction{Code: InterfaceTransaction})
	if err != nil {
		return nil, asTransportError("bind "+contract.Descriptor, err)
	}
	if rep.Status != StatusOK {
		return nil, &ProtocolError{
			Reason:  ReasonContractMismatch,
			Code:    InterfaceTransaction,
			Message: "endpoint refused interface query for " + contract.String(),
			Err:     errorFromReply(InterfaceTransaction, rep),
		}
	}

	r := parcel.NewReader(rep.Data)
	descriptor, err := r.ReadString()
	if err != nil {
		return nil, &ProtocolError{Reason: ReasonContractMismatch, Code: InterfaceTransaction, Err: err}
	}
	version, err := r.ReadInt32()
	if err != nil {
		return nil, &ProtocolError{Reason: ReasonContractMismatch, Code: InterfaceTransaction, Err: err}
	}

	if descriptor != contract.Descriptor || version != contract.Version {
		return nil, &ProtocolError{
			Reason:  ReasonContractMismatch,
			Code:    InterfaceTransaction,
			Message: fmt.Sprintf("endpoint implements %s@v%d, want %s", descriptor, version, contract),
		}
	}
	return &Remote{handle: h, contract: contract}, nil
}

// Contract returns the bound contract.
func (r *Remote) Contract() *Contract {
	return r.contract
}

// Ping checks that the endpoint still answers.
func (r *Remote) Ping(ctx context.Context) error {
	rep, err := r.handle.Transact(ctx, Transaction{Code: PingTransaction})
	if err != nil {
		return asTransportError("ping", err)
	}
	if rep.Status != StatusOK {
		return errorFromReply(PingTransaction, rep)
	}
	return nil
}

// Call performs one operation. write encodes the arguments (the interface
// token is written first automatically); read decodes the result. read runs
// only for successful replies, and the call fails with a protocol error if
// the reply has bytes left over, so callers must publish what read decoded
// only when Call returns nil.
func (r *Remote) Call(ctx context.Context, code Code, write func(*parcel.Writer), read func(*parcel.Reader) error) error {
	method, ok := r.contract.Method(code)
	if !ok {
		return &ProtocolError{
			Reason:  ReasonUnknownTransaction,
			Code:    code,
			Message: "ordinal not declared by " + r.contract.String(),
		}
	}

	w := parcel.NewWriter()
	w.WriteString(r.contract.Descriptor)
	if write != nil {
		write(w)
	}

	txn := Transaction{Code: code, Data: w.Bytes()}
	if method.OneWay {
		txn.Flags |= FlagOneWay
	}

	rep, err := r.handle.Transact(ctx, txn)
	if err != nil {
		return asTransportError(method.Name, err)
	}
	if rep.Status != StatusOK {
		return errorFromReply(code, rep)
	}
	if method.OneWay {
		return nil
	}

	in := parcel.NewReader(rep.Data)
	if read != nil {
		if err := read(in); err != nil {
			return &ProtocolError{Reason: ReasonMalformedReply, Code: code, Message: method.Name, Err: err}
		}
	}
	if err := in.Finish(); err != nil {
		return &ProtocolError{Reason: ReasonMalformedReply, Code: code, Message: method.Name, Err: err}
	}
	return nil
}

func asTransportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

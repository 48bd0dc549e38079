package binder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	codeEcho Code = FirstCallTransaction + iota
	codeFail
	codePanic
	codeNotify
)

var echoContract = MustContract("test.IEcho", 3,
	Method{Name: "echo", Code: codeEcho},
	Method{Name: "fail", Code: codeFail},
	Method{Name: "panic", Code: codePanic},
	Method{Name: "notify", Code: codeNotify, OneWay: true},
)

type echoServer struct {
	mu       sync.Mutex
	calls    map[string]int
	notified []string
}

func (e *echoServer) record(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = make(map[string]int)
	}
	e.calls[name]++
}

func (e *echoServer) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[name]
}

func newEchoStub(t *testing.T, srv *echoServer, opts ...StubOption) *Stub {
	t.Helper()
	stub, err := NewStub(echoContract, map[Code]Decoder{
		codeEcho: func(in *parcel.Reader) (Call, error) {
			s, err := in.ReadString()
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				srv.record("echo")
				out.WriteString(s)
				return nil
			}, nil
		},
		codeFail: func(in *parcel.Reader) (Call, error) {
			kind, err := in.ReadInt32()
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				srv.record("fail")
				if kind < 0 {
					return errors.New("plain failure")
				}
				return NewApplicationError(ErrorKind(kind), "failed with kind %d", kind)
			}, nil
		},
		codePanic: func(in *parcel.Reader) (Call, error) {
			return func(ctx context.Context, out *parcel.Writer) error {
				srv.record("panic")
				panic("boom")
			}, nil
		},
		codeNotify: func(in *parcel.Reader) (Call, error) {
			s, err := in.ReadString()
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				srv.mu.Lock()
				srv.notified = append(srv.notified, s)
				srv.mu.Unlock()
				out.WriteString("ignored")
				return nil
			}, nil
		},
	}, append([]StubOption{WithLogger(nopLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewStub: %v", err)
	}
	return stub
}

func echo(ctx context.Context, r *Remote, s string) (string, error) {
	var got string
	err := r.Call(ctx, codeEcho,
		func(w *parcel.Writer) { w.WriteString(s) },
		func(in *parcel.Reader) error {
			var err error
			got, err = in.ReadString()
			return err
		})
	if err != nil {
		return "", err
	}
	return got, nil
}

func TestNewContractValidation(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		methods    []Method
	}{
		{"empty descriptor", "", nil},
		{"zero ordinal", "x", []Method{{Name: "a", Code: 0}}},
		{"ordinal above range", "x", []Method{{Name: "a", Code: LastCallTransaction + 1}}},
		{"meta ordinal", "x", []Method{{Name: "a", Code: PingTransaction}}},
		{"duplicate ordinal", "x", []Method{{Name: "a", Code: 1}, {Name: "b", Code: 1}}},
		{"duplicate name", "x", []Method{{Name: "a", Code: 1}, {Name: "a", Code: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewContract(tt.descriptor, 1, tt.methods...); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewStubRequiresCompleteDecoderTable(t *testing.T) {
	noop := func(in *parcel.Reader) (Call, error) {
		return func(context.Context, *parcel.Writer) error { return nil }, nil
	}
	c := MustContract("test.ITwo", 1, Method{Name: "a", Code: 1}, Method{Name: "b", Code: 2})

	if _, err := NewStub(c, map[Code]Decoder{1: noop}); err == nil {
		t.Error("expected error for missing decoder")
	}
	if _, err := NewStub(c, map[Code]Decoder{1: noop, 2: noop, 3: noop}); err == nil {
		t.Error("expected error for undeclared ordinal")
	}
	if _, err := NewStub(c, map[Code]Decoder{1: noop, 2: noop}); err != nil {
		t.Errorf("complete table rejected: %v", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := &echoServer{}
	remote, err := Bind(ctx, newEchoStub(t, srv), echoContract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	for _, s := range []string{"", "hello", "snowman ☃"} {
		got, err := echo(ctx, remote, s)
		if err != nil {
			t.Fatalf("echo(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("echo(%q) = %q", s, got)
		}
	}
	if n := srv.count("echo"); n != 3 {
		t.Errorf("implementation invoked %d times, want 3", n)
	}
	if err := remote.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestUnknownOrdinalIsProtocolError(t *testing.T) {
	ctx := context.Background()
	srv := &echoServer{}
	stub := newEchoStub(t, srv)

	for _, code := range []Code{0, 5, 99, LastCallTransaction} {
		w := parcel.NewWriter()
		w.WriteString(echoContract.Descriptor)
		w.WriteString("payload")

		rep, err := stub.Transact(ctx, Transaction{Code: code, Data: w.Bytes()})
		if err != nil {
			t.Fatalf("Transact: %v", err)
		}
		if rep.Status != StatusProtocolError {
			t.Fatalf("code %d: status = %s, want protocol_error", code, rep.Status)
		}
		perr := errorFromReply(code, rep)
		if !errors.Is(perr, ErrUnknownTransaction) {
			t.Errorf("code %d: error %v does not match ErrUnknownTransaction", code, perr)
		}
	}

	for _, name := range []string{"echo", "fail", "panic"} {
		if n := srv.count(name); n != 0 {
			t.Errorf("%s invoked %d times for unknown ordinals", name, n)
		}
	}
}

func TestRemoteRejectsUndeclaredOrdinalLocally(t *testing.T) {
	sent := false
	h := HandleFunc(func(ctx context.Context, txn Transaction) (Reply, error) {
		if txn.Code == InterfaceTransaction {
			w := parcel.NewWriter()
			w.WriteString(echoContract.Descriptor)
			w.WriteInt32(echoContract.Version)
			return Reply{Status: StatusOK, Data: w.Bytes()}, nil
		}
		sent = true
		return Reply{Status: StatusOK}, nil
	})

	remote, err := Bind(context.Background(), h, echoContract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	err = remote.Call(context.Background(), 42, nil, nil)
	if !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("err = %v, want ErrUnknownTransaction", err)
	}
	if sent {
		t.Error("undeclared ordinal reached the transport")
	}
}

func TestMalformedArgumentsAreProtocolErrors(t *testing.T) {
	ctx := context.Background()
	srv := &echoServer{}
	stub := newEchoStub(t, srv)

	token := parcel.NewWriter()
	token.WriteString(echoContract.Descriptor)

	trailing := parcel.NewWriter()
	trailing.WriteString(echoContract.Descriptor)
	trailing.WriteString("ok")
	trailing.WriteInt32(7)

	badLength := parcel.NewWriter()
	badLength.WriteString(echoContract.Descriptor)
	badLength.WriteInt32(1 << 20)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty payload", nil},
		{"token only", token.Bytes()},
		{"trailing arguments", trailing.Bytes()},
		{"length beyond buffer", badLength.Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := stub.Transact(ctx, Transaction{Code: codeEcho, Data: tt.data})
			if err != nil {
				t.Fatalf("Transact: %v", err)
			}
			if rep.Status != StatusProtocolError {
				t.Fatalf("status = %s, want protocol_error", rep.Status)
			}
			var perr *ProtocolError
			if !errors.As(errorFromReply(codeEcho, rep), &perr) {
				t.Fatal("reply did not decode to *ProtocolError")
			}
			if perr.Reason != ReasonMalformedPayload {
				t.Errorf("reason = %s, want malformed_payload", perr.Reason)
			}
			if !perr.Remote {
				t.Error("expected Remote to be set")
			}
		})
	}

	if n := srv.count("echo"); n != 0 {
		t.Errorf("implementation invoked %d times for malformed payloads", n)
	}
}

func TestInterfaceTokenMismatch(t *testing.T) {
	stub := newEchoStub(t, &echoServer{})

	w := parcel.NewWriter()
	w.WriteString("test.IOther")
	w.WriteString("hello")

	rep, _ := stub.Transact(context.Background(), Transaction{Code: codeEcho, Data: w.Bytes()})
	var perr *ProtocolError
	if !errors.As(errorFromReply(codeEcho, rep), &perr) {
		t.Fatalf("status %s did not decode to protocol error", rep.Status)
	}
	if perr.Reason != ReasonInterfaceMismatch {
		t.Errorf("reason = %s, want interface_mismatch", perr.Reason)
	}
}

func TestApplicationErrorsKeepTheirKind(t *testing.T) {
	ctx := context.Background()
	remote, err := Bind(ctx, newEchoStub(t, &echoServer{}), echoContract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	tests := []struct {
		name     string
		kind     int32
		sentinel error
		want     ErrorKind
	}{
		{"permission denied", int32(KindPermissionDenied), ErrPermissionDenied, KindPermissionDenied},
		{"not found", int32(KindNotFound), ErrNotFound, KindNotFound},
		{"invalid argument", int32(KindInvalidArgument), ErrInvalidArgument, KindInvalidArgument},
		{"plain error becomes internal", -1, ErrInternal, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := remote.Call(ctx, codeFail, func(w *parcel.Writer) { w.WriteInt32(tt.kind) }, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf = %s, want %s", got, tt.want)
			}
			if IsProtocolError(err) || IsTransportError(err) {
				t.Errorf("application failure misclassified: %v", err)
			}
		})
	}
}

func TestPanicIsIsolatedPerTransaction(t *testing.T) {
	ctx := context.Background()
	srv := &echoServer{}
	remote, err := Bind(ctx, newEchoStub(t, srv), echoContract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	err = remote.Call(ctx, codePanic, nil, nil)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("panic surfaced as %v, want internal application error", err)
	}

	got, err := echo(ctx, remote, "still alive")
	if err != nil || got != "still alive" {
		t.Errorf("stub unusable after panic: %q, %v", got, err)
	}
}

func TestOneWayReplyCarriesNoResult(t *testing.T) {
	ctx := context.Background()
	srv := &echoServer{}
	stub := newEchoStub(t, srv)
	remote, err := Bind(ctx, stub, echoContract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := remote.Call(ctx, codeNotify, func(w *parcel.Writer) { w.WriteString("event") }, nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(srv.notified) != 1 || srv.notified[0] != "event" {
		t.Errorf("notified = %v", srv.notified)
	}

	w := parcel.NewWriter()
	w.WriteString(echoContract.Descriptor)
	w.WriteString("raw")
	rep, _ := stub.Transact(ctx, Transaction{Code: codeNotify, Flags: FlagOneWay, Data: w.Bytes()})
	if rep.Status != StatusOK || len(rep.Data) != 0 {
		t.Errorf("one-way reply = %s with %d bytes", rep.Status, len(rep.Data))
	}
}

func TestBindRejectsMismatchedContract(t *testing.T) {
	ctx := context.Background()
	stub := newEchoStub(t, &echoServer{})

	tests := []struct {
		name     string
		contract *Contract
	}{
		{"other descriptor", MustContract("test.IOther", 3, Method{Name: "echo", Code: codeEcho})},
		{"other version", MustContract("test.IEcho", 4, Method{Name: "echo", Code: codeEcho})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote, err := Bind(ctx, stub, tt.contract)
			if remote != nil {
				t.Error("Bind returned a proxy on mismatch")
			}
			if !errors.Is(err, ErrContractMismatch) {
				t.Errorf("err = %v, want ErrContractMismatch", err)
			}
		})
	}

	t.Run("nil handle", func(t *testing.T) {
		if _, err := Bind(ctx, nil, echoContract); !errors.Is(err, ErrContractMismatch) {
			t.Errorf("err = %v, want ErrContractMismatch", err)
		}
	})

	t.Run("endpoint without interface query", func(t *testing.T) {
		mgr := NewServiceManager(nopLogger())
		_, err := Bind(ctx, mgr.Handle("missing"), echoContract)
		if !errors.Is(err, ErrContractMismatch) {
			t.Errorf("err = %v, want ErrContractMismatch", err)
		}
	})
}

func TestTransportFailuresPropagate(t *testing.T) {
	cause := errors.New("connection reset")
	h := HandleFunc(func(ctx context.Context, txn Transaction) (Reply, error) {
		return Reply{}, cause
	})

	_, err := Bind(context.Background(), h, echoContract)
	if !IsTransportError(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if !errors.Is(err, cause) {
		t.Error("transport error does not wrap the cause")
	}

	wrapped := &TransportError{Op: "dial", Err: cause}
	if got := asTransportError("call", wrapped); got != wrapped {
		t.Errorf("transport error double wrapped: %v", got)
	}
}

func TestMalformedReplyNeverPublishesResult(t *testing.T) {
	replies := map[string][]byte{}
	w := parcel.NewWriter()
	w.WriteString("value")
	w.WriteInt32(9)
	replies["trailing"] = w.Bytes()
	replies["truncated"] = []byte{5, 0, 0, 0, 'v'}

	for name, data := range replies {
		t.Run(name, func(t *testing.T) {
			h := HandleFunc(func(ctx context.Context, txn Transaction) (Reply, error) {
				if txn.Code == InterfaceTransaction {
					iw := parcel.NewWriter()
					iw.WriteString(echoContract.Descriptor)
					iw.WriteInt32(echoContract.Version)
					return Reply{Status: StatusOK, Data: iw.Bytes()}, nil
				}
				return Reply{Status: StatusOK, Data: data}, nil
			})
			remote, err := Bind(context.Background(), h, echoContract)
			if err != nil {
				t.Fatalf("Bind: %v", err)
			}
			got, err := echo(context.Background(), remote, "x")
			if got != "" {
				t.Errorf("partial result %q published", got)
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) || perr.Reason != ReasonMalformedReply {
				t.Errorf("err = %v, want malformed_reply", err)
			}
			if !errors.Is(err, parcel.ErrMalformed) {
				t.Error("malformed reply does not wrap the decode error")
			}
		})
	}
}

func TestObserversSeeEveryTransaction(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	obs := ObserverFunc(func(ctx context.Context, ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	stub := newEchoStub(t, &echoServer{}, WithObserver(obs))
	ctx := WithCaller(context.Background(), Caller{UID: 1000, PID: 42, Transport: "unix"})
	remote, err := Bind(ctx, stub, echoContract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := echo(ctx, remote, "hi"); err != nil {
		t.Fatalf("echo: %v", err)
	}
	_ = remote.Call(ctx, codeFail, func(w *parcel.Writer) { w.WriteInt32(int32(KindNotFound)) }, nil)

	if len(events) != 3 {
		t.Fatalf("observed %d events, want 3", len(events))
	}
	if events[0].Method != "interface" {
		t.Errorf("first event method = %q", events[0].Method)
	}
	if events[1].Method != "echo" || events[1].Status != StatusOK {
		t.Errorf("echo event = %+v", events[1])
	}
	if events[2].Status != StatusApplicationError || events[2].Err == nil {
		t.Errorf("fail event = %+v", events[2])
	}
	if !events[1].HasCaller || events[1].Caller.UID != 1000 {
		t.Errorf("caller not propagated: %+v", events[1].Caller)
	}
}

func TestServiceManager(t *testing.T) {
	ctx := context.Background()
	mgr := NewServiceManager(nopLogger())
	stub := newEchoStub(t, &echoServer{})

	if err := mgr.Register("echo", stub); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.Register("echo", stub); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := mgr.Register("", stub); err == nil {
		t.Error("empty name accepted")
	}
	if err := mgr.Register("nil", nil); err == nil {
		t.Error("nil handle accepted")
	}
	_ = mgr.Register("alpha", stub)
	if got := mgr.Services(); len(got) != 2 || got[0] != "alpha" || got[1] != "echo" {
		t.Errorf("Services() = %v", got)
	}

	remote, err := Bind(ctx, mgr.Handle("echo"), echoContract)
	if err != nil {
		t.Fatalf("Bind through manager: %v", err)
	}
	if got, err := echo(ctx, remote, "via manager"); err != nil || got != "via manager" {
		t.Errorf("echo = %q, %v", got, err)
	}

	rep := mgr.Dispatch(ctx, "missing", Transaction{Code: codeEcho})
	var perr *ProtocolError
	if !errors.As(errorFromReply(codeEcho, rep), &perr) || perr.Reason != ReasonUnknownService {
		t.Errorf("unknown service reply = %s", rep.Status)
	}

	broken := HandleFunc(func(context.Context, Transaction) (Reply, error) {
		return Reply{}, errors.New("gone")
	})
	_ = mgr.Register("broken", broken)
	rep = mgr.Dispatch(ctx, "broken", Transaction{Code: codeEcho})
	if !errors.As(errorFromReply(codeEcho, rep), &perr) || perr.Reason != ReasonServiceUnavailable {
		t.Errorf("broken service reply = %s", rep.Status)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	txn := Transaction{Code: 7, Flags: FlagOneWay, Data: []byte{1, 2, 3}}
	service, got, err := DecodeRequest(EncodeRequest("activity", txn))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if service != "activity" || got.Code != txn.Code || got.Flags != txn.Flags || string(got.Data) != string(txn.Data) {
		t.Errorf("decoded %q %+v", service, got)
	}

	rep, err := DecodeReply(EncodeReply(Reply{Status: StatusApplicationError, Data: []byte{9}}))
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if rep.Status != StatusApplicationError || len(rep.Data) != 1 || rep.Data[0] != 9 {
		t.Errorf("decoded reply %+v", rep)
	}

	if _, err := DecodeReply(nil); !errors.Is(err, parcel.ErrMalformed) {
		t.Errorf("empty reply err = %v", err)
	}
	if _, _, err := DecodeRequest([]byte{1, 0}); !errors.Is(err, parcel.ErrMalformed) {
		t.Errorf("short request err = %v", err)
	}

	mgr := NewServiceManager(nopLogger())
	rep, err = DecodeReply(mgr.ServeEnvelope(context.Background(), []byte{0xff}))
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if rep.Status != StatusProtocolError {
		t.Errorf("malformed envelope status = %s", rep.Status)
	}
}

func TestEnvelopeHandle(t *testing.T) {
	ctx := context.Background()
	mgr := NewServiceManager(nopLogger())
	if err := mgr.Register("echo", newEchoStub(t, &echoServer{})); err != nil {
		t.Fatal(err)
	}

	h := EnvelopeHandle("echo", func(ctx context.Context, req []byte) ([]byte, error) {
		return mgr.ServeEnvelope(ctx, req), nil
	})
	remote, err := Bind(ctx, h, echoContract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got, err := echo(ctx, remote, "enveloped"); err != nil || got != "enveloped" {
		t.Errorf("echo = %q, %v", got, err)
	}

	empty := EnvelopeHandle("echo", func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, nil
	})
	if _, err := Bind(ctx, empty, echoContract); !IsTransportError(err) {
		t.Errorf("empty reply envelope err = %v, want transport error", err)
	}
}

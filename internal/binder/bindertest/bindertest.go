// Package bindertest provides a small echo contract for exercising
// transports end to end.
package bindertest

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// ServiceName is the name tests register the echo service under.
const ServiceName = "echo"

const (
	CodeEcho = binder.FirstCallTransaction + iota
	CodeWait
	CodeBlob
)

// Contract is the echo contract.
var Contract = binder.MustContract("linuxrmm.bridge.test.IEcho", 1,
	binder.Method{Name: "echo", Code: CodeEcho},
	binder.Method{Name: "wait", Code: CodeWait},
	binder.Method{Name: "blob", Code: CodeBlob},
)

// Server is the echo implementation. Wait calls block until Release is
// called or their context ends.
type Server struct {
	mu      sync.Mutex
	release chan struct{}
	callers []binder.Caller
}

// NewServer creates an echo server.
func NewServer() *Server {
	return &Server{release: make(chan struct{})}
}

// Release unblocks every pending and future Wait call.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.release:
	default:
		close(s.release)
	}
}

// Callers returns the caller identities seen so far.
func (s *Server) Callers() []binder.Caller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]binder.Caller(nil), s.callers...)
}

func (s *Server) record(ctx context.Context) {
	if c, ok := binder.CallerFrom(ctx); ok {
		s.mu.Lock()
		s.callers = append(s.callers, c)
		s.mu.Unlock()
	}
}

// Stub returns the dispatcher for s.
func (s *Server) Stub(opts ...binder.StubOption) *binder.Stub {
	stub, err := binder.NewStub(Contract, map[binder.Code]binder.Decoder{
		CodeEcho: func(in *parcel.Reader) (binder.Call, error) {
			msg, err := in.ReadString()
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				s.record(ctx)
				out.WriteString(msg)
				return nil
			}, nil
		},
		CodeWait: func(in *parcel.Reader) (binder.Call, error) {
			return func(ctx context.Context, out *parcel.Writer) error {
				s.record(ctx)
				select {
				case <-s.release:
					return nil
				case <-ctx.Done():
					return binder.NewApplicationError(binder.KindInternal, "wait abandoned: %v", ctx.Err())
				}
			}, nil
		},
		CodeBlob: func(in *parcel.Reader) (binder.Call, error) {
			n, err := in.ReadInt32()
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, out *parcel.Writer) error {
				if n < 0 {
					return binder.NewApplicationError(binder.KindInvalidArgument, "negative size %d", n)
				}
				out.WriteByteArray(make([]byte, n))
				return nil
			}, nil
		},
	}, append([]binder.StubOption{binder.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)...)
	if err != nil {
		panic(err)
	}
	return stub
}

// NewManager returns a service manager with s registered as ServiceName.
func (s *Server) NewManager() *binder.ServiceManager {
	mgr := binder.NewServiceManager(nil)
	if err := mgr.Register(ServiceName, s.Stub()); err != nil {
		panic(err)
	}
	return mgr
}

// Echo calls echo through r.
func Echo(ctx context.Context, r *binder.Remote, msg string) (string, error) {
	var got string
	err := r.Call(ctx, CodeEcho,
		func(w *parcel.Writer) { w.WriteString(msg) },
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

// Wait calls wait through r.
func Wait(ctx context.Context, r *binder.Remote) error {
	return r.Call(ctx, CodeWait, nil, nil)
}

// Blob asks for a reply payload of n zero bytes.
func Blob(ctx context.Context, r *binder.Remote, n int32) ([]byte, error) {
	var data []byte
	err := r.Call(ctx, CodeBlob,
		func(w *parcel.Writer) { w.WriteInt32(n) },
		func(in *parcel.Reader) error {
			var err error
			data, err = in.ReadByteArray()
			return err
		})
	if err != nil {
		return nil, err
	}
	return data, nil
}

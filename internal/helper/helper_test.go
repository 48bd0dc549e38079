package helper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/binder/bindertest"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer serves an echo service on a temporary socket and returns the
// socket path. The server is stopped when the test ends.
func startServer(t *testing.T, echo *bindertest.Server) (string, context.CancelFunc) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "helper.sock")
	ln, err := Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(echo.NewManager(), nil, nopLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()

	stop := func() {
		echo.Release()
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return socketPath, stop
}

func dialEcho(t *testing.T, socketPath string) (*Client, *binder.Remote) {
	t.Helper()
	ctx := context.Background()
	client, err := Dial(ctx, socketPath, nopLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	remote, err := binder.Bind(ctx, client.Handle(bindertest.ServiceName), bindertest.Contract)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return client, remote
}

func TestRoundTripCarriesPeerCredentials(t *testing.T) {
	echo := bindertest.NewServer()
	socketPath, _ := startServer(t, echo)
	_, remote := dialEcho(t, socketPath)

	got, err := bindertest.Echo(context.Background(), remote, "over the socket")
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if got != "over the socket" {
		t.Errorf("Echo = %q", got)
	}

	callers := echo.Callers()
	if len(callers) != 1 {
		t.Fatalf("recorded %d callers, want 1", len(callers))
	}
	c := callers[0]
	if c.UID != int32(os.Getuid()) || c.PID != int32(os.Getpid()) || c.Transport != TransportName {
		t.Errorf("caller = %+v, want uid %d pid %d", c, os.Getuid(), os.Getpid())
	}
}

func TestConcurrentCallsShareConnection(t *testing.T) {
	echo := bindertest.NewServer()
	socketPath, _ := startServer(t, echo)
	_, remote := dialEcho(t, socketPath)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("message-%d", i)
			got, err := bindertest.Echo(context.Background(), remote, want)
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("got %q, want %q", got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSlowCallDoesNotBlockOthers(t *testing.T) {
	echo := bindertest.NewServer()
	socketPath, _ := startServer(t, echo)
	_, remote := dialEcho(t, socketPath)

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- bindertest.Wait(context.Background(), remote)
	}()

	if _, err := bindertest.Echo(context.Background(), remote, "fast"); err != nil {
		t.Fatalf("Echo while another call is blocked: %v", err)
	}
	select {
	case err := <-waitDone:
		t.Fatalf("wait returned early: %v", err)
	default:
	}

	echo.Release()
	select {
	case err := <-waitDone:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait never completed")
	}
}

func TestContextCancellationIsTransportError(t *testing.T) {
	echo := bindertest.NewServer()
	socketPath, _ := startServer(t, echo)
	client, remote := dialEcho(t, socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bindertest.Wait(ctx, remote)
	if !binder.IsTransportError(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want transport error wrapping deadline", err)
	}

	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d pending calls left after cancellation", pending)
	}

	if _, err := bindertest.Echo(context.Background(), remote, "after"); err != nil {
		t.Errorf("connection unusable after cancellation: %v", err)
	}
}

func TestUnknownServiceFailsBinding(t *testing.T) {
	socketPath, _ := startServer(t, bindertest.NewServer())
	client, err := Dial(context.Background(), socketPath, nopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	_, err = binder.Bind(context.Background(), client.Handle("missing"), bindertest.Contract)
	if !errors.Is(err, binder.ErrContractMismatch) {
		t.Errorf("err = %v, want contract mismatch", err)
	}
}

func TestServerShutdownFailsPendingCalls(t *testing.T) {
	echo := bindertest.NewServer()
	socketPath, stop := startServer(t, echo)
	_, remote := dialEcho(t, socketPath)

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- bindertest.Wait(context.Background(), remote)
	}()
	// let the wait call reach the server
	time.Sleep(50 * time.Millisecond)

	stop()

	// Shutdown releases the wait before closing connections, so the call
	// may still complete.
	select {
	case err := <-waitDone:
		if err != nil && !binder.IsTransportError(err) && !binder.IsApplicationError(err) {
			t.Errorf("err = %v, want transport or application error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not released by shutdown")
	}

	if _, err := bindertest.Echo(context.Background(), remote, "late"); !binder.IsTransportError(err) {
		t.Errorf("call after shutdown err = %v, want transport error", err)
	}
}

func TestClosedClient(t *testing.T) {
	socketPath, _ := startServer(t, bindertest.NewServer())
	client, remote := dialEcho(t, socketPath)
	client.Close()

	_, err := bindertest.Echo(context.Background(), remote, "x")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestAvailable(t *testing.T) {
	socketPath, _ := startServer(t, bindertest.NewServer())
	if !Available(socketPath) {
		t.Error("Available = false for a listening socket")
	}
	if Available(filepath.Join(t.TempDir(), "none.sock")) {
		t.Error("Available = true for a missing socket")
	}
}

func TestAuthorized(t *testing.T) {
	srv := NewServer(binder.NewServiceManager(nil), []uint32{4242}, nopLogger())
	srv.selfUID = 999

	tests := []struct {
		uid  uint32
		want bool
	}{
		{0, true},
		{999, true},
		{4242, true},
		{1000, false},
	}
	for _, tt := range tests {
		if got := srv.authorized(tt.uid); got != tt.want {
			t.Errorf("authorized(%d) = %v, want %v", tt.uid, got, tt.want)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := frame{typ: FrameRequest, id: 77, body: []byte("payload")}
	if err := writeFrame(&buf, in); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if buf.Len() != LengthPrefixSize+frameHeaderSize+len(in.body) {
		t.Errorf("encoded %d bytes", buf.Len())
	}

	out, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if out.typ != in.typ || out.id != in.id || !bytes.Equal(out.body, in.body) {
		t.Errorf("read %+v, want %+v", out, in)
	}

	if _, err := readFrame(&buf); err != io.EOF {
		t.Errorf("empty stream err = %v, want io.EOF", err)
	}
}

func TestFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind FrameErrorKind
	}{
		{"partial prefix", []byte{1, 0}, FrameErrorPartial},
		{"oversized", []byte{0xff, 0xff, 0xff, 0x7f}, FrameErrorTooLarge},
		{"below header", []byte{2, 0, 0, 0, 1, 0}, FrameErrorShort},
		{"partial body", []byte{9, 0, 0, 0, 1, 0, 0, 0, 0}, FrameErrorPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readFrame(bytes.NewReader(tt.data))
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FrameError", err)
			}
			if fe.Kind != tt.kind {
				t.Errorf("kind = %d, want %d", fe.Kind, tt.kind)
			}
		})
	}

	err := writeFrame(io.Discard, frame{typ: FrameResponse, body: make([]byte, MaxFrameSize)})
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorTooLarge {
		t.Errorf("oversized write err = %v", err)
	}
}

func TestOversizedReplyBecomesErrorFrame(t *testing.T) {
	socketPath, _ := startServer(t, bindertest.NewServer())
	_, remote := dialEcho(t, socketPath)

	_, err := bindertest.Blob(context.Background(), remote, MaxFrameSize)
	if !binder.IsTransportError(err) {
		t.Errorf("err = %v, want transport error", err)
	}

	data, err := bindertest.Blob(context.Background(), remote, 1024)
	if err != nil || len(data) != 1024 {
		t.Errorf("Blob(1024) = %d bytes, %v", len(data), err)
	}
}

func TestUnexpectedFrameTypeGetsFailureFrame(t *testing.T) {
	socketPath, _ := startServer(t, bindertest.NewServer())

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := writeFrame(conn, frame{typ: FrameResponse, id: 42, body: []byte("stray")}); err != nil {
		t.Fatal(err)
	}
	f, err := readFrame(conn)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if f.typ != FrameFailure || f.id != 42 {
		t.Errorf("reply type %d id %d, want failure frame for id 42", f.typ, f.id)
	}
}

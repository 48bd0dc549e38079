// Package helper is the Unix domain socket transport between unprivileged
// callers and the privileged bridge helper.
//
// Each frame is a little-endian length prefix followed by a frame type, a
// request id and a body:
//
//	u32 length | u8 type | u32 reqID | body
//
// A request body is a binder request envelope; a response body is a binder
// reply envelope; an error body is a UTF-8 message describing a transport
// failure for that request id. Requests on one connection may be answered
// out of order.
package helper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SocketPath is the default Unix domain socket path of the helper.
const SocketPath = "/run/rmm-bridge/helper.sock"

// Frame types.
const (
	FrameRequest  byte = 1
	FrameResponse byte = 2
	FrameFailure  byte = 3
)

// Frame size limits.
const (
	// MaxFrameSize bounds the length prefix (type, id and body).
	MaxFrameSize = 16 * 1024 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	frameHeaderSize  = 1 + 4
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("helper: connection closed")

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame above MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorShort indicates a length prefix too small for the header.
	FrameErrorShort
)

// FrameError represents a framing failure. All frame errors are fatal to the
// connection.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

type frame struct {
	typ  byte
	id   uint32
	body []byte
}

func writeFrame(w io.Writer, f frame) error {
	size := frameHeaderSize + len(f.body)
	if size > MaxFrameSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("frame size %d exceeds maximum %d", size, MaxFrameSize),
		}
	}

	buf := make([]byte, LengthPrefixSize+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	buf[4] = f.typ
	binary.LittleEndian.PutUint32(buf[5:9], f.id)
	copy(buf[9:], f.body)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame. io.EOF means the stream ended cleanly between
// frames.
func readFrame(r io.Reader) (frame, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return frame{}, io.EOF
		}
		return frame{}, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.LittleEndian.Uint32(lengthBuf[:])
	if size > MaxFrameSize {
		return frame{}, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("frame size %d exceeds maximum %d", size, MaxFrameSize),
		}
	}
	if size < frameHeaderSize {
		return frame{}, &FrameError{
			Kind: FrameErrorShort,
			Msg:  fmt.Sprintf("frame size %d below header size %d", size, frameHeaderSize),
		}
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read frame", Err: err}
	}

	return frame{
		typ:  buf[0],
		id:   binary.LittleEndian.Uint32(buf[1:5]),
		body: buf[5:],
	}, nil
}

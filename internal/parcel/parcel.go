// Package parcel implements the primitive wire codecs shared by every bridge
// contract: fixed-width little-endian integers, single-byte booleans and
// length-prefixed UTF-8 strings with an explicit absent marker.
//
// Layout (all integers little-endian regardless of host):
//
//	int32/uint32  4 bytes
//	int64         8 bytes
//	bool          1 byte, written as 0 or 1, any non-zero byte reads as true
//	string        int32 byte length, then bytes; length -1 marks an absent string
//	byte array    int32 length (-1 = nil), then bytes
//	sequence      int32 count (-1 = nil), then elements
//
// A Writer appends to a growing buffer and never fails. A Reader walks a
// caller-supplied buffer and returns a *DecodeError instead of reading past it.
package parcel

import (
	"encoding/binary"
	"math"
)

// nullLength marks an absent string, byte array or sequence.
const nullLength = -1

// NullString is a string that may be absent. The zero value is absent.
type NullString struct {
	String string
	Valid  bool
}

// Some returns a present NullString.
func Some(s string) NullString {
	return NullString{String: s, Valid: true}
}

// Writer encodes primitives into an in-memory buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded buffer. The writer must not be used afterwards
// if the caller retains the slice.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// WriteUint32 appends v as 4 little-endian bytes.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteInt32 appends v as 4 little-endian bytes.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteInt64 appends v as 8 little-endian bytes.
func (w *Writer) WriteInt64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

// WriteBool appends a single byte, exactly 0 or 1.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteString appends a present string.
func (w *Writer) WriteString(s string) {
	if len(s) > math.MaxInt32 {
		panic("parcel: string too long")
	}
	w.WriteInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteNullString appends s, using the absent marker when s is not valid.
func (w *Writer) WriteNullString(s NullString) {
	if !s.Valid {
		w.WriteInt32(nullLength)
		return
	}
	w.WriteString(s.String)
}

// WriteByteArray appends b. A nil slice is encoded as absent.
func (w *Writer) WriteByteArray(b []byte) {
	if b == nil {
		w.WriteInt32(nullLength)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteInt32Slice appends a count-prefixed sequence of int32.
func (w *Writer) WriteInt32Slice(v []int32) {
	WriteSlice(w, v, (*Writer).WriteInt32)
}

// WriteStringSlice appends a count-prefixed sequence of present strings.
func (w *Writer) WriteStringSlice(v []string) {
	WriteSlice(w, v, (*Writer).WriteString)
}

// WriteSlice appends a count-prefixed sequence, encoding each item with write.
// A nil slice is encoded as absent.
func WriteSlice[T any](w *Writer, items []T, write func(*Writer, T)) {
	if items == nil {
		w.WriteInt32(nullLength)
		return
	}
	w.WriteInt32(int32(len(items)))
	for _, item := range items {
		write(w, item)
	}
}

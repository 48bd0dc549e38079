package parcel

import (
	"encoding/binary"
)

// Reader decodes primitives from a caller-supplied buffer.
// It never reads past the end of that buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over b. The reader does not copy b; values it
// returns (strings, byte arrays) are copies and do not alias b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Finish reports trailing bytes as a decode error.
func (r *Reader) Finish() error {
	if r.Remaining() != 0 {
		return &DecodeError{
			Kind:   DecodeErrorTrailingData,
			Offset: r.off,
			Msg:    "unexpected trailing bytes",
			Need:   0,
			Have:   r.Remaining(),
		}
	}
	return nil
}

// take returns the next n bytes or a truncation error.
func (r *Reader) take(n int, what string) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, &DecodeError{
			Kind:   DecodeErrorTruncated,
			Offset: r.off,
			Msg:    "short buffer reading " + what,
			Need:   n,
			Have:   r.Remaining(),
		}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadUint32 reads 4 little-endian bytes.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads 4 little-endian bytes.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads 8 little-endian bytes.
func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.take(8, "int64")
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadBool reads one byte. Any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.take(1, "bool")
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// readLength reads a length prefix and validates it against the remaining
// buffer. It returns -1 for the absent marker.
func (r *Reader) readLength(what string, elemSize int) (int, error) {
	start := r.off
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n == nullLength {
		return nullLength, nil
	}
	if n < 0 {
		return 0, &DecodeError{
			Kind:   DecodeErrorBadLength,
			Offset: start,
			Msg:    "negative " + what + " length",
			Need:   int(n),
			Have:   r.Remaining(),
		}
	}
	if elemSize > 0 && int64(n)*int64(elemSize) > int64(r.Remaining()) {
		return 0, &DecodeError{
			Kind:   DecodeErrorBadLength,
			Offset: start,
			Msg:    what + " length exceeds remaining buffer",
			Need:   int(n) * elemSize,
			Have:   r.Remaining(),
		}
	}
	return int(n), nil
}

// ReadNullString reads a string that may be absent.
func (r *Reader) ReadNullString() (NullString, error) {
	n, err := r.readLength("string", 1)
	if err != nil {
		return NullString{}, err
	}
	if n == nullLength {
		return NullString{}, nil
	}
	b, err := r.take(n, "string")
	if err != nil {
		return NullString{}, err
	}
	return NullString{String: string(b), Valid: true}, nil
}

// ReadString reads a string that must be present.
func (r *Reader) ReadString() (string, error) {
	start := r.off
	s, err := r.ReadNullString()
	if err != nil {
		return "", err
	}
	if !s.Valid {
		return "", &DecodeError{
			Kind:   DecodeErrorUnexpectedNull,
			Offset: start,
			Msg:    "absent string in non-nullable field",
		}
	}
	return s.String, nil
}

// ReadByteArray reads a byte array. An absent array decodes as nil.
func (r *Reader) ReadByteArray() ([]byte, error) {
	n, err := r.readLength("byte array", 1)
	if err != nil {
		return nil, err
	}
	if n == nullLength {
		return nil, nil
	}
	b, err := r.take(n, "byte array")
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadInt32Slice reads a count-prefixed sequence of int32.
func (r *Reader) ReadInt32Slice() ([]int32, error) {
	return ReadSlice(r, 4, (*Reader).ReadInt32)
}

// ReadStringSlice reads a count-prefixed sequence of present strings.
func (r *Reader) ReadStringSlice() ([]string, error) {
	return ReadSlice(r, 4, (*Reader).ReadString)
}

// ReadSlice reads a count-prefixed sequence, decoding each item with read.
// minSize is the smallest encoded size of one item; counts that cannot fit in
// the remaining buffer are rejected before anything is allocated.
// On error no partial slice is returned.
func ReadSlice[T any](r *Reader, minSize int, read func(*Reader) (T, error)) ([]T, error) {
	n, err := r.readLength("sequence", minSize)
	if err != nil {
		return nil, err
	}
	if n == nullLength {
		return nil, nil
	}
	items := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, err := read(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

package parcel

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every *DecodeError via errors.Is.
var ErrMalformed = errors.New("parcel: malformed payload")

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind int

const (
	// DecodeErrorTruncated indicates the buffer ended before a field did.
	DecodeErrorTruncated DecodeErrorKind = iota
	// DecodeErrorBadLength indicates a length prefix that is negative or
	// larger than the remaining buffer.
	DecodeErrorBadLength
	// DecodeErrorUnexpectedNull indicates the absent marker in a field that
	// must be present.
	DecodeErrorUnexpectedNull
	// DecodeErrorTrailingData indicates bytes left over after a full decode.
	DecodeErrorTrailingData
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeErrorTruncated:
		return "truncated"
	case DecodeErrorBadLength:
		return "bad_length"
	case DecodeErrorUnexpectedNull:
		return "unexpected_null"
	case DecodeErrorTrailingData:
		return "trailing_data"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DecodeError describes where and why a payload could not be decoded.
type DecodeError struct {
	Kind   DecodeErrorKind
	Offset int
	Msg    string
	Need   int
	Have   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("parcel: %s at offset %d: %s (need %d, have %d)",
		e.Kind, e.Offset, e.Msg, e.Need, e.Have)
}

// Unwrap lets callers match any decode failure with errors.Is(err, ErrMalformed).
func (e *DecodeError) Unwrap() error {
	return ErrMalformed
}

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

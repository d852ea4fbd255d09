package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteFrame means more bytes are needed before a frame can be cut.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrFraming marks errors after which the byte stream cannot be trusted.
	ErrFraming = errors.New("framing error")

	ErrInvalidPreamble     = errors.New("invalid preamble (expected 0x00000000)")
	ErrLengthMismatch      = errors.New("frame length does not match data field length")
	ErrFrameTooLarge       = errors.New("declared data field length exceeds max packet size")
	ErrInvalidIMEI         = errors.New("invalid imei")
	ErrUnsupportedCodec    = errors.New("unsupported codec")
	ErrRecordCountMismatch = errors.New("record count mismatch")
	ErrTruncatedField      = errors.New("truncated field")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
)

// DecodeError carries where in the frame decoding stopped.
// Record is -1 when the failure is outside any record.
type DecodeError struct {
	Op     string
	Offset int
	Record int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Record >= 0 {
		return fmt.Sprintf("codec8: %s (record %d, offset %d): %v", e.Op, e.Record, e.Offset, e.Err)
	}
	return fmt.Sprintf("codec8: %s (offset %d): %v", e.Op, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// framingError tags its causes so that errors.Is(err, ErrFraming) holds.
type framingError struct{ errs []error }

func (e framingError) Error() string {
	msg := e.errs[0].Error()
	for _, err := range e.errs[1:] {
		msg += ": " + err.Error()
	}
	return msg
}

func (e framingError) Unwrap() []error { return append([]error{ErrFraming}, e.errs...) }

func newFramingError(err error, more ...error) error {
	return framingError{errs: append([]error{err}, more...)}
}

// IsFatal reports whether err leaves the connection byte stream unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFraming)
}

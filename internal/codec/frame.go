package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// minDataLength covers imei length, one imei byte, codec id, N1 and N2.
const minDataLength = 5

const readChunkSize = 2048

// FrameReader cuts length-prefixed frames out of a byte stream. It knows the
// preamble and the length field, nothing else about the protocol.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	maxSize int
}

// NewFrameReader wraps r. maxPacketSize bounds the declared data field length;
// zero disables the bound.
func NewFrameReader(r io.Reader, maxPacketSize int) *FrameReader {
	return &FrameReader{
		r:       r,
		chunk:   make([]byte, readChunkSize),
		maxSize: maxPacketSize,
	}
}

// Feed appends bytes received out of band.
func (fr *FrameReader) Feed(p []byte) {
	fr.buf = append(fr.buf, p...)
}

// Buffered returns how many bytes wait for the rest of their frame.
func (fr *FrameReader) Buffered() int { return len(fr.buf) }

// Next returns the next complete frame from buffered bytes. It fails with
// ErrIncompleteFrame when more bytes are needed, and with an error matching
// ErrFraming when the buffered bytes can never form a frame.
func (fr *FrameReader) Next() ([]byte, error) {
	if len(fr.buf) >= preambleSize && binary.BigEndian.Uint32(fr.buf) != 0 {
		return nil, newFramingError(ErrInvalidPreamble, fmt.Errorf("got 0x%08x", binary.BigEndian.Uint32(fr.buf)))
	}
	if len(fr.buf) < headerSize {
		return nil, ErrIncompleteFrame
	}

	declared := binary.BigEndian.Uint32(fr.buf[preambleSize:headerSize])
	if declared < minDataLength {
		return nil, newFramingError(ErrLengthMismatch, fmt.Errorf("implausible data field length %d", declared))
	}
	if fr.maxSize > 0 && uint64(declared) > uint64(fr.maxSize) {
		return nil, newFramingError(ErrFrameTooLarge, fmt.Errorf("declared %d, max %d", declared, fr.maxSize))
	}

	total := frameOverhead + int(declared)
	if len(fr.buf) < total {
		return nil, ErrIncompleteFrame
	}

	frame := make([]byte, total)
	copy(frame, fr.buf[:total])
	fr.buf = append(fr.buf[:0], fr.buf[total:]...)
	return frame, nil
}

// ReadFrame blocks until a complete frame is buffered, the stream turns out
// to be malformed, or the underlying reader fails.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		frame, err := fr.Next()
		if err != ErrIncompleteFrame {
			return frame, err
		}

		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.Feed(fr.chunk[:n])
		}
		if err != nil {
			if n > 0 {
				if frame, ferr := fr.Next(); ferr == nil {
					return frame, nil
				}
			}
			return nil, err
		}
	}
}

package codec

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

const (
	preambleSize  = 4
	lengthSize    = 4
	checksumSize  = 4
	headerSize    = preambleSize + lengthSize
	frameOverhead = headerSize + checksumSize

	maxIMEILength = 20
	gpsBlockSize  = 15
	coordScale    = 10000000.0
)

// Options tune how strictly a Decoder treats noncompliant frames.
type Options struct {
	// StrictChecksum rejects frames whose CRC does not match; otherwise the
	// mismatch is only logged.
	StrictChecksum bool
	// StrictLength requires the buffer to be exactly the declared frame size.
	// Otherwise it only has to be at least that long.
	StrictLength bool
	// MaxPacketSize bounds the declared data field length. Zero disables the check.
	MaxPacketSize int
	Checksum      ChecksumAlgorithm
	Logger        *slog.Logger
}

// Decoder turns Codec 8 frames into packets. It holds no per-frame state and
// is safe for concurrent use.
type Decoder struct {
	opts   Options
	logger *slog.Logger
}

func NewDecoder(opts Options) *Decoder {
	lg := opts.Logger
	if lg == nil {
		lg = slog.New(slog.DiscardHandler)
	}
	if opts.Checksum == "" {
		opts.Checksum = ChecksumCCITT
	}
	return &Decoder{opts: opts, logger: lg.With("component", "codec8")}
}

// Decode parses one frame. It never returns a partially populated packet.
func (d *Decoder) Decode(frame []byte) (*Packet, error) {
	if len(frame) < headerSize {
		if len(frame) >= preambleSize && binary.BigEndian.Uint32(frame) != 0 {
			return nil, &DecodeError{Op: "preamble", Record: -1, Err: newFramingError(ErrInvalidPreamble)}
		}
		return nil, &DecodeError{Op: "header", Offset: len(frame), Record: -1,
			Err: newFramingError(ErrIncompleteFrame, fmt.Errorf("need %d header bytes, have %d", headerSize, len(frame)))}
	}

	if binary.BigEndian.Uint32(frame[:preambleSize]) != 0 {
		return nil, &DecodeError{Op: "preamble", Record: -1, Err: newFramingError(ErrInvalidPreamble)}
	}

	declared := binary.BigEndian.Uint32(frame[preambleSize:headerSize])
	if d.opts.MaxPacketSize > 0 && uint64(declared) > uint64(d.opts.MaxPacketSize) {
		return nil, &DecodeError{Op: "length", Offset: preambleSize, Record: -1,
			Err: newFramingError(ErrFrameTooLarge, fmt.Errorf("declared %d, max %d", declared, d.opts.MaxPacketSize))}
	}
	total := uint64(frameOverhead) + uint64(declared)
	switch {
	case uint64(len(frame)) < total:
		return nil, &DecodeError{Op: "length", Offset: preambleSize, Record: -1,
			Err: newFramingError(ErrIncompleteFrame, fmt.Errorf("%w: need %d bytes, have %d", ErrLengthMismatch, total, len(frame)))}
	case d.opts.StrictLength && uint64(len(frame)) != total:
		return nil, &DecodeError{Op: "length", Offset: preambleSize, Record: -1,
			Err: fmt.Errorf("%w: declared frame size %d, have %d", ErrLengthMismatch, total, len(frame))}
	}

	r := &cursor{buf: frame, off: headerSize}
	pkt := &Packet{DataLen: declared}

	imeiLen, err := r.u8()
	if err != nil {
		return nil, r.fail("imei length", -1, err)
	}
	if imeiLen == 0 || imeiLen > maxIMEILength {
		return nil, r.fail("imei length", -1, fmt.Errorf("%w: length %d", ErrInvalidIMEI, imeiLen))
	}
	imei, err := r.bytes(int(imeiLen))
	if err != nil {
		return nil, r.fail("imei", -1, err)
	}
	for _, c := range imei {
		if c < '0' || c > '9' {
			return nil, r.fail("imei", -1, fmt.Errorf("%w: non-digit byte 0x%02x", ErrInvalidIMEI, c))
		}
	}
	pkt.IMEI = string(imei)

	crcStart := r.off
	if pkt.CodecID, err = r.u8(); err != nil {
		return nil, r.fail("codec id", -1, err)
	}
	if pkt.CodecID != Codec8 {
		return nil, r.fail("codec id", -1, fmt.Errorf("%w: 0x%02x", ErrUnsupportedCodec, pkt.CodecID))
	}

	n1, err := r.u8()
	if err != nil {
		return nil, r.fail("record count", -1, err)
	}

	pkt.Records = make([]Record, 0, n1)
	for i := 0; i < int(n1); i++ {
		rec, err := d.decodeRecord(r, i)
		if err != nil {
			return nil, err
		}
		pkt.Records = append(pkt.Records, rec)
	}

	n2, err := r.u8()
	if err != nil {
		return nil, r.fail("trailing record count", -1, err)
	}
	if n2 != n1 {
		return nil, r.fail("trailing record count", -1, fmt.Errorf("%w: %d before records, %d after", ErrRecordCountMismatch, n1, n2))
	}
	crcEnd := r.off

	if pkt.CRC, err = r.u32(); err != nil {
		return nil, r.fail("checksum", -1, err)
	}
	pkt.Checksum = d.opts.Checksum.Sum(frame[crcStart:crcEnd])
	if uint32(pkt.Checksum) != pkt.CRC {
		if d.opts.StrictChecksum {
			return nil, r.fail("checksum", -1, fmt.Errorf("%w: frame 0x%08x, computed 0x%04x", ErrChecksumMismatch, pkt.CRC, pkt.Checksum))
		}
		d.logger.Warn("checksum mismatch ignored",
			"imei", pkt.IMEI,
			"frame_crc", fmt.Sprintf("%08x", pkt.CRC),
			"computed", fmt.Sprintf("%04x", pkt.Checksum),
			"algorithm", string(d.opts.Checksum),
		)
	}

	return pkt, nil
}

func (d *Decoder) decodeRecord(r *cursor, idx int) (Record, error) {
	var rec Record

	switch {
	case r.remaining() >= 8:
		ts, _ := r.u64()
		rec.Timestamp = int64(ts)
		rec.TimestampWidth = TimestampMillis64
	case r.remaining() >= 4:
		ts, _ := r.u32()
		rec.Timestamp = int64(ts) * 1000
		rec.TimestampWidth = TimestampSeconds32
	default:
		return rec, r.fail("timestamp", idx, ErrTruncatedField)
	}
	d.logger.Debug("record timestamp", "record", idx, "width", int(rec.TimestampWidth), "ts_ms", rec.Timestamp)

	p, err := r.u8()
	if err != nil {
		return rec, r.fail("priority", idx, err)
	}
	rec.Priority = Priority(p)

	gps, err := decodeGPS(r, idx)
	if err != nil {
		return rec, err
	}
	io, err := decodeIO(r, idx)
	if err != nil {
		return rec, err
	}
	gps.IO = io
	rec.GPS = gps
	rec.IO = io
	return rec, nil
}

func decodeGPS(r *cursor, idx int) (GPSElement, error) {
	var g GPSElement
	if r.remaining() < gpsBlockSize {
		return g, r.fail("gps element", idx, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedField, gpsBlockSize, r.remaining()))
	}
	lon, _ := r.u32()
	lat, _ := r.u32()
	g.Longitude = float64(int32(lon)) / coordScale
	g.Latitude = float64(int32(lat)) / coordScale
	g.Altitude, _ = r.u16()
	g.Angle, _ = r.u16()
	g.Satellites, _ = r.u8()
	g.Speed, _ = r.u16()
	return g, nil
}

var ioWidths = [4]int{1, 2, 4, 8}

func decodeIO(r *cursor, idx int) (*IOElement, error) {
	e := &IOElement{}
	var err error
	if e.EventIOID, err = r.u8(); err != nil {
		return nil, r.fail("event io id", idx, err)
	}
	if e.TotalIO, err = r.u8(); err != nil {
		return nil, r.fail("total io", idx, err)
	}

	for _, w := range ioWidths {
		n, err := r.u8()
		if err != nil {
			return nil, r.fail(fmt.Sprintf("io%d count", w), idx, err)
		}
		if need := int(n) * (1 + w); r.remaining() < need {
			return nil, r.fail(fmt.Sprintf("io%d group", w), idx,
				fmt.Errorf("%w: %d pairs need %d bytes, have %d", ErrTruncatedField, n, need, r.remaining()))
		}
		group := make([]IOProperty, 0, n)
		for i := 0; i < int(n); i++ {
			id, _ := r.u8()
			raw, _ := r.bytes(w)
			group = append(group, IOProperty{ID: id, Value: beUint(raw), Raw: append([]byte(nil), raw...)})
		}
		switch w {
		case 1:
			e.Data1 = group
		case 2:
			e.Data2 = group
		case 4:
			e.Data4 = group
		case 8:
			e.Data8 = group
		}
	}
	return e, nil
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// cursor reads big-endian fields and checks bounds before every read.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int { return len(c.buf) - c.off }

func (c *cursor) bytes(n int) ([]byte, error) {
	if n > c.remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncatedField, n, c.off, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *cursor) fail(op string, record int, err error) error {
	return &DecodeError{Op: op, Offset: c.off, Record: record, Err: err}
}

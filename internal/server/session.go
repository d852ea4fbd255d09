package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"avl-relay/internal/codec"
	"avl-relay/internal/observability"
)

var (
	ack  = []byte{0x01}
	nack = []byte{0x00}
)

// session serves one device connection. Frames are handled strictly one at a
// time: read, decode, forward, acknowledge.
type session struct {
	srv    *Server
	id     uint64
	conn   net.Conn
	remote string
	fr     *codec.FrameReader
	logger *slog.Logger
	imei   string
}

func newSession(srv *Server, id uint64, conn net.Conn) *session {
	remote := conn.RemoteAddr().String()
	return &session{
		srv:    srv,
		id:     id,
		conn:   conn,
		remote: remote,
		fr:     codec.NewFrameReader(conn, srv.cfg.MaxPacketSize),
		logger: srv.logger.With("conn_id", id, "remote", remote),
	}
}

func (s *session) run(ctx context.Context) {
	defer s.close()

	if tcp, ok := s.conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(60 * time.Second)
	}
	s.logger.Info("device connected", "connections", s.srv.reg.Len())

	wait := s.srv.cfg.ConnectTimeout
	for ctx.Err() == nil {
		s.setReadDeadline(wait)
		frame, err := s.fr.ReadFrame()
		if err != nil {
			s.readFailed(err)
			return
		}
		wait = s.srv.cfg.IdleTimeout
		if !s.handleFrame(ctx, frame) {
			return
		}
	}
}

func (s *session) setReadDeadline(d time.Duration) {
	if d <= 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
}

func (s *session) readFailed(err error) {
	var ne net.Error
	switch {
	case codec.IsFatal(err):
		s.srv.reg.FrameReceived(s.id)
		s.srv.reg.FrameFailed()
		observability.DecodeErrors.WithLabelValues(errorReason(err)).Inc()
		s.logger.Warn("framing error, closing connection", "err", err, "buffered", s.fr.Buffered())
		s.write(nack)
	case errors.As(err, &ne) && ne.Timeout():
		if s.fr.Buffered() > 0 {
			s.logger.Warn("idle timeout with partial frame", "buffered", s.fr.Buffered())
			s.write(nack)
			return
		}
		s.logger.Info("idle timeout, closing connection")
	case errors.Is(err, io.EOF):
		if s.fr.Buffered() > 0 {
			s.logger.Warn("device closed mid-frame", "buffered", s.fr.Buffered())
		}
	case errors.Is(err, net.ErrClosed):
		s.logger.Debug("connection closed locally")
	default:
		s.logger.Warn("read error", "err", err)
	}
}

// handleFrame runs one frame through decode, forward and acknowledgment.
// It reports whether the connection should stay open.
func (s *session) handleFrame(ctx context.Context, frame []byte) bool {
	reg := s.srv.reg
	reg.FrameReceived(s.id)
	observability.FramesRecv.Inc()

	if j := s.srv.journal; j != nil {
		if err := j.Write(s.remote, frame); err != nil {
			s.logger.Warn("raw journal write failed", "err", err)
		}
	}

	start := time.Now()
	pkt, err := s.srv.decoder.Decode(frame)
	observability.ObserveParseLatency(start)
	if err != nil {
		reg.FrameFailed()
		observability.DecodeErrors.WithLabelValues(errorReason(err)).Inc()
		s.logger.Warn("failed to decode packet", "err", err, "bytes", len(frame))
		if !s.write(nack) {
			return false
		}
		return !codec.IsFatal(err)
	}

	if uint32(pkt.Checksum) != pkt.CRC {
		observability.ChecksumMismatches.Inc()
	}
	observability.RecordsDecoded.Add(float64(len(pkt.Records)))
	s.identify(pkt.IMEI)
	s.logger.Info("packet decoded", "imei", pkt.IMEI, "records", len(pkt.Records))

	fstart := time.Now()
	if err := s.srv.fwd.Forward(ctx, pkt, frame); err != nil {
		reg.DeliveryFailed()
		observability.ForwardResults.WithLabelValues("failed").Inc()
		s.logger.Error("forward failed", "imei", pkt.IMEI, "err", err)
	} else {
		observability.ForwardResults.WithLabelValues("ok").Inc()
	}
	observability.ObserveForwardLatency(fstart)

	if p := s.srv.presence; p != nil && len(pkt.Records) > 0 {
		last := pkt.Records[len(pkt.Records)-1]
		if err := p.Touch(ctx, pkt.IMEI, s.remote, last); err != nil {
			s.logger.Warn("presence update failed", "imei", pkt.IMEI, "err", err)
		}
	}

	reg.FrameProcessed()
	return s.write(ack)
}

// identify records the first IMEI seen on the connection.
func (s *session) identify(imei string) {
	if s.imei == imei {
		return
	}
	ev := s.srv.events
	if s.imei != "" {
		s.logger.Warn("imei changed on open connection", "old", s.imei, "new", imei)
		if ev != nil {
			ev.DeviceDisconnected(s.imei, s.remote)
		}
	}
	s.imei = imei
	s.srv.reg.SetIMEI(s.id, imei)
	if ev != nil {
		ev.DeviceConnected(imei, s.remote)
	}
}

func (s *session) write(b []byte) bool {
	if d := s.srv.cfg.IdleTimeout; d > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(d))
	}
	if _, err := s.conn.Write(b); err != nil {
		s.logger.Debug("ack write failed", "err", err)
		return false
	}
	label := "ack"
	if b[0] == 0x00 {
		label = "nack"
	}
	observability.AcksSent.WithLabelValues(label).Inc()
	return true
}

func (s *session) close() {
	_ = s.conn.Close()
	s.srv.untrack(s.id)
	if ev := s.srv.events; ev != nil && s.imei != "" {
		ev.DeviceDisconnected(s.imei, s.remote)
	}
	s.logger.Info("device disconnected", "imei", s.imei, "connections", s.srv.reg.Len())
}

// errorReason maps a decode error to its metric label.
func errorReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrInvalidPreamble):
		return "preamble"
	case errors.Is(err, codec.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, codec.ErrLengthMismatch):
		return "length"
	case errors.Is(err, codec.ErrInvalidIMEI):
		return "imei"
	case errors.Is(err, codec.ErrUnsupportedCodec):
		return "unsupported_codec"
	case errors.Is(err, codec.ErrRecordCountMismatch):
		return "record_count"
	case errors.Is(err, codec.ErrTruncatedField):
		return "truncated"
	case errors.Is(err, codec.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, codec.ErrFraming):
		return "framing"
	}
	return "other"
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"avl-relay/internal/codec"
	"avl-relay/internal/forwarder"
	"avl-relay/internal/observability"
	"avl-relay/internal/pipeline"
)

// Config is what the TCP server needs from the process configuration.
type Config struct {
	Host           string
	Port           int
	MaxConnections int
	// ConnectTimeout bounds the wait for the first frame, IdleTimeout every
	// later one. Zero disables the deadline.
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxPacketSize  int
	ServerID       string
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Presence records the last contact of a device.
type Presence interface {
	Touch(ctx context.Context, imei, remote string, last codec.Record) error
}

// DeviceEvents is told when a device identifies itself and when it leaves.
type DeviceEvents interface {
	DeviceConnected(imei, remote string)
	DeviceDisconnected(imei, remote string)
}

// Journal keeps a copy of every complete frame.
type Journal interface {
	Write(remote string, frame []byte) error
}

type Option func(*Server)

func WithPresence(p Presence) Option {
	return func(s *Server) { s.presence = p }
}

func WithDeviceEvents(e DeviceEvents) Option {
	return func(s *Server) { s.events = e }
}

func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

type Server struct {
	cfg      Config
	decoder  *codec.Decoder
	fwd      forwarder.Forwarder
	logger   *slog.Logger
	reg      *Registry
	presence Presence
	events   DeviceEvents
	journal  Journal
	started  time.Time

	mu     sync.Mutex
	ln     net.Listener
	conns  map[uint64]net.Conn
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, dec *codec.Decoder, fwd forwarder.Forwarder, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		decoder: dec,
		fwd:     fwd,
		logger:  logger.With("component", "tcp_server"),
		reg:     NewRegistry(cfg.MaxConnections),
		conns:   make(map[uint64]net.Conn),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

// Listen binds the configured address. Callers treat a failure as fatal.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("error starting TCP server: %w", err)
	}
	return ln, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called or ctx ends.
// Sessions run under a context derived from ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("TCP server listening",
		"addr", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"idle_timeout", s.cfg.IdleTimeout,
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		observability.TCPConnections.Inc()

		id, ok := s.reg.Add(conn.RemoteAddr().String())
		if !ok {
			observability.ConnectionsRejected.Inc()
			s.logger.Warn("maximum connections reached, rejecting connection",
				"remote", conn.RemoteAddr().String(),
				"max_connections", s.cfg.MaxConnections,
			)
			_ = conn.Close()
			continue
		}
		if !s.track(id, conn) {
			s.reg.Remove(id)
			_ = conn.Close()
			continue
		}

		go func() {
			defer s.wg.Done()
			newSession(s, id, conn).run(sctx)
		}()
	}
}

// track registers conn for forced close and adds it to the wait group. It
// fails once shutdown has begun so no session starts after Shutdown waits.
func (s *Server) track(id uint64, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = conn
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.reg.Remove(id)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting, closes every device socket and waits for
// in-flight sessions. When ctx ends first, outstanding forwards are
// cancelled and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for id, c := range s.conns {
		s.logger.Info("closing connection", "conn_id", id)
		_ = c.Close()
	}
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown grace period elapsed, cancelling in-flight forwards")
	}
	if cancel != nil {
		cancel()
	}

	st := s.reg.Stats()
	s.logger.Info("TCP server shutdown complete")
	s.logger.Info("final statistics",
		"total_packets_received", st.TotalPacketsReceived,
		"total_packets_processed", st.TotalPacketsProcessed,
		"total_packets_failed", st.TotalPacketsFailed,
		"delivery_failed", st.DeliveryFailed,
		"success_rate", st.SuccessRate,
	)
	return err
}

// Status is the snapshot served on the health endpoint.
type Status struct {
	Status         string              `json:"status"`
	Uptime         float64             `json:"uptime"`
	Connections    int                 `json:"connections"`
	MaxConnections int                 `json:"maxConnections"`
	Port           int                 `json:"port"`
	Host           string              `json:"host"`
	Statistics     Stats               `json:"statistics"`
	ServerInfo     pipeline.ServerInfo `json:"serverInfo"`
	Clients        []ConnInfo          `json:"clients"`
}

func (s *Server) Status() Status {
	state := "running"
	if s.isClosed() {
		state = "stopping"
	}
	return Status{
		Status:         state,
		Uptime:         time.Since(s.started).Seconds(),
		Connections:    s.reg.Len(),
		MaxConnections: s.cfg.MaxConnections,
		Port:           s.cfg.Port,
		Host:           s.cfg.Host,
		Statistics:     s.reg.Stats(),
		ServerInfo:     pipeline.ServerInfo{ServerID: s.cfg.ServerID, Version: forwarder.DefaultSource.Version},
		Clients:        s.reg.Connections(),
	}
}

// Package link keeps a TCP connection to the socket proxy and streams device
// presence events to it as NDJSON.
package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("link: not connected")

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

type Client struct {
	addr   string
	logger *slog.Logger
	// retry is the pause between a failed dial or a dropped connection and
	// the next attempt.
	retry        time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	// wmu keeps concurrent events from interleaving on the wire. It is never
	// held together with mu.
	wmu sync.Mutex
}

func New(addr string, logger *slog.Logger) *Client {
	return &Client{
		addr:         addr,
		logger:       logger.With("component", "link"),
		retry:        2 * time.Second,
		writeTimeout: writeTimeout,
	}
}

// Run dials the proxy and reconnects whenever the connection drops. It
// returns when ctx ends.
func (c *Client) Run(ctx context.Context) {
	d := net.Dialer{Timeout: dialTimeout}
	for ctx.Err() == nil {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !c.pause(ctx) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("link: connection closed, reconnecting")
		if !c.pause(ctx) {
			return
		}
	}
}

func (c *Client) pause(ctx context.Context) bool {
	t := time.NewTimer(c.retry)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.Close()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// readLoop drains lines from the proxy until the connection fails. The proxy
// sends nothing the relay acts on yet.
func (c *Client) readLoop(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		c.logger.Debug("link: incoming line", "line", sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("link: read error", "err", err)
	}
}

type deviceEvent struct {
	DeviceConnect    bool   `json:"device_connect,omitempty"`
	DeviceDisconnect bool   `json:"device_disconnect,omitempty"`
	IMEI             string `json:"imei"`
	RemoteIP         string `json:"remote_ip,omitempty"`
	RemotePort       int    `json:"remote_port,omitempty"`
	TS               int64  `json:"ts"`
}

func (c *Client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err = conn.Write(append(b, '\n'))
	return err
}

// Send delivers one event. Events raised while disconnected are dropped.
func (c *Client) Send(info DeviceInfo) error {
	ev := deviceEvent{
		DeviceConnect:    info.State == DeviceStateConnect,
		DeviceDisconnect: info.State == DeviceStateDisconnect,
		IMEI:             info.IMEI,
		RemoteIP:         info.RemoteIP,
		RemotePort:       info.RemotePort,
		TS:               time.Now().UnixMilli(),
	}
	if err := c.send(ev); err != nil {
		c.logger.Warn("link: send failed", "event", info.State.String(), "imei", info.IMEI, "err", err)
		return err
	}
	return nil
}

func (c *Client) DeviceConnected(imei, remote string) {
	_ = c.Send(newDeviceInfo(imei, remote, DeviceStateConnect))
}

func (c *Client) DeviceDisconnected(imei, remote string) {
	_ = c.Send(newDeviceInfo(imei, remote, DeviceStateDisconnect))
}

package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"
)

func newTestClient(addr string) *Client {
	c := New(addr, slog.New(slog.DiscardHandler))
	c.retry = 20 * time.Millisecond
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	ln.(*net.TCPListener).SetDeadline(time.Now().Add(3 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return conn
}

func TestClientSendsEventsAndReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c := newTestClient(ln.Addr().String())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	proxy := accept(t, ln)
	waitConnected(t, c)
	c.DeviceConnected("356307042441013", "10.0.0.7:40211")

	_ = proxy.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(proxy).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var ev map[string]any
	if err := json.Unmarshal(line, &ev); err != nil {
		t.Fatalf("bad line %q: %v", line, err)
	}
	if ev["device_connect"] != true || ev["imei"] != "356307042441013" ||
		ev["remote_ip"] != "10.0.0.7" || ev["remote_port"] != float64(40211) {
		t.Errorf("event = %v", ev)
	}
	if _, ok := ev["device_disconnect"]; ok {
		t.Error("connect event carries device_disconnect")
	}

	proxy.Close()
	proxy = accept(t, ln)
	defer proxy.Close()
	waitConnected(t, c)

	c.DeviceDisconnected("356307042441013", "10.0.0.7:40211")
	_ = proxy.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err = bufio.NewReader(proxy).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	ev = nil
	if err := json.Unmarshal(line, &ev); err != nil {
		t.Fatal(err)
	}
	if ev["device_disconnect"] != true {
		t.Errorf("event = %v", ev)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newTestClient("127.0.0.1:1")
	err := c.Send(DeviceInfo{IMEI: "1", State: DeviceStateConnect})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestStalledWriteDoesNotBlockState(t *testing.T) {
	c := newTestClient("127.0.0.1:1")
	c.writeTimeout = 3 * time.Second
	local, proxy := net.Pipe()
	defer proxy.Close()
	c.setConn(local)
	defer c.clearConn(local)

	sent := make(chan error, 1)
	go func() { sent <- c.Send(DeviceInfo{IMEI: "356307042441013", State: DeviceStateConnect}) }()
	// net.Pipe is unbuffered, so Send stays in Write until proxy reads.
	time.Sleep(50 * time.Millisecond)

	checked := make(chan bool, 1)
	go func() { checked <- c.Connected() }()
	select {
	case ok := <-checked:
		if !ok {
			t.Error("Connected() = false during a pending write")
		}
	case <-time.After(time.Second):
		t.Fatal("Connected() blocked behind a stalled write")
	}

	_ = proxy.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(proxy).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var ev deviceEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.IMEI != "356307042441013" || !ev.DeviceConnect {
		t.Errorf("event = %+v, err = %v", ev, err)
	}
	if err := <-sent; err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(addr)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewDeviceInfo(t *testing.T) {
	tests := []struct {
		remote string
		ip     string
		port   int
	}{
		{"10.0.0.7:40211", "10.0.0.7", 40211},
		{"[::1]:5001", "::1", 5001},
		{"pipe", "pipe", 0},
	}
	for _, tt := range tests {
		info := newDeviceInfo("1", tt.remote, DeviceStateConnect)
		if info.RemoteIP != tt.ip || info.RemotePort != tt.port {
			t.Errorf("newDeviceInfo(%q) = %+v", tt.remote, info)
		}
	}
	if DeviceStateDisconnect.String() != "device_disconnect" || DeviceStateUnknown.String() != "unknown" {
		t.Error("unexpected DeviceState names")
	}
}

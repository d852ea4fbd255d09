package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"avl-relay/internal/codec"
	"avl-relay/internal/pipeline"
)

var discard = slog.New(slog.DiscardHandler)

func testPacket(records int) *codec.Packet {
	pkt := &codec.Packet{IMEI: "123456789012345", CodecID: codec.Codec8}
	for i := 0; i < records; i++ {
		ioe := &codec.IOElement{EventIOID: 1, TotalIO: 1, Data1: []codec.IOProperty{{ID: 1, Value: 1}}}
		pkt.Records = append(pkt.Records, codec.Record{
			Timestamp: 1700000000000 + int64(i),
			Priority:  codec.PriorityHigh,
			GPS:       codec.GPSElement{Latitude: 54.1, Longitude: 25.2, Satellites: 8, IO: ioe},
			IO:        ioe,
		})
	}
	return pkt
}

func TestHTTPForwarderPostsEachRecord(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Source") != "teltonika-tcp-server" || r.Header.Get("X-Server-ID") != "relay-a" {
			t.Errorf("headers = %v", r.Header)
		}
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, m)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := NewHTTP(HTTPConfig{URL: srv.URL, Timeout: time.Second, Source: pipeline.Source{ServerID: "relay-a"}}, discard)
	defer f.Close()

	if err := f.Forward(context.Background(), testPacket(2), []byte{1, 2}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("collector got %d calls, want 2", len(bodies))
	}
	parsed := bodies[1]["parsedData"].(map[string]any)
	if parsed["imei"] != "123456789012345" || len(parsed["records"].([]any)) != 1 {
		t.Errorf("parsedData = %v", parsed)
	}
	if bodies[0]["rawData"] != "0102" {
		t.Errorf("rawData = %v", bodies[0]["rawData"])
	}
}

func TestHTTPForwarderReportsStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTP(HTTPConfig{URL: srv.URL, Timeout: time.Second}, discard)
	err := f.Forward(context.Background(), testPacket(1), nil)

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DeliveryError", err)
	}
	if de.Status != http.StatusBadGateway || de.Record != 0 {
		t.Errorf("DeliveryError = %+v", de)
	}
	if calls.Load() != 1 {
		t.Errorf("collector called %d times, want a single attempt", calls.Load())
	}
}

func TestHTTPForwarderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTP(HTTPConfig{URL: srv.URL, Timeout: 50 * time.Millisecond}, discard)
	start := time.Now()
	err := f.Forward(context.Background(), testPacket(1), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestHTTPForwarderUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	f := NewHTTP(HTTPConfig{URL: "http://" + addr + "/api", Timeout: time.Second}, discard)
	if err := f.Forward(context.Background(), testPacket(1), nil); err == nil {
		t.Fatal("expected error for unreachable collector")
	}
}

type collector struct {
	mu   sync.Mutex
	got  []*structpb.Struct
	fail bool
}

func (c *collector) push(in *structpb.Struct) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, status.Error(codes.Unavailable, "collector down")
	}
	c.got = append(c.got, in)
	return &emptypb.Empty{}, nil
}

var collectorDesc = grpc.ServiceDesc{
	ServiceName: "avlrelay.Collector",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Push",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*collector).push(in)
		},
	}},
}

func startCollector(t *testing.T, c *collector) *GRPCForwarder {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	s.RegisterService(&collectorDesc, c)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	f, err := NewGRPC("passthrough:///bufnet", time.Second, pipeline.Source{ServerID: "relay-b"}, discard,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewGRPC() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestGRPCForwarder(t *testing.T) {
	c := &collector{}
	f := startCollector(t, c)

	if err := f.Forward(context.Background(), testPacket(2), []byte{0xAB}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 2 {
		t.Fatalf("collector got %d pushes, want 2", len(c.got))
	}
	m := c.got[0].AsMap()
	if m["rawData"] != "ab" {
		t.Errorf("rawData = %v", m["rawData"])
	}
	info := m["serverInfo"].(map[string]any)
	if info["serverId"] != "relay-b" {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestGRPCForwarderFailure(t *testing.T) {
	f := startCollector(t, &collector{fail: true})

	err := f.Forward(context.Background(), testPacket(1), nil)
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DeliveryError", err)
	}
	if status.Code(de.Err) != codes.Unavailable {
		t.Errorf("code = %v", status.Code(de.Err))
	}
}

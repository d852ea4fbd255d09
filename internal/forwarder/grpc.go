package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"avl-relay/internal/codec"
	"avl-relay/internal/pipeline"
)

// PushMethod is the unary method a gRPC collector must serve. The request is
// a google.protobuf.Struct holding the same document the HTTP transport posts.
const PushMethod = "/avlrelay.Collector/Push"

type GRPCForwarder struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	source  pipeline.Source
	logger  *slog.Logger
	now     func() time.Time
}

func NewGRPC(addr string, timeout time.Duration, src pipeline.Source, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCForwarder, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	if src.Name == "" {
		src.Name = DefaultSource.Name
	}
	if src.Version == "" {
		src.Version = DefaultSource.Version
	}
	return &GRPCForwarder{
		conn:    conn,
		timeout: timeout,
		source:  src,
		logger:  logger.With("component", "forwarder", "transport", "grpc"),
		now:     time.Now,
	}, nil
}

// Forward pushes one message per record; N records cost N collector calls.
func (g *GRPCForwarder) Forward(ctx context.Context, pkt *codec.Packet, raw []byte) error {
	var errs []error
	for i, payload := range pipeline.BuildPayloads(pkt, raw, g.source, g.now()) {
		if err := g.push(ctx, payload); err != nil {
			errs = append(errs, &DeliveryError{IMEI: pkt.IMEI, Record: i, Err: err})
			continue
		}
		g.logger.Debug("record forwarded", "imei", pkt.IMEI, "record", i)
	}
	return errors.Join(errs...)
}

func (g *GRPCForwarder) push(ctx context.Context, payload pipeline.Payload) error {
	req, err := toStruct(payload)
	if err != nil {
		return err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.conn.Invoke(ctx, PushMethod, req, &emptypb.Empty{})
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return structpb.NewStruct(m)
}

func (g *GRPCForwarder) Close() error {
	return g.conn.Close()
}

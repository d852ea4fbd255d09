// Package forwarder delivers decoded packets to the downstream collector.
// Every record gets exactly one attempt; retries are left to the caller.
package forwarder

import (
	"context"
	"fmt"

	"avl-relay/internal/codec"
	"avl-relay/internal/pipeline"
)

// Forwarder sends one packet downstream. raw is the frame the packet came
// from and travels with each record.
type Forwarder interface {
	Forward(ctx context.Context, pkt *codec.Packet, raw []byte) error
	Close() error
}

// DefaultSource is how the relay names itself to the collector.
var DefaultSource = pipeline.Source{
	Name:     "teltonika-tcp-server",
	ServerID: "tcp-server-1",
	Version:  "1.0.0",
}

// DeliveryError reports one record the collector did not accept.
type DeliveryError struct {
	IMEI   string
	Record int
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("forward imei=%s record=%d: collector status %d", e.IMEI, e.Record, e.Status)
	}
	return fmt.Sprintf("forward imei=%s record=%d: %v", e.IMEI, e.Record, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_relay_tcp_connections_total",
		Help: "TCP connections accepted",
	})
	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_relay_tcp_connections_rejected_total",
		Help: "TCP connections closed at accept because the limit was reached",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avl_relay_tcp_connections_active",
		Help: "Open device connections",
	})
	FramesRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_relay_frames_received_total",
		Help: "Complete AVL frames cut from device streams",
	})
	RecordsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_relay_records_decoded_total",
		Help: "AVL records decoded",
	})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_relay_decode_errors_total",
		Help: "Frames rejected by the decoder or the framer",
	}, []string{"reason"})
	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_relay_checksum_mismatches_total",
		Help: "Frames whose CRC did not match, enforced or not",
	})
	ForwardResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_relay_forward_total",
		Help: "Collector deliveries by result",
	}, []string{"result"})
	AcksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_relay_acks_total",
		Help: "Acknowledgments written to devices",
	}, []string{"ack"})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avl_relay_parse_latency_seconds",
		Help:    "Decode latency per frame",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})
	ForwardLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avl_relay_forward_latency_seconds",
		Help:    "Collector delivery latency per packet",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

func ObserveForwardLatency(start time.Time) {
	ForwardLatency.Observe(time.Since(start).Seconds())
}

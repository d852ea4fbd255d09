package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"avl-relay/internal/observability"
)

// ConnInfo is the observable state of one device connection.
type ConnInfo struct {
	ID              uint64    `json:"id"`
	Remote          string    `json:"remote"`
	ConnectedAt     time.Time `json:"connectedAt"`
	PacketsReceived uint64    `json:"packetsReceived"`
	LastPacketAt    time.Time `json:"lastPacketAt,omitzero"`
	IMEI            string    `json:"imei,omitempty"`
}

// Stats are the relay-wide frame counters.
type Stats struct {
	TotalPacketsReceived  uint64 `json:"totalPacketsReceived"`
	TotalPacketsProcessed uint64 `json:"totalPacketsProcessed"`
	TotalPacketsFailed    uint64 `json:"totalPacketsFailed"`
	DeliveryFailed        uint64 `json:"deliveryFailed"`
	SuccessRate           string `json:"successRate"`
}

// Registry owns the open connections and the aggregate counters. Counters are
// atomics; the map is guarded by mu and only touched on connect, disconnect
// and once per frame.
type Registry struct {
	max int

	mu    sync.Mutex
	conns map[uint64]*ConnInfo

	nextID         atomic.Uint64
	received       atomic.Uint64
	processed      atomic.Uint64
	failed         atomic.Uint64
	deliveryFailed atomic.Uint64
}

func NewRegistry(maxConnections int) *Registry {
	return &Registry{max: maxConnections, conns: make(map[uint64]*ConnInfo)}
}

// Add registers a connection. It returns false, without registering, when
// the limit is already reached.
func (r *Registry) Add(remote string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.conns) >= r.max {
		return 0, false
	}
	id := r.nextID.Add(1)
	r.conns[id] = &ConnInfo{ID: id, Remote: remote, ConnectedAt: time.Now()}
	observability.ActiveConnections.Set(float64(len(r.conns)))
	return id, true
}

func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	observability.ActiveConnections.Set(float64(len(r.conns)))
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) Max() int { return r.max }

// FrameReceived counts a complete frame cut from connection id.
func (r *Registry) FrameReceived(id uint64) {
	r.received.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.PacketsReceived++
		c.LastPacketAt = time.Now()
	}
}

func (r *Registry) SetIMEI(id uint64, imei string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.IMEI = imei
	}
}

func (r *Registry) FrameProcessed() { r.processed.Add(1) }
func (r *Registry) FrameFailed()    { r.failed.Add(1) }
func (r *Registry) DeliveryFailed() { r.deliveryFailed.Add(1) }

func (r *Registry) Stats() Stats {
	s := Stats{
		TotalPacketsReceived:  r.received.Load(),
		TotalPacketsProcessed: r.processed.Load(),
		TotalPacketsFailed:    r.failed.Load(),
		DeliveryFailed:        r.deliveryFailed.Load(),
		SuccessRate:           "0%",
	}
	if s.TotalPacketsReceived > 0 {
		s.SuccessRate = fmt.Sprintf("%.2f%%", float64(s.TotalPacketsProcessed)/float64(s.TotalPacketsReceived)*100)
	}
	return s
}

// Connections returns a copy of every open connection, oldest first.
func (r *Registry) Connections() []ConnInfo {
	r.mu.Lock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

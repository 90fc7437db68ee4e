package relay

import (
	"log/slog"
	"sort"
	"sync"
)

// Downstream is a registered xApp connection. Send takes an already encoded
// frame so a broadcast encodes once for every receiver.
type Downstream interface {
	Send(frame []byte) error
	Close() error
}

// Entry is one registry slot as returned by Snapshot
type Entry struct {
	Addr string
	Conn Downstream
}

// BroadcastResult lists the addresses a frame reached and the ones it did not
type BroadcastResult struct {
	Delivered []string
	Failed    []string
}

// Total is the number of connections the broadcast was attempted on
func (r BroadcastResult) Total() int {
	return len(r.Delivered) + len(r.Failed)
}

// ConnectionRegistry is the set of live xApp connections keyed by remote
// address. The map never leaves this type and the mutex is never held
// during network I/O.
type ConnectionRegistry struct {
	mu      sync.Mutex
	conns   map[string]Downstream
	logger  *slog.Logger
	metrics *Metrics
}

func NewConnectionRegistry(metrics *Metrics) *ConnectionRegistry {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ConnectionRegistry{
		conns:   make(map[string]Downstream),
		logger:  slog.Default(),
		metrics: metrics,
	}
}

// Register adds a connection. An existing entry for addr is replaced; the
// caller is responsible for closing the superseded handle.
func (r *ConnectionRegistry) Register(addr string, conn Downstream) {
	r.mu.Lock()
	_, replaced := r.conns[addr]
	r.conns[addr] = conn
	n := len(r.conns)
	r.mu.Unlock()

	r.metrics.DownstreamConnections.Set(float64(n))
	r.logger.Info("xapp_registered",
		"addr", addr,
		"replaced", replaced,
		"connections", n,
	)
}

// Unregister removes addr; removing an absent address is a no-op
func (r *ConnectionRegistry) Unregister(addr string) {
	r.mu.Lock()
	_, ok := r.conns[addr]
	delete(r.conns, addr)
	n := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.metrics.DownstreamConnections.Set(float64(n))
		r.logger.Info("xapp_unregistered", "addr", addr, "connections", n)
	}
}

// Remove unregisters addr only while it still maps to conn, so the teardown
// of a superseded connection never evicts its replacement.
func (r *ConnectionRegistry) Remove(addr string, conn Downstream) bool {
	r.mu.Lock()
	current, ok := r.conns[addr]
	if ok && current == conn {
		delete(r.conns, addr)
	}
	n := len(r.conns)
	r.mu.Unlock()

	removed := ok && current == conn
	if removed {
		r.metrics.DownstreamConnections.Set(float64(n))
		r.logger.Info("xapp_unregistered", "addr", addr, "connections", n)
	}
	return removed
}

// Snapshot is a point-in-time copy, sorted by address
func (r *ConnectionRegistry) Snapshot() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.conns))
	for addr, conn := range r.conns {
		entries = append(entries, Entry{Addr: addr, Conn: conn})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })
	return entries
}

func (r *ConnectionRegistry) Addresses() []string {
	entries := r.Snapshot()
	addrs := make([]string, len(entries))
	for i, e := range entries {
		addrs[i] = e.Addr
	}
	return addrs
}

func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Broadcast sends frame to every registered connection. A failed send
// closes and unregisters that connection and delivery to the rest goes on.
func (r *ConnectionRegistry) Broadcast(frame []byte) BroadcastResult {
	var result BroadcastResult
	for _, e := range r.Snapshot() {
		if err := e.Conn.Send(frame); err != nil {
			r.logger.Warn("failed_to_send_broadcast",
				"addr", e.Addr,
				"error", err.Error(),
			)
			result.Failed = append(result.Failed, e.Addr)
			r.metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
			if r.Remove(e.Addr, e.Conn) {
				e.Conn.Close()
			}
			continue
		}
		result.Delivered = append(result.Delivered, e.Addr)
		r.metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
	}
	return result
}

// CloseAll closes and forgets every connection
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Downstream)
	r.mu.Unlock()

	for addr, conn := range conns {
		conn.Close()
		r.logger.Info("xapp_connection_closed", "addr", addr)
	}
	r.metrics.DownstreamConnections.Set(0)
}

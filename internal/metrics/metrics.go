// Package metrics is a minimal, concurrency-safe counter registry for the
// signaling relay. It keeps routing decisions (notably silent relay drops)
// observable without pulling a metrics backend into the hot path.
package metrics

import "sync"

// Counter names used across the signaling relay.
const (
	RoomsCreated      = "rooms_created"
	Joins             = "joins"
	Relays            = "relays"
	RelayDropNoTarget = "relay_drops_no_target"
	InvalidMessages   = "invalid_messages"
	Disconnects       = "disconnects"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

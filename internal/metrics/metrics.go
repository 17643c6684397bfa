package metrics

import "sync"

// Event names for presence and routing counters.
const (
	PeerJoined       = "peer_joined"
	PeerLeft         = "peer_left"
	MessageForwarded = "message_forwarded"
	MessageBroadcast = "message_broadcast"
	ChatRelayed      = "chat_relayed"
	PeerListServed   = "peer_list_served"
)

// Drop reasons. A dropped message is never surfaced to the sender; these
// counters are the only place the drops are visible.
const (
	DropReasonBadMessage      = "bad_message"
	DropReasonTargetNotFound  = "target_not_found"
	DropReasonTargetCrossRoom = "target_cross_room"
	DropReasonSendFailed      = "send_failed"
	DropReasonRateLimited     = "rate_limited"
	DropReasonUnknownType     = "unknown_type"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay deliberately keeps its own flat counter map instead of depending
// on a metrics client; the counters are exported for scraping via
// PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

// Dropped records a dropped message under its reason.
func (m *Metrics) Dropped(reason string) {
	m.Inc("message_dropped_" + reason)
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

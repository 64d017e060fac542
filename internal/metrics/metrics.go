package metrics

import "sync"

// Event names. Controller outcomes first, then WHIP transport signals.
const (
	PublishStarted  = "publish_started"
	PublishFailed   = "publish_failed"
	PublishStopped  = "publish_stopped"
	CaptureDenied   = "capture_denied"
	RelayStarted    = "relay_started"
	RelayFailed     = "relay_failed"
	RelayStopped    = "relay_stopped"
	RelayStopFailed = "relay_stop_failed"

	WHIPRTCPPLI      = "whip_rtcp_pli"
	WHIPRTCPFIR      = "whip_rtcp_fir"
	WHIPDeleteFailed = "whip_delete_failed"

	EventsClientConnected = "events_ws_client_connected"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid and
// discards everything, so components can take one optionally.
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

// Snapshot returns a copy of all counters.
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

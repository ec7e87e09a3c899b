// Package health classifies the external services as Up, Degraded, or
// Down based on periodic probes. Classification gates admission of new
// torrent work; it never cancels work already in flight.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the classification of one external service.
type State string

const (
	StateUp       State = "up"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Service names monitored by the client.
const (
	ServiceSearch    = "search"
	ServiceTransport = "transport"
)

// downThreshold is the number of consecutive probe failures after which a
// service is classified Down.
const downThreshold = 3

// maxBackoffFactor caps the probe backoff of a Down service at this
// multiple of the base interval.
const maxBackoffFactor = 8

// Prober is a lightweight connectivity check against one service.
type Prober interface {
	Probe(ctx context.Context) error
}

// Snapshot is the current view of one service's availability.
type Snapshot struct {
	Service             string        `json:"service"`
	State               State         `json:"state"`
	Reachable           bool          `json:"reachable"`
	Latency             time.Duration `json:"latency"`
	LastChecked         time.Time     `json:"last_checked"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

type serviceState struct {
	prober       Prober
	snapshot     Snapshot
	backoffUntil time.Time
}

// Monitor probes registered services and maintains their snapshots.
// Probes never block other Monitor readers beyond the snapshot swap.
type Monitor struct {
	mu          sync.RWMutex
	services    map[string]*serviceState
	backoffBase time.Duration
	logger      zerolog.Logger
}

// NewMonitor creates an empty Monitor.
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		services: make(map[string]*serviceState),
		logger:   logger.With().Str("component", "health").Logger(),
	}
}

// SetBackoff enables probe backoff for Down services: once a service hits
// the Down threshold, further probes are skipped for a window that doubles
// per failure, capped at eight times base. Zero disables backoff.
func (m *Monitor) SetBackoff(base time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffBase = base
}

// Register adds a service to be probed. Services start optimistically Up
// so a fresh process does not refuse work before the first probe.
func (m *Monitor) Register(name string, prober Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = &serviceState{
		prober: prober,
		snapshot: Snapshot{
			Service:   name,
			State:     StateUp,
			Reachable: true,
		},
	}
}

// Check probes one service and updates its snapshot. A single success
// returns the service to Up from any state; the first failure degrades it
// and the third consecutive failure marks it Down.
func (m *Monitor) Check(ctx context.Context, name string) Snapshot {
	m.mu.RLock()
	svc, ok := m.services[name]
	var skip bool
	var snapBeforeProbe Snapshot
	if ok {
		skip = time.Now().Before(svc.backoffUntil)
		snapBeforeProbe = svc.snapshot
	}
	m.mu.RUnlock()
	if !ok {
		return Snapshot{Service: name, State: StateDown}
	}
	if skip {
		return snapBeforeProbe
	}

	start := time.Now()
	err := svc.prober.Probe(ctx)
	latency := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := svc.snapshot
	snap.Latency = latency
	snap.LastChecked = time.Now()

	if err == nil {
		if snap.State != StateUp {
			m.logger.Info().Str("service", name).Msg("service recovered")
		}
		snap.State = StateUp
		snap.Reachable = true
		snap.ConsecutiveFailures = 0
		snap.LastError = ""
		svc.backoffUntil = time.Time{}
	} else {
		snap.Reachable = false
		snap.ConsecutiveFailures++
		snap.LastError = err.Error()
		if snap.ConsecutiveFailures >= downThreshold {
			snap.State = StateDown
			if m.backoffBase > 0 {
				shift := snap.ConsecutiveFailures - downThreshold
				factor := maxBackoffFactor
				if shift < 3 {
					factor = 1 << shift
				}
				svc.backoffUntil = time.Now().Add(time.Duration(factor) * m.backoffBase)
			}
		} else {
			snap.State = StateDegraded
		}
		m.logger.Warn().Str("service", name).
			Int("consecutive_failures", snap.ConsecutiveFailures).
			Str("state", string(snap.State)).
			Err(err).Msg("probe failed")
	}

	svc.snapshot = snap
	return snap
}

// CheckAll probes every registered service.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Snapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = m.Check(ctx, name)
	}
	return out
}

// Snapshot returns the last known snapshot for one service without probing.
func (m *Monitor) Snapshot(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return Snapshot{}, false
	}
	return svc.snapshot, true
}

// Snapshots returns the last known snapshots for all services.
func (m *Monitor) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Snapshot, len(m.services))
	for name, svc := range m.services {
		out[name] = svc.snapshot
	}
	return out
}

// TransportDown reports whether the transport daemon is classified Down.
// Used by the orchestrator to suppress promotion of new torrent jobs.
func (m *Monitor) TransportDown() bool {
	snap, ok := m.Snapshot(ServiceTransport)
	return ok && snap.State == StateDown
}

package aggregation

import (
	"sort"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
)

// HealthStatus is a source's operational state as seen by the engine.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failures
	// before a source is considered unhealthy.
	DefaultUnhealthyThreshold = 3

	// DefaultDegradedLatencyThreshold is the P95 fetch latency above which
	// a responsive source is reported degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	latencyWindowSize = 10
)

func (s HealthStatus) gaugeValue() float64 {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnhealthy:
		return 2
	default:
		return -1
	}
}

// SourceHealth tracks one chain family's fetch outcomes.
type SourceHealth struct {
	mu                       sync.RWMutex
	family                   model.ChainFamily
	status                   HealthStatus
	consecutiveFailures      int
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	lastError                string
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
	nowFn                    func() time.Time
}

func NewSourceHealth(family model.ChainFamily, unhealthyThreshold int) *SourceHealth {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &SourceHealth{
		family:                   family,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       unhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
		nowFn:                    time.Now,
	}
}

// RecordSuccess records a successful fetch and its latency. Returns true if
// the source was unhealthy before this call.
func (h *SourceHealth) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.pushLatency(latency)
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.lastError = ""
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return wasUnhealthy
}

// RecordFailure records a failed fetch. Returns true if the source became
// unhealthy on this call.
func (h *SourceHealth) RecordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.nowFn()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if err != nil {
		h.lastError = err.Error()
	}
	if h.consecutiveFailures >= h.unhealthyThreshold {
		if h.status != HealthStatusUnhealthy {
			h.status = HealthStatusUnhealthy
			return true
		}
		return false
	}
	if h.status != HealthStatusUnhealthy {
		h.status = HealthStatusDegraded
	}
	return false
}

func (h *SourceHealth) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// LastSuccessAt returns a copy of the last success time, or nil.
func (h *SourceHealth) LastSuccessAt() *time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastSuccessAt == nil {
		return nil
	}
	t := *h.lastSuccessAt
	return &t
}

// pushLatency must be called with mu held.
func (h *SourceHealth) pushLatency(d time.Duration) {
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)
}

// isLatencyDegraded must be called with mu held.
func (h *SourceHealth) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

func (h *SourceHealth) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.recentLatencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Snapshot returns a JSON-safe view.
func (h *SourceHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		ChainFamily:         h.family,
		Status:              h.status,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		LastError:           h.lastError,
		P95Latency:          h.percentileLatency(95).String(),
	}
}

type HealthSnapshot struct {
	ChainFamily         model.ChainFamily `json:"chain_family"`
	Status              HealthStatus      `json:"status"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	P95Latency          string            `json:"p95_latency"`
	BreakerState        string            `json:"breaker_state"`
}

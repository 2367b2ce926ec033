package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LatencySamples   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64 // ring of recent latencies for p95
	maxHistorySize int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())
	m.recordLatency(latencyMs)
}

// RecordFailure counts a failed provider call. Calls that never reached the
// provider pass a zero latency and are left out of the latency figures.
func (m *ProviderMetrics) RecordFailure(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
	if latencyMs > 0 {
		m.recordLatency(latencyMs)
	}
}

func (m *ProviderMetrics) recordLatency(latencyMs int64) {
	m.TotalLatencyMs.Add(latencyMs)
	m.LatencySamples.Add(1)
	m.LastLatencyMs.Store(latencyMs)

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	samples := m.LatencySamples.Load()
	if samples == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / samples
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ProviderStats is the snapshot reported on /health.
type ProviderStats struct {
	Name             string  `json:"name"`
	Configured       bool    `json:"configured"`
	Sandbox          bool    `json:"sandbox"`
	Override         string  `json:"override,omitempty"`
	TotalRequests    int64   `json:"totalRequests"`
	SuccessfulReqs   int64   `json:"successfulRequests"`
	FailedReqs       int64   `json:"failedRequests"`
	SuccessRate      float64 `json:"successRate"`
	AvgLatencyMs     int64   `json:"avgLatencyMs"`
	P95LatencyMs     int64   `json:"p95LatencyMs"`
	LastLatencyMs    int64   `json:"lastLatencyMs"`
	ConsecutiveFails int32   `json:"consecutiveFails"`
}

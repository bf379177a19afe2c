package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks in-process counters and latency windows for /api/metrics.
// Prometheus collectors cover the same ground for scraping; this view keeps
// percentiles over a sliding window of recent samples.
type SystemMetrics struct {
	GateLatency        *LatencyHistogram
	CalibrationLatency *LatencyHistogram

	ticksProcessed  uint64
	depthProcessed  uint64
	tradesProcessed uint64
	gateApproved    uint64
	gateBlocked     uint64
	errorsCount     uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with a sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		GateLatency:        NewLatencyHistogram(1000),
		CalibrationLatency: NewLatencyHistogram(500),
		started:            time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementTicks()  { atomic.AddUint64(&m.ticksProcessed, 1) }
func (m *SystemMetrics) IncrementDepth()  { atomic.AddUint64(&m.depthProcessed, 1) }
func (m *SystemMetrics) IncrementTrades() { atomic.AddUint64(&m.tradesProcessed, 1) }
func (m *SystemMetrics) IncrementErrors() { atomic.AddUint64(&m.errorsCount, 1) }

// RecordGate counts one pre-filter outcome and its latency in both the
// in-process window and the prometheus collectors.
func (m *SystemMetrics) RecordGate(approved bool, stage string, elapsed time.Duration) {
	outcome := "blocked"
	if approved {
		outcome = "approved"
		atomic.AddUint64(&m.gateApproved, 1)
	} else {
		atomic.AddUint64(&m.gateBlocked, 1)
	}
	m.GateLatency.RecordDuration(elapsed)
	GateDecisionsTotal.WithLabelValues(outcome, stage).Inc()
	GateLatency.Observe(elapsed.Seconds())
}

// MetricsSnapshot is a point-in-time view of SystemMetrics.
type MetricsSnapshot struct {
	GateLatency        LatencyStats `json:"gate_latency"`
	CalibrationLatency LatencyStats `json:"calibration_latency"`
	TicksProcessed     uint64       `json:"ticks_processed"`
	DepthProcessed     uint64       `json:"depth_processed"`
	TradesProcessed    uint64       `json:"trades_processed"`
	GateApproved       uint64       `json:"gate_approved"`
	GateBlocked        uint64       `json:"gate_blocked"`
	ErrorsCount        uint64       `json:"errors_count"`
	GoroutineCount     int          `json:"goroutine_count"`
	HeapAlloc          uint64       `json:"heap_alloc_bytes"`
	Uptime             string       `json:"uptime"`
	Timestamp          time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		GateLatency:        m.GateLatency.Stats(),
		CalibrationLatency: m.CalibrationLatency.Stats(),
		TicksProcessed:     atomic.LoadUint64(&m.ticksProcessed),
		DepthProcessed:     atomic.LoadUint64(&m.depthProcessed),
		TradesProcessed:    atomic.LoadUint64(&m.tradesProcessed),
		GateApproved:       atomic.LoadUint64(&m.gateApproved),
		GateBlocked:        atomic.LoadUint64(&m.gateBlocked),
		ErrorsCount:        atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:     runtime.NumGoroutine(),
		HeapAlloc:          memStats.HeapAlloc,
		Uptime:             time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:          time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

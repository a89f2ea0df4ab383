package mainmemory

import (
	"strconv"
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the command latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for the cache server
type Metrics struct {
	// Command counters
	GetOps    atomic.Uint64
	SetOps    atomic.Uint64
	DeleteOps atomic.Uint64
	OtherOps  atomic.Uint64

	// Hit tracking
	Hits   atomic.Uint64
	Misses atomic.Uint64

	// Storage
	StoredBytes  atomic.Uint64 // Total payload bytes accepted
	StoreErrors  atomic.Uint64 // Rejected stores (resource exhaustion)
	Evictions    atomic.Uint64
	EvictedBytes atomic.Uint64
	Strides      atomic.Uint64 // Hash table expansion steps

	// Connections and traffic
	ConnsOpened atomic.Uint64
	ConnsClosed atomic.Uint64
	BytesIn     atomic.Uint64
	BytesOut    atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// recordLatency records operation latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// ObserveCommand implements the observer contract for one finished
// protocol command.
func (m *Metrics) ObserveCommand(op string, latencyNs uint64, hit bool) {
	switch op {
	case "get", "gets":
		m.GetOps.Add(1)
		if hit {
			m.Hits.Add(1)
		} else {
			m.Misses.Add(1)
		}
	case "set", "add", "replace", "append", "prepend", "cas":
		m.SetOps.Add(1)
	case "delete":
		m.DeleteOps.Add(1)
	default:
		m.OtherOps.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveStore records an accepted or rejected store payload.
func (m *Metrics) ObserveStore(bytes uint64, success bool) {
	if success {
		m.StoredBytes.Add(bytes)
	} else {
		m.StoreErrors.Add(1)
	}
}

// ObserveEviction records one CLOCK eviction.
func (m *Metrics) ObserveEviction(bytes uint64) {
	m.Evictions.Add(1)
	m.EvictedBytes.Add(bytes)
}

// ObserveStride records one hash-table expansion step.
func (m *Metrics) ObserveStride() {
	m.Strides.Add(1)
}

// ObserveConn records a connection open or close.
func (m *Metrics) ObserveConn(opened bool) {
	if opened {
		m.ConnsOpened.Add(1)
	} else {
		m.ConnsClosed.Add(1)
	}
}

// ObserveBytes records wire traffic.
func (m *Metrics) ObserveBytes(in, out uint64) {
	if in > 0 {
		m.BytesIn.Add(in)
	}
	if out > 0 {
		m.BytesOut.Add(out)
	}
}

// Stop marks the server as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters plus
// derived statistics.
type MetricsSnapshot struct {
	GetOps    uint64
	SetOps    uint64
	DeleteOps uint64
	OtherOps  uint64

	Hits   uint64
	Misses uint64

	StoredBytes  uint64
	StoreErrors  uint64
	Evictions    uint64
	EvictedBytes uint64
	Strides      uint64

	ConnsOpened uint64
	ConnsClosed uint64
	BytesIn     uint64
	BytesOut    uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns uint64
	LatencyP99Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps uint64
	HitRate  float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		GetOps:       m.GetOps.Load(),
		SetOps:       m.SetOps.Load(),
		DeleteOps:    m.DeleteOps.Load(),
		OtherOps:     m.OtherOps.Load(),
		Hits:         m.Hits.Load(),
		Misses:       m.Misses.Load(),
		StoredBytes:  m.StoredBytes.Load(),
		StoreErrors:  m.StoreErrors.Load(),
		Evictions:    m.Evictions.Load(),
		EvictedBytes: m.EvictedBytes.Load(),
		Strides:      m.Strides.Load(),
		ConnsOpened:  m.ConnsOpened.Load(),
		ConnsClosed:  m.ConnsClosed.Load(),
		BytesIn:      m.BytesIn.Load(),
		BytesOut:     m.BytesOut.Load(),
	}

	snap.TotalOps = snap.GetOps + snap.SetOps + snap.DeleteOps + snap.OtherOps

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	if lookups := snap.Hits + snap.Misses; lookups > 0 {
		snap.HitRate = float64(snap.Hits) / float64(lookups)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.GetOps.Store(0)
	m.SetOps.Store(0)
	m.DeleteOps.Store(0)
	m.OtherOps.Store(0)
	m.Hits.Store(0)
	m.Misses.Store(0)
	m.StoredBytes.Store(0)
	m.StoreErrors.Store(0)
	m.Evictions.Store(0)
	m.EvictedBytes.Store(0)
	m.Strides.Store(0)
	m.ConnsOpened.Store(0)
	m.ConnsClosed.Store(0)
	m.BytesIn.Store(0)
	m.BytesOut.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// StatLines renders the counters for the stats command.
func (m *Metrics) StatLines() [][2]string {
	snap := m.Snapshot()
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return [][2]string{
		{"uptime", strconv.FormatUint(snap.UptimeNs/1_000_000_000, 10)},
		{"cmd_get", u(snap.GetOps)},
		{"cmd_set", u(snap.SetOps)},
		{"cmd_delete", u(snap.DeleteOps)},
		{"get_hits", u(snap.Hits)},
		{"get_misses", u(snap.Misses)},
		{"evictions", u(snap.Evictions)},
		{"expansions", u(snap.Strides)},
		{"bytes_read", u(snap.BytesIn)},
		{"bytes_written", u(snap.BytesOut)},
		{"total_connections", u(snap.ConnsOpened)},
		{"curr_connections", u(snap.ConnsOpened - snap.ConnsClosed)},
	}
}

package lockstep

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the wait latency histogram buckets in nanoseconds.
// Buckets cover from 100ns to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	100,            // 100ns
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 9

// Metrics tracks per-process barrier statistics. Counters are process-local
// and never live in the shared mapping.
type Metrics struct {
	// Episode counters
	Episodes atomic.Uint64 // Wait calls completed by this process
	Releases atomic.Uint64 // Episodes in which this process was the releaser

	// Spin statistics
	SpinIterations atomic.Uint64 // Total spin hints issued while waiting
	MaxSpins       atomic.Uint64 // Longest single wait in spin iterations

	// Wait latency tracking
	TotalWaitNs atomic.Uint64 // Cumulative time spent inside Wait
	MaxWaitNs   atomic.Uint64 // Longest single Wait

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of waits with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Bootstrap
	Bootstraps        atomic.Uint64 // Successful opens
	BootstrapFailures atomic.Uint64 // Failed opens
	BootstrapNs       atomic.Uint64 // Cumulative time spent in successful opens

	// Lifecycle
	StartTime atomic.Int64 // Metrics start timestamp (UnixNano)
	StopTime  atomic.Int64 // Barrier close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordWait records one completed Wait
func (m *Metrics) RecordWait(latencyNs uint64, spins uint64, released bool) {
	m.Episodes.Add(1)
	if released {
		m.Releases.Add(1)
	}
	m.SpinIterations.Add(spins)
	storeMax(&m.MaxSpins, spins)
	m.recordLatency(latencyNs)
}

// RecordBootstrap records the outcome of an Open
func (m *Metrics) RecordBootstrap(latencyNs uint64, success bool) {
	if !success {
		m.BootstrapFailures.Add(1)
		return
	}
	m.Bootstraps.Add(1)
	m.BootstrapNs.Add(latencyNs)
}

// storeMax raises *v to x if x is larger
func storeMax(v *atomic.Uint64, x uint64) {
	for {
		current := v.Load()
		if x <= current {
			return
		}
		if v.CompareAndSwap(current, x) {
			return
		}
	}
}

// recordLatency records wait latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalWaitNs.Add(latencyNs)
	storeMax(&m.MaxWaitNs, latencyNs)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the barrier as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Episodes uint64
	Releases uint64

	SpinIterations uint64
	MaxSpins       uint64
	AvgSpins       float64

	AvgWaitNs uint64
	MaxWaitNs uint64
	UptimeNs  uint64

	// Latency percentiles (in nanoseconds)
	WaitP50Ns  uint64
	WaitP99Ns  uint64
	WaitP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	EpisodesPerSec float64
	ReleaseRatio   float64 // Fraction of episodes released by this process

	Bootstraps        uint64
	BootstrapFailures uint64
	AvgBootstrapNs    uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Episodes:          m.Episodes.Load(),
		Releases:          m.Releases.Load(),
		SpinIterations:    m.SpinIterations.Load(),
		MaxSpins:          m.MaxSpins.Load(),
		MaxWaitNs:         m.MaxWaitNs.Load(),
		Bootstraps:        m.Bootstraps.Load(),
		BootstrapFailures: m.BootstrapFailures.Load(),
	}

	if snap.Episodes > 0 {
		snap.AvgWaitNs = m.TotalWaitNs.Load() / snap.Episodes
		snap.AvgSpins = float64(snap.SpinIterations) / float64(snap.Episodes)
		snap.ReleaseRatio = float64(snap.Releases) / float64(snap.Episodes)
	}
	if snap.Bootstraps > 0 {
		snap.AvgBootstrapNs = m.BootstrapNs.Load() / snap.Bootstraps
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.EpisodesPerSec = float64(snap.Episodes) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if snap.Episodes > 0 {
		snap.WaitP50Ns = m.calculatePercentile(0.50)
		snap.WaitP99Ns = m.calculatePercentile(0.99)
		snap.WaitP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.Episodes.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

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

	// latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Episodes.Store(0)
	m.Releases.Store(0)
	m.SpinIterations.Store(0)
	m.MaxSpins.Store(0)
	m.TotalWaitNs.Store(0)
	m.MaxWaitNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.Bootstraps.Store(0)
	m.BootstrapFailures.Store(0)
	m.BootstrapNs.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveWait is called after every Wait with its latency, the number of
	// spin hints issued and whether this process released the episode
	ObserveWait(latencyNs uint64, spins uint64, released bool)

	// ObserveBootstrap is called once per Open
	ObserveBootstrap(latencyNs uint64, role Role, success bool)
}

// NoOpObserver is a no-op implementation of Observer. A barrier configured
// with it skips timing its waits entirely.
type NoOpObserver struct{}

func (NoOpObserver) ObserveWait(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveBootstrap(uint64, Role, bool) {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveWait(latencyNs uint64, spins uint64, released bool) {
	o.metrics.RecordWait(latencyNs, spins, released)
}

func (o *MetricsObserver) ObserveBootstrap(latencyNs uint64, _ Role, success bool) {
	o.metrics.RecordBootstrap(latencyNs, success)
}

// Metrics returns the underlying metrics
func (o *MetricsObserver) Metrics() *Metrics {
	return o.metrics
}

// Compile-time interface checks
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)

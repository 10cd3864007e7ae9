package transport

import (
	"sync"
	"time"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// DefaultWindowSize is the bounded per-transport sample history.
const DefaultWindowSize = 256

// Sample is one completed operation's telemetry.
type Sample struct {
	LatencyUs      float64
	ThroughputMbps float64
	Success        bool
	At             time.Time
}

// Stats summarizes one transport's recent behavior.
//
// SampleCount is the total number of samples ever recorded, not the
// window size; it is monotone so observers can detect progress.
type Stats struct {
	AvgLatencyUs      float64
	AvgThroughputMbps float64
	SuccessRate       float64
	SampleCount       uint64
}

// Snapshot is a point-in-time copy of all transports' stats.
type Snapshot struct {
	SharedMemory Stats
	Network      Stats
}

// window is a bounded ring of samples for one transport.
type window struct {
	samples []Sample
	next    int
	filled  bool
	total   uint64
}

func (w *window) record(s Sample) {
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
	w.total++
}

func (w *window) stats() Stats {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return Stats{}
	}

	var latSum, thrSum float64
	var ok int
	for i := 0; i < n; i++ {
		s := &w.samples[i]
		latSum += s.LatencyUs
		thrSum += s.ThroughputMbps
		if s.Success {
			ok++
		}
	}
	return Stats{
		AvgLatencyUs:      latSum / float64(n),
		AvgThroughputMbps: thrSum / float64(n),
		SuccessRate:       float64(ok) / float64(n),
		SampleCount:       w.total,
	}
}

// Monitor keeps rolling telemetry per transport. Updates happen after a
// request completes; reads take a consistent snapshot.
type Monitor struct {
	mu      sync.RWMutex
	shared  window
	network window
}

// NewMonitor creates a monitor with the given window size per transport.
// Sizes below 1 use DefaultWindowSize.
func NewMonitor(windowSize int) *Monitor {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	return &Monitor{
		shared:  window{samples: make([]Sample, windowSize)},
		network: window{samples: make([]Sample, windowSize)},
	}
}

// RecordSharedMemory adds a sample for the shared-memory transport.
func (m *Monitor) RecordSharedMemory(s Sample) {
	m.mu.Lock()
	m.shared.record(s)
	m.mu.Unlock()
}

// RecordNetwork adds a sample for the network transport.
func (m *Monitor) RecordNetwork(s Sample) {
	m.mu.Lock()
	m.network.record(s)
	m.mu.Unlock()
}

// Observe records a completed operation for the given transport kind.
func (m *Monitor) Observe(kind meshfile.TransportKind, latency time.Duration, bytes uint64, success bool) {
	s := Sample{
		LatencyUs: float64(latency.Microseconds()),
		Success:   success,
		At:        time.Now(),
	}
	if secs := latency.Seconds(); secs > 0 && bytes > 0 {
		s.ThroughputMbps = float64(bytes) * 8 / secs / 1e6
	}

	m.mu.Lock()
	if kind == meshfile.TransportSharedMemory {
		m.shared.record(s)
	} else {
		m.network.record(s)
	}
	m.mu.Unlock()
}

// SnapshotNow returns a consistent copy of both transports' stats.
func (m *Monitor) SnapshotNow() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		SharedMemory: m.shared.stats(),
		Network:      m.network.stats(),
	}
}

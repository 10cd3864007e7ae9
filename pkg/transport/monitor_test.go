package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

func TestMonitorEmptySnapshot(t *testing.T) {
	m := NewMonitor(16)
	snap := m.SnapshotNow()

	assert.Zero(t, snap.SharedMemory.SampleCount)
	assert.Zero(t, snap.Network.SampleCount)
}

func TestMonitorAverages(t *testing.T) {
	m := NewMonitor(16)
	m.RecordSharedMemory(Sample{LatencyUs: 10, ThroughputMbps: 100, Success: true})
	m.RecordSharedMemory(Sample{LatencyUs: 30, ThroughputMbps: 300, Success: false})

	snap := m.SnapshotNow()
	assert.Equal(t, float64(20), snap.SharedMemory.AvgLatencyUs)
	assert.Equal(t, float64(200), snap.SharedMemory.AvgThroughputMbps)
	assert.Equal(t, 0.5, snap.SharedMemory.SuccessRate)
	assert.Equal(t, uint64(2), snap.SharedMemory.SampleCount)

	// Network stats stay independent.
	assert.Zero(t, snap.Network.SampleCount)
}

func TestMonitorWindowBounded(t *testing.T) {
	m := NewMonitor(4)
	for i := 0; i < 10; i++ {
		m.RecordNetwork(Sample{LatencyUs: float64(i), Success: true})
	}

	snap := m.SnapshotNow()
	// Average over the last 4 samples only: (6+7+8+9)/4.
	assert.Equal(t, 7.5, snap.Network.AvgLatencyUs)
	// SampleCount is total ever, monotone.
	assert.Equal(t, uint64(10), snap.Network.SampleCount)
}

func TestMonitorSampleCountMonotoneUnderConcurrency(t *testing.T) {
	m := NewMonitor(32)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Observe(meshfile.TransportSharedMemory, time.Millisecond, 4096, true)
			}
		}()
	}
	wg.Wait()

	snap := m.SnapshotNow()
	assert.Equal(t, uint64(1000), snap.SharedMemory.SampleCount)
	assert.Equal(t, float64(1), snap.SharedMemory.SuccessRate)
}

func TestObserveComputesThroughput(t *testing.T) {
	m := NewMonitor(8)
	// 1MB in 1s = 8 Mbps.
	m.Observe(meshfile.TransportNetwork, time.Second, 1e6, true)

	snap := m.SnapshotNow()
	assert.InDelta(t, 8.0, snap.Network.AvgThroughputMbps, 0.01)
}

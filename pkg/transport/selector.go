package transport

import (
	"github.com/marmos91/meshfile/pkg/config"
	"github.com/marmos91/meshfile/pkg/meshfile"
)

// FallbackBehavior controls what happens when the preferred transport is
// unhealthy.
type FallbackBehavior int

const (
	// FallbackBestAvailable selects the other transport with reduced
	// confidence.
	FallbackBestAvailable FallbackBehavior = iota

	// FallbackStrict rejects the request instead of degrading.
	FallbackStrict
)

// ParseFallbackBehavior maps the config string onto the enum.
func ParseFallbackBehavior(s string) FallbackBehavior {
	if s == "strict" {
		return FallbackStrict
	}
	return FallbackBestAvailable
}

// Baseline expectations used before telemetry accumulates.
const (
	baselineSharedLatencyUs       = 10
	baselineSharedThroughputMbps  = 40000
	baselineNetworkLatencyUs      = 500
	baselineNetworkThroughputMbps = 1000

	// baselineConfidence is the floor for a clean, un-degraded decision.
	baselineConfidence = 0.8

	// failoverPenalty scales confidence when health forces a switch.
	failoverPenalty = 0.5
)

// Selector turns (request, telemetry snapshot) into a RoutingDecision.
type Selector struct {
	thresholds config.PerformanceThresholds
	fallback   FallbackBehavior
	auto       bool

	sharedAvailable  func() Health
	networkAvailable func() Health
}

// NewSelector creates a selector with the given tuning. The two health
// functions report transport liveness; a nil network function marks the
// network transport as absent (local-only deployments).
func NewSelector(thresholds config.PerformanceThresholds, fallback FallbackBehavior, auto bool, shared, network func() Health) *Selector {
	if shared == nil {
		shared = func() Health { return Health{Available: true} }
	}
	return &Selector{
		thresholds:       thresholds,
		fallback:         fallback,
		auto:             auto,
		sharedAvailable:  shared,
		networkAvailable: network,
	}
}

// expectations derives the expected envelope for one transport from its
// stats, falling back to baselines before telemetry accumulates.
func expectations(kind meshfile.TransportKind, stats Stats) (latencyUs, throughputMbps float64) {
	if stats.SampleCount > 0 {
		lat := stats.AvgLatencyUs
		thr := stats.AvgThroughputMbps
		if lat == 0 {
			lat = baselineLatency(kind)
		}
		if thr == 0 {
			thr = baselineThroughput(kind)
		}
		return lat, thr
	}
	return baselineLatency(kind), baselineThroughput(kind)
}

func baselineLatency(kind meshfile.TransportKind) float64 {
	if kind == meshfile.TransportSharedMemory {
		return baselineSharedLatencyUs
	}
	return baselineNetworkLatencyUs
}

func baselineThroughput(kind meshfile.TransportKind) float64 {
	if kind == meshfile.TransportSharedMemory {
		return baselineSharedThroughputMbps
	}
	return baselineNetworkThroughputMbps
}

// Decide produces the routing decision for req against the snapshot.
//
// Rules are applied in priority order: hard preference constraints,
// performance constraints, adaptive optimization, then health fallback.
func (s *Selector) Decide(req *meshfile.SharedFileRequest, snap Snapshot) (RoutingDecision, error) {
	sharedUp := s.sharedAvailable().Available
	networkUp := s.networkAvailable != nil && s.networkAvailable().Available

	pref := req.TransportPreference

	// Rule 1: hard constraints short-circuit, including unavailability.
	if pref.RequiresLocal() {
		if !sharedUp {
			return RoutingDecision{}, meshfile.NewError(meshfile.KindTransportUnavailable,
				"shared memory transport required but unavailable")
		}
		return s.decision(meshfile.TransportSharedMemory, snap, 1.0, ForcedByPreference), nil
	}
	if pref.RequiresNetwork() {
		if !networkUp {
			return RoutingDecision{}, meshfile.NewError(meshfile.KindTransportUnavailable,
				"network transport required but unavailable")
		}
		return s.decision(meshfile.TransportNetwork, snap, 1.0, ForcedByPreference), nil
	}

	if !sharedUp && !networkUp {
		return RoutingDecision{}, meshfile.NewError(meshfile.KindTransportUnavailable,
			"no transport available")
	}

	// Rule 2: performance constraints.
	if req.Performance.MaxLatencyMs > 0 {
		maxLatencyUs := float64(req.Performance.MaxLatencyMs) * 1000
		if maxLatencyUs <= s.thresholds.LatencyLocalThresholdUs && sharedUp {
			return s.healthChecked(meshfile.TransportSharedMemory, snap, LatencyCritical, sharedUp, networkUp)
		}
	}
	if req.PayloadSize() > s.thresholds.LargeMessageThresholdBytes &&
		networkUp && snap.Network.AvgThroughputMbps >= s.thresholds.ThroughputNetworkThresholdMbps {
		return s.healthChecked(meshfile.TransportNetwork, snap, HighThroughput, sharedUp, networkUp)
	}

	// Rule 3: soft preferences and adaptive optimization.
	var preferred meshfile.TransportKind
	rationale := AdaptiveBest
	switch {
	case pref == meshfile.PreferLocal && sharedUp:
		preferred = meshfile.TransportSharedMemory
	case pref == meshfile.PreferNetwork && networkUp:
		preferred = meshfile.TransportNetwork
	case s.auto && sharedUp && networkUp:
		preferred = s.adaptivePick(req, snap)
	case sharedUp:
		preferred = meshfile.TransportSharedMemory
	default:
		preferred = meshfile.TransportNetwork
	}

	return s.healthChecked(preferred, snap, rationale, sharedUp, networkUp)
}

// adaptivePick chooses the transport minimizing expected latency subject
// to the throughput requirement. Equal expectations tie-break to shared
// memory for small payloads and the network for large ones.
func (s *Selector) adaptivePick(req *meshfile.SharedFileRequest, snap Snapshot) meshfile.TransportKind {
	sharedLat, sharedThr := expectations(meshfile.TransportSharedMemory, snap.SharedMemory)
	netLat, netThr := expectations(meshfile.TransportNetwork, snap.Network)

	need := req.Performance.MinThroughputMbps
	sharedOK := need == 0 || sharedThr >= need
	netOK := need == 0 || netThr >= need

	switch {
	case sharedOK && !netOK:
		return meshfile.TransportSharedMemory
	case netOK && !sharedOK:
		return meshfile.TransportNetwork
	}

	if sharedLat < netLat {
		return meshfile.TransportSharedMemory
	}
	if netLat < sharedLat {
		return meshfile.TransportNetwork
	}
	// Tie: small payloads stay local, large payloads go wide.
	if req.PayloadSize() > s.thresholds.LargeMessageThresholdBytes {
		return meshfile.TransportNetwork
	}
	return meshfile.TransportSharedMemory
}

// healthChecked applies rule 4: degrade or reject when the chosen
// transport's recent success rate is below the health threshold.
func (s *Selector) healthChecked(kind meshfile.TransportKind, snap Snapshot, rationale Rationale, sharedUp, networkUp bool) (RoutingDecision, error) {
	if s.healthy(kind, snap) {
		return s.decision(kind, snap, baselineConfidence, rationale), nil
	}

	other := meshfile.TransportNetwork
	otherUp := networkUp
	if kind == meshfile.TransportNetwork {
		other = meshfile.TransportSharedMemory
		otherUp = sharedUp
	}

	if s.fallback == FallbackStrict {
		return RoutingDecision{}, meshfile.Errorf(meshfile.KindTransportUnavailable,
			"%s transport unhealthy and fallback is strict", kind)
	}
	if !otherUp || !s.healthy(other, snap) {
		// Both degraded: keep the original choice at reduced confidence
		// rather than flapping.
		return s.decision(kind, snap, baselineConfidence*failoverPenalty, Failover), nil
	}
	return s.decision(other, snap, baselineConfidence*failoverPenalty, Failover), nil
}

// healthy reports whether the transport's recent success rate clears the
// configured floor. Transports without samples are presumed healthy.
func (s *Selector) healthy(kind meshfile.TransportKind, snap Snapshot) bool {
	stats := snap.SharedMemory
	if kind == meshfile.TransportNetwork {
		stats = snap.Network
	}
	if stats.SampleCount == 0 {
		return true
	}
	return stats.SuccessRate >= s.thresholds.MinSuccessRate
}

func (s *Selector) decision(kind meshfile.TransportKind, snap Snapshot, confidence float64, rationale Rationale) RoutingDecision {
	stats := snap.SharedMemory
	if kind == meshfile.TransportNetwork {
		stats = snap.Network
	}
	lat, thr := expectations(kind, stats)
	return RoutingDecision{
		Transport:              kind,
		Confidence:             confidence,
		ExpectedLatencyUs:      lat,
		ExpectedThroughputMbps: thr,
		Rationale:              rationale,
	}
}

// Package transport defines the transport capability, the rolling
// performance monitor, and the selector that routes each request to the
// transport expected to serve it best.
package transport

import (
	"context"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

// Health is a transport's self-reported liveness.
type Health struct {
	// Available reports whether the transport can accept requests at all.
	Available bool

	// Detail optionally explains an unavailable transport.
	Detail string
}

// Transport executes shared-file operations over one concrete mechanism.
//
// Implementations must be safe for concurrent use. ExecuteRequest honors
// ctx cancellation at every blocking point.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Kind is the transport's routing identity.
	Kind() meshfile.TransportKind

	// ExecuteRequest performs the request's operation and returns its
	// typed outcome.
	ExecuteRequest(ctx context.Context, req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error)

	// HealthSnapshot reports current liveness.
	HealthSnapshot() Health
}

// Rationale names why the selector picked a transport.
type Rationale int

const (
	// ForcedByPreference: a hard Require*/??Only preference decided.
	ForcedByPreference Rationale = iota + 1

	// LatencyCritical: the latency requirement forced shared memory.
	LatencyCritical

	// HighThroughput: a large payload routed to the network's pipes.
	HighThroughput

	// AdaptiveBest: telemetry picked the best expected performer.
	AdaptiveBest

	// Failover: the preferred transport was unhealthy; the other was
	// selected with reduced confidence.
	Failover
)

func (r Rationale) String() string {
	switch r {
	case ForcedByPreference:
		return "forced_by_preference"
	case LatencyCritical:
		return "latency_critical"
	case HighThroughput:
		return "high_throughput"
	case AdaptiveBest:
		return "adaptive_best"
	case Failover:
		return "failover"
	default:
		return "unknown"
	}
}

// RoutingDecision is the selector's output: the chosen transport plus the
// performance envelope it expects. Decisions are ephemeral; they are
// produced per request and not persisted.
type RoutingDecision struct {
	Transport              meshfile.TransportKind
	Confidence             float64
	ExpectedLatencyUs      float64
	ExpectedThroughputMbps float64
	Rationale              Rationale
}

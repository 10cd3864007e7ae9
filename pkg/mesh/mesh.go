// Package mesh provides the service-mesh surface driven through the C
// ABI: node lifecycle, service registration, discovery, load-balanced
// selection, and mesh statistics.
package mesh

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/meshfile/internal/logger"
	"github.com/marmos91/meshfile/pkg/meshfile"
)

// HealthState classifies a service instance.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthConfig holds the health-check settings. Configure validates and
// stores them; the mesh itself runs no probes and counts no failures or
// successes, so an instance's health changes only through SetHealth.
type HealthConfig struct {
	// CheckInterval is the probe interval setting.
	CheckInterval time.Duration

	// Timeout is the per-probe time limit setting.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures that
	// counts as unhealthy.
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive successes that
	// counts as healthy again.
	SuccessThreshold uint32
}

// Strategy names the load balancing policy.
type Strategy int

const (
	RoundRobin Strategy = iota
	Sticky
)

// LoadBalancerConfig tunes instance selection.
type LoadBalancerConfig struct {
	Strategy Strategy
}

// ServiceConfig describes a service instance to register.
type ServiceConfig struct {
	// Name groups instances of the same logical service.
	Name string

	// Endpoint is where the instance is reachable (host:port).
	Endpoint string

	// Weight is recorded on the instance; zero means weight 1.
	// SelectService does not consult it.
	Weight uint32

	// Metadata carries opaque instance attributes.
	Metadata map[string]string
}

// ServiceInfo is one registered instance.
type ServiceInfo struct {
	// ID uniquely names the instance within the mesh.
	ID string

	Name     string
	Endpoint string
	Weight   uint32
	Health   HealthState

	RegisteredAt time.Time

	Metadata map[string]string
}

// Stats summarizes the mesh.
type Stats struct {
	NodeID          string
	Running         bool
	ServiceNames    int
	Instances       int
	SelectionsTotal uint64
	StartedAt       time.Time
}

// Mesh is one node's view of the service mesh.
type Mesh struct {
	nodeID string
	port   uint16

	running   atomic.Bool
	startedAt time.Time

	mu       sync.RWMutex
	services map[string][]*ServiceInfo
	rr       map[string]*atomic.Uint64 // round-robin cursor per name
	sticky   map[string]string         // clientID → instance ID

	health HealthConfig
	lb     LoadBalancerConfig

	selections atomic.Uint64
}

// New creates a mesh node. The node id must be non-empty and the port
// non-zero.
func New(nodeID string, port uint16) (*Mesh, error) {
	if nodeID == "" {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "node id must not be empty")
	}
	if port == 0 {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "port must be non-zero")
	}
	return &Mesh{
		nodeID:   nodeID,
		port:     port,
		services: make(map[string][]*ServiceInfo),
		rr:       make(map[string]*atomic.Uint64),
		sticky:   make(map[string]string),
		health: HealthConfig{
			CheckInterval:    10 * time.Second,
			Timeout:          2 * time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 1,
		},
	}, nil
}

// NodeID returns the node identifier.
func (m *Mesh) NodeID() string { return m.nodeID }

// Start marks the mesh running. Idempotent.
func (m *Mesh) Start() error {
	if m.running.CompareAndSwap(false, true) {
		m.startedAt = time.Now()
		logger.Info("mesh started", "node_id", m.nodeID, "port", m.port)
	}
	return nil
}

// Stop marks the mesh stopped. Idempotent.
func (m *Mesh) Stop() error {
	if m.running.CompareAndSwap(true, false) {
		logger.Info("mesh stopped", "node_id", m.nodeID)
	}
	return nil
}

// IsRunning reports the lifecycle state.
func (m *Mesh) IsRunning() bool {
	return m.running.Load()
}

// Configure updates health and load-balancer tuning. Nil sub-configs
// mean "unchanged"; zero-valued required fields are rejected.
func (m *Mesh) Configure(health *HealthConfig, lb *LoadBalancerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if health != nil {
		if health.CheckInterval <= 0 || health.Timeout <= 0 {
			return meshfile.NewError(meshfile.KindInvalidRequest, "health intervals must be positive")
		}
		if health.FailureThreshold == 0 || health.SuccessThreshold == 0 {
			return meshfile.NewError(meshfile.KindInvalidRequest, "health thresholds must be positive")
		}
		m.health = *health
	}
	if lb != nil {
		m.lb = *lb
	}
	return nil
}

// Health returns the current health configuration.
func (m *Mesh) Health() HealthConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// RegisterService adds one instance and returns its assigned identity.
func (m *Mesh) RegisterService(cfg ServiceConfig) (*ServiceInfo, error) {
	if cfg.Name == "" {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "service name must not be empty")
	}
	if cfg.Endpoint == "" {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "service endpoint must not be empty")
	}

	weight := cfg.Weight
	if weight == 0 {
		weight = 1
	}
	info := &ServiceInfo{
		ID:           uuid.NewString(),
		Name:         cfg.Name,
		Endpoint:     cfg.Endpoint,
		Weight:       weight,
		Health:       HealthHealthy,
		RegisteredAt: time.Now(),
		Metadata:     cfg.Metadata,
	}

	m.mu.Lock()
	m.services[cfg.Name] = append(m.services[cfg.Name], info)
	if _, ok := m.rr[cfg.Name]; !ok {
		m.rr[cfg.Name] = &atomic.Uint64{}
	}
	m.mu.Unlock()

	logger.Info("service registered",
		"service", cfg.Name, logger.KeyEndpoint, cfg.Endpoint, "instance_id", info.ID)
	return info, nil
}

// DeregisterService removes one instance by id.
func (m *Mesh) DeregisterService(name, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instances := m.services[name]
	for i, inst := range instances {
		if inst.ID == id {
			m.services[name] = append(instances[:i], instances[i+1:]...)
			if len(m.services[name]) == 0 {
				delete(m.services, name)
				delete(m.rr, name)
			}
			return nil
		}
	}
	return meshfile.Errorf(meshfile.KindNotFound, "no instance %q of service %q", id, name)
}

// SetHealth updates one instance's health state.
func (m *Mesh) SetHealth(name, id string, state HealthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.services[name] {
		if inst.ID == id {
			inst.Health = state
			return nil
		}
	}
	return meshfile.Errorf(meshfile.KindNotFound, "no instance %q of service %q", id, name)
}

// DiscoverServices returns copies of all instances of name.
func (m *Mesh) DiscoverServices(name string) []ServiceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instances := m.services[name]
	out := make([]ServiceInfo, len(instances))
	for i, inst := range instances {
		out[i] = *inst
	}
	return out
}

// SelectService picks one instance of name that is not marked unhealthy;
// healthy, degraded and unknown instances are all eligible.
//
// With the sticky strategy and a non-empty clientID, the same client
// keeps its instance for as long as it stays registered and eligible.
// Otherwise selection is round-robin over the eligible instances.
func (m *Mesh) SelectService(name, clientID string) (*ServiceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := make([]*ServiceInfo, 0, len(m.services[name]))
	for _, inst := range m.services[name] {
		if inst.Health != HealthUnhealthy {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil, meshfile.Errorf(meshfile.KindNotFound, "no healthy instance of service %q", name)
	}

	m.selections.Add(1)

	if m.lb.Strategy == Sticky && clientID != "" {
		if id, ok := m.sticky[clientID]; ok {
			for _, inst := range healthy {
				if inst.ID == id {
					out := *inst
					return &out, nil
				}
			}
		}
	}

	cursor := m.rr[name]
	if cursor == nil {
		cursor = &atomic.Uint64{}
		m.rr[name] = cursor
	}
	pick := healthy[(cursor.Add(1)-1)%uint64(len(healthy))]

	if m.lb.Strategy == Sticky && clientID != "" {
		m.sticky[clientID] = pick.ID
	}

	out := *pick
	return &out, nil
}

// StatsNow summarizes the mesh.
func (m *Mesh) StatsNow() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instances := 0
	for _, list := range m.services {
		instances += len(list)
	}
	return Stats{
		NodeID:          m.nodeID,
		Running:         m.running.Load(),
		ServiceNames:    len(m.services),
		Instances:       instances,
		SelectionsTotal: m.selections.Load(),
		StartedAt:       m.startedAt,
	}
}

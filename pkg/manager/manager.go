// Package manager binds the validator, auth gate, policy engine, id
// allocator, transport selector, and region bookkeeping into the shared
// file manager façade.
//
// Control flow for a request: validate → auth → policy → (allocate id or
// resolve existing) → select transport → execute → respond. Connection
// bookkeeping is updated on both request and disconnect; the performance
// monitor is updated on completion. A background loop reclaims expired
// and idle regions.
package manager

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/meshfile/internal/logger"
	"github.com/marmos91/meshfile/internal/telemetry"
	"github.com/marmos91/meshfile/pkg/auth"
	"github.com/marmos91/meshfile/pkg/config"
	"github.com/marmos91/meshfile/pkg/meshfile"
	"github.com/marmos91/meshfile/pkg/metrics"
	"github.com/marmos91/meshfile/pkg/store"
	"github.com/marmos91/meshfile/pkg/transport"
	"github.com/marmos91/meshfile/pkg/transport/network"
	"github.com/marmos91/meshfile/pkg/transport/sharedmem"
)

// Options assembles a manager.
type Options struct {
	// Config is the manager configuration.
	Config config.ManagerConfig

	// Transport is the selector and transport tuning.
	Transport config.TransportConfig

	// AuthProvider is consulted by the auth gate. Required.
	AuthProvider auth.Provider

	// NetworkClient optionally enables the network transport. Nil means
	// local-only operation.
	NetworkClient transport.Transport

	// NetworkEncrypted reports whether the network client uses TLS, for
	// the encryption_required gate.
	NetworkEncrypted bool

	// Metrics optionally records manager metrics. Nil disables.
	Metrics *metrics.ManagerMetrics
}

// Stats is a point-in-time summary of the manager's registry.
type Stats struct {
	ActiveRegions    int
	TotalConnections int
	RequestsServed   uint64
	IDHighWater      uint64
}

// Manager is the shared file manager.
type Manager struct {
	cfg  config.ManagerConfig
	tcfg config.TransportConfig

	authProvider auth.Provider
	strict       bool

	shared   *sharedmem.Transport
	network  transport.Transport
	netcrypt bool
	selector *transport.Selector
	monitor  *transport.Monitor
	meta     *store.MetaStore
	metrics  *metrics.ManagerMetrics

	mu           sync.RWMutex
	byID         map[meshfile.FileID]*RegionEntry
	byIdentifier map[string]meshfile.FileID

	alloc    idAllocator
	requests atomic.Uint64

	cleanupStop chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// New assembles a manager from the options, restores durable metadata,
// and starts the cleanup loop.
func New(opts Options) (*Manager, error) {
	if opts.AuthProvider == nil {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "manager requires an auth provider")
	}

	shared, err := sharedmem.New(opts.Config.FilesDirectory, opts.Transport.SharedMemory.FileSuffix)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:          opts.Config,
		tcfg:         opts.Transport,
		authProvider: opts.AuthProvider,
		strict:       opts.Config.Security.StrictValidation == nil || *opts.Config.Security.StrictValidation,
		shared:       shared,
		network:      opts.NetworkClient,
		netcrypt:     opts.NetworkEncrypted,
		monitor:      transport.NewMonitor(transport.DefaultWindowSize),
		metrics:      opts.Metrics,
		byID:         make(map[meshfile.FileID]*RegionEntry),
		byIdentifier: make(map[string]meshfile.FileID),
		cleanupStop:  make(chan struct{}),
		cleanupDone:  make(chan struct{}),
	}

	var networkHealth func() transport.Health
	if m.network != nil {
		networkHealth = m.network.HealthSnapshot
	}
	auto := opts.Transport.AutoOptimization == nil || *opts.Transport.AutoOptimization
	m.selector = transport.NewSelector(
		opts.Transport.Thresholds,
		transport.ParseFallbackBehavior(opts.Transport.FallbackBehavior),
		auto,
		shared.HealthSnapshot,
		networkHealth,
	)

	if opts.Config.DatabasePath != "" {
		meta, err := store.Open(opts.Config.DatabasePath)
		if err != nil {
			shared.Close()
			return nil, err
		}
		m.meta = meta
		if err := m.restore(); err != nil {
			meta.Close()
			shared.Close()
			return nil, err
		}
	}

	go m.cleanupLoop()
	return m, nil
}

// restore reseeds the id allocator and re-adopts persisted regions whose
// backing files survived the previous run.
func (m *Manager) restore() error {
	hw, err := m.meta.HighWater()
	if err != nil {
		return err
	}
	m.alloc.seed(hw)

	records, err := m.meta.List()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, rec := range records {
		if _, statErr := os.Stat(rec.FilePath); statErr != nil {
			// Backing file is gone; drop the stale record.
			_ = m.meta.Delete(rec.Identifier)
			continue
		}

		entry := &RegionEntry{
			FileID:                 meshfile.FileID(rec.FileID),
			Identifier:             rec.Identifier,
			Path:                   rec.FilePath,
			CreatedAt:              rec.CreatedAt,
			LastAccess:             now,
			AutoCleanup:            rec.AutoCleanup,
			PersistAfterDisconnect: true, // it survived a restart once already
			Callers:                make(map[string]struct{}),
		}
		if rec.TTLSeconds > 0 {
			entry.TTLDeadline = rec.CreatedAt.Add(time.Duration(rec.TTLSeconds) * time.Second)
		}

		m.byID[entry.FileID] = entry
		m.byIdentifier[entry.Identifier] = entry.FileID

		logger.Info("region restored",
			logger.KeyIdentifier, rec.Identifier,
			logger.KeyFileID, rec.FileID,
			logger.KeyPath, rec.FilePath)
	}
	return nil
}

// defaultPreference maps the configured default onto the request enum.
func (m *Manager) defaultPreference() meshfile.TransportPreference {
	switch m.tcfg.DefaultPreference {
	case "prefer_local":
		return meshfile.PreferLocal
	case "prefer_network":
		return meshfile.PreferNetwork
	case "require_local":
		return meshfile.RequireLocal
	case "require_network":
		return meshfile.RequireNetwork
	default:
		return meshfile.PreferAdaptive
	}
}

// RequestFile validates, authorizes, policy-resolves, routes, and
// executes one shared file request.
func (m *Manager) RequestFile(ctx context.Context, req *meshfile.SharedFileRequest, authToken string) (*meshfile.SharedFileResponse, error) {
	if req == nil {
		return nil, validateRequest(nil)
	}
	start := time.Now()

	resp, err := m.requestFile(ctx, req, authToken, start)

	status := "ok"
	kind := meshfile.TransportSharedMemory
	if resp != nil {
		kind = resp.Transport
	}
	if err != nil {
		status = meshfile.KindOf(err).String()
	}
	m.metrics.ObserveRequest(req.Operation.Kind.String(), kind.String(), status, time.Since(start))
	m.requests.Add(1)
	return resp, err
}

func (m *Manager) requestFile(ctx context.Context, req *meshfile.SharedFileRequest, authToken string, start time.Time) (*meshfile.SharedFileResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "manager.request_file")
	defer span.End()
	span.SetAttributes(
		attribute.String("meshfile.identifier", req.Identifier),
		attribute.String("meshfile.operation", req.Operation.Kind.String()),
	)

	// 1. Validate.
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.TransportPreference == 0 {
		req.TransportPreference = m.defaultPreference()
	}

	// Derive the operation deadline before any suspension point.
	if d, ok := req.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// 2. Auth gate.
	if m.strict && authToken == "" {
		return nil, meshfile.NewError(meshfile.KindAuthDenied, "empty auth token")
	}
	identity, err := m.authProvider.Authorize(ctx, authToken)
	if err != nil {
		return nil, err
	}
	if !identity.HasAll(req.RequiredPermissions) {
		return nil, meshfile.NewError(meshfile.KindPolicyViolation, "caller lacks required permissions")
	}

	// 3. Policy resolution and bookkeeping under the registry lock.
	entry, created, err := m.resolveEntry(req, identity.ID)
	if err != nil {
		return nil, err
	}

	rollback := func() {
		if created {
			m.removeEntry(entry)
			_ = m.shared.DestroyRegion(entry.Path)
		} else {
			entry.rollbackConnect(identity.ID)
		}
	}

	// 4. Transport selection.
	decision, err := m.selector.Decide(req, m.monitor.SnapshotNow())
	if err != nil {
		rollback()
		return nil, err
	}
	if req.EncryptionRequired && decision.Transport == meshfile.TransportNetwork && !m.netcrypt {
		rollback()
		return nil, meshfile.NewError(meshfile.KindPolicyViolation,
			"encryption required but the network transport is not encrypted")
	}

	// 5. Execute. Lifecycle operations always run on the local region
	// store; data operations follow the routing decision.
	execTransport := decision.Transport
	if m.network == nil || lifecycleOp(req.Operation.Kind) {
		execTransport = meshfile.TransportSharedMemory
	}

	// A connect that carries a Create operation is an idempotent join:
	// the region already exists, so execution degrades to GetInfo.
	execReq := req
	if !created && req.Operation.Kind == meshfile.OpCreate {
		cp := *req
		cp.Operation = meshfile.Operation{Kind: meshfile.OpGetInfo}
		execReq = &cp
	}

	// A winning create whose operation does not materialize the region
	// (read, get-info, delete) still needs backing bytes first.
	if created && !materializingOp(req.Operation.Kind) {
		size := uint64(defaultRegionSize)
		if req.MaxSizeBytes != nil {
			size = *req.MaxSizeBytes
		}
		cr := *req
		cr.Operation = meshfile.Operation{Kind: meshfile.OpCreate, Size: size}
		if _, cerr := m.shared.ExecuteRequest(ctx, &cr); cerr != nil {
			rollback()
			return nil, mapDeadline(ctx, cerr)
		}
	}

	var result *meshfile.OperationResult
	if execTransport == meshfile.TransportNetwork {
		result, err = m.network.ExecuteRequest(network.WithAuthToken(ctx, authToken), execReq)
	} else {
		result, err = m.shared.ExecuteRequest(ctx, execReq)
	}

	elapsed := time.Since(start)
	m.monitor.Observe(execTransport, elapsed, req.PayloadSize(), err == nil)

	if err != nil {
		rollback()
		return nil, mapDeadline(ctx, err)
	}

	// 6. Post-execution bookkeeping.
	if created {
		m.persistEntry(entry, req)
	}
	entry.touch()

	if req.Operation.Kind == meshfile.OpDelete {
		m.removeEntry(entry)
		if m.meta != nil {
			_ = m.meta.Delete(entry.Identifier)
		}
	}

	size := result.SizeBytes
	if size == 0 {
		if s, serr := m.shared.RegionSize(entry.Path); serr == nil {
			size = s
		}
	}

	resp := &meshfile.SharedFileResponse{
		FileID:    entry.FileID,
		FilePath:  entry.Path,
		Metadata:  entry.snapshot(size),
		Transport: execTransport,
		Performance: meshfile.PerformanceProfile{
			ExpectedLatencyUs:      decision.ExpectedLatencyUs,
			ExpectedThroughputMbps: decision.ExpectedThroughputMbps,
			Confidence:             decision.Confidence,
		},
		Security: meshfile.SecurityContext{
			CallerID:    identity.ID,
			Encrypted:   execTransport == meshfile.TransportNetwork && m.netcrypt,
			Permissions: identity.Permissions,
		},
		Result: *result,
	}

	logger.Debug("request served",
		logger.KeyIdentifier, req.Identifier,
		logger.KeyFileID, uint64(entry.FileID),
		logger.KeyOperation, req.Operation.Kind.String(),
		logger.KeyTransport, execTransport.String(),
		logger.KeyRationale, decision.Rationale.String(),
		logger.KeyDuration, elapsed)

	return resp, nil
}

// defaultRegionSize backs regions created by a non-materializing
// operation with no explicit size cap.
const defaultRegionSize = 4096

// lifecycleOp reports whether the operation mutates the region's
// existence rather than its bytes.
func lifecycleOp(kind meshfile.OperationKind) bool {
	return kind == meshfile.OpCreate || kind == meshfile.OpDelete || kind == meshfile.OpResize
}

// materializingOp reports whether executing the operation itself brings
// the backing region into existence.
func materializingOp(kind meshfile.OperationKind) bool {
	return kind == meshfile.OpCreate || kind == meshfile.OpWrite
}

// mapDeadline converts a context deadline miss into the domain timeout.
func mapDeadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &meshfile.Error{Kind: meshfile.KindTimeout, Message: "operation deadline exceeded", Err: err}
	}
	return err
}

// resolveEntry applies the policy table and either connects to the
// existing entry or inserts a fresh one, all under the registry lock.
func (m *Manager) resolveEntry(req *meshfile.SharedFileRequest, callerID string) (*RegionEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, exists := m.byIdentifier[req.Identifier]

	action, err := resolvePolicy(req.CreationPolicy, req.ExistencePolicy, exists)
	if err != nil {
		var derr *meshfile.Error
		if errors.As(err, &derr) {
			derr.Identifier = req.Identifier
		}
		return nil, false, err
	}

	if action == actionConnect {
		if req.Operation.Kind == meshfile.OpResize {
			if err := m.checkSize(req); err != nil {
				return nil, false, err
			}
		}
		entry := m.byID[id]
		if err := entry.connect(callerID); err != nil {
			return nil, false, err
		}
		m.updateGauges()
		return entry, false, nil
	}

	// Create path: capacity and size gates first.
	if m.cfg.MaxFiles > 0 && len(m.byID) >= m.cfg.MaxFiles {
		return nil, false, meshfile.Errorf(meshfile.KindPolicyViolation,
			"manager file limit (%d) reached", m.cfg.MaxFiles)
	}
	if err := m.checkSize(req); err != nil {
		return nil, false, err
	}

	newID, err := m.alloc.next()
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	entry := &RegionEntry{
		FileID:                 newID,
		Identifier:             req.Identifier,
		Path:                   m.shared.ResolvePath(req),
		CreatedAt:              now,
		LastAccess:             now,
		ConnectionCount:        1,
		AutoCleanup:            req.AutoCleanup,
		PersistAfterDisconnect: req.PersistAfterDisconnect,
		Request:                *req,
		Callers:                map[string]struct{}{callerID: {}},
	}
	if req.MaxConnections != nil {
		entry.MaxConnections = *req.MaxConnections
	}
	switch {
	case req.TTLSeconds != nil:
		entry.TTLDeadline = now.Add(time.Duration(*req.TTLSeconds) * time.Second)
	case m.cfg.DefaultTTL > 0:
		entry.TTLDeadline = now.Add(m.cfg.DefaultTTL)
	}

	m.byID[newID] = entry
	m.byIdentifier[req.Identifier] = newID
	m.updateGauges()

	return entry, true, nil
}

// checkSize enforces the request cap and the manager-wide size limit on
// create and resize.
func (m *Manager) checkSize(req *meshfile.SharedFileRequest) error {
	var size uint64
	switch req.Operation.Kind {
	case meshfile.OpCreate:
		size = req.Operation.Size
	case meshfile.OpResize:
		size = req.Operation.NewSize
	case meshfile.OpWrite:
		size = req.Operation.Offset + uint64(len(req.Operation.Data))
	default:
		return nil
	}

	if req.MaxSizeBytes != nil && size > *req.MaxSizeBytes {
		return meshfile.Errorf(meshfile.KindPolicyViolation,
			"size %d exceeds the request cap %d", size, *req.MaxSizeBytes)
	}
	if max := m.cfg.MaxFileSize.Uint64(); max > 0 && size > max {
		return meshfile.Errorf(meshfile.KindPolicyViolation,
			"size %d exceeds the manager limit %d", size, max)
	}
	return nil
}

// persistEntry records a created region in the durable store.
func (m *Manager) persistEntry(entry *RegionEntry, req *meshfile.SharedFileRequest) {
	if m.meta == nil {
		return
	}

	rec := &store.Record{
		Identifier:  entry.Identifier,
		FileID:      uint64(entry.FileID),
		FilePath:    entry.Path,
		SizeBytes:   req.Operation.Size,
		AutoCleanup: entry.AutoCleanup,
		CreatedAt:   entry.CreatedAt,
	}
	if req.TTLSeconds != nil {
		rec.TTLSeconds = *req.TTLSeconds
	}
	if err := m.meta.Put(rec); err != nil {
		logger.Warn("persist region metadata failed",
			logger.KeyIdentifier, entry.Identifier, logger.KeyError, err)
	}
	if err := m.meta.SetHighWater(m.alloc.highWater()); err != nil {
		logger.Warn("persist id high-water failed", logger.KeyError, err)
	}
}

// removeEntry drops the entry from both registry maps.
func (m *Manager) removeEntry(entry *RegionEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byIdentifier[entry.Identifier]; ok && cur == entry.FileID {
		delete(m.byIdentifier, entry.Identifier)
	}
	delete(m.byID, entry.FileID)
	m.updateGauges()
}

// updateGauges refreshes registry gauges; callers hold the registry lock.
func (m *Manager) updateGauges() {
	m.metrics.SetActiveRegions(len(m.byID))
	total := 0
	for _, e := range m.byID {
		total += int(e.connections())
	}
	m.metrics.SetConnections(total)
}

// DisconnectFile decrements the region's connection count. When the
// count reaches zero and the region does not persist after disconnect,
// the entry and its backing file are destroyed before returning.
func (m *Manager) DisconnectFile(fileID meshfile.FileID) error {
	m.mu.Lock()
	entry, ok := m.byID[fileID]
	if !ok {
		m.mu.Unlock()
		return meshfile.Errorf(meshfile.KindNotFound, "no active region for file id %d", fileID)
	}

	remaining := entry.disconnect()
	destroy := remaining == 0 && !entry.PersistAfterDisconnect
	if destroy {
		if cur, ok := m.byIdentifier[entry.Identifier]; ok && cur == fileID {
			delete(m.byIdentifier, entry.Identifier)
		}
		delete(m.byID, fileID)
	}
	m.updateGauges()
	m.mu.Unlock()

	if !destroy {
		logger.Debug("region disconnected",
			logger.KeyFileID, uint64(fileID),
			logger.KeyConnections, remaining)
		return nil
	}

	if err := m.shared.DestroyRegion(entry.Path); err != nil {
		return err
	}
	if m.meta != nil {
		_ = m.meta.Delete(entry.Identifier)
	}
	logger.Info("region destroyed on last disconnect",
		logger.KeyIdentifier, entry.Identifier,
		logger.KeyFileID, uint64(fileID))
	return nil
}

// HandleRequest implements the network server's handler: remote
// requests execute on this manager's local regions.
func (m *Manager) HandleRequest(ctx context.Context, req *meshfile.SharedFileRequest, authToken string) (*meshfile.SharedFileResponse, error) {
	// Forwarding a forwarded request would loop; remote work is local
	// by definition on the serving side.
	local := *req
	local.TransportPreference = meshfile.RequireLocal
	return m.RequestFile(ctx, &local, authToken)
}

// Snapshot returns current performance telemetry.
func (m *Manager) Snapshot() transport.Snapshot {
	return m.monitor.SnapshotNow()
}

// Stats summarizes the registry.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, e := range m.byID {
		total += int(e.connections())
	}
	return Stats{
		ActiveRegions:    len(m.byID),
		TotalConnections: total,
		RequestsServed:   m.requests.Load(),
		IDHighWater:      m.alloc.highWater(),
	}
}

// cleanupLoop reclaims expired and idle regions every cleanup interval
// until Close. Errors are logged and retried on the next tick.
func (m *Manager) cleanupLoop() {
	defer close(m.cleanupDone)

	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = config.DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupStop:
			return
		case now := <-ticker.C:
			m.runCleanup(now)
		}
	}
}

// runCleanup destroys regions past their TTL, and auto-cleanup regions
// idle beyond the heartbeat window.
func (m *Manager) runCleanup(now time.Time) {
	type victim struct {
		entry  *RegionEntry
		reason string
	}

	m.mu.Lock()
	var victims []victim
	for _, entry := range m.byID {
		switch {
		case entry.expired(now):
			victims = append(victims, victim{entry, "ttl"})
		case entry.idle(now, m.cfg.HeartbeatTimeout):
			victims = append(victims, victim{entry, "idle"})
		}
	}
	for _, v := range victims {
		if cur, ok := m.byIdentifier[v.entry.Identifier]; ok && cur == v.entry.FileID {
			delete(m.byIdentifier, v.entry.Identifier)
		}
		delete(m.byID, v.entry.FileID)
	}
	m.updateGauges()
	m.mu.Unlock()

	for _, v := range victims {
		if err := m.shared.DestroyRegion(v.entry.Path); err != nil {
			logger.Warn("cleanup destroy failed",
				logger.KeyIdentifier, v.entry.Identifier, logger.KeyError, err)
			// Put the entry back so the next tick retries it, unless the
			// identifier has been taken again in the meantime.
			m.mu.Lock()
			if _, taken := m.byIdentifier[v.entry.Identifier]; !taken {
				m.byID[v.entry.FileID] = v.entry
				m.byIdentifier[v.entry.Identifier] = v.entry.FileID
				m.updateGauges()
			}
			m.mu.Unlock()
			continue
		}
		if m.meta != nil {
			_ = m.meta.Delete(v.entry.Identifier)
		}
		m.metrics.RecordCleanup(v.reason)
		logger.Info("region reclaimed",
			logger.KeyIdentifier, v.entry.Identifier,
			logger.KeyFileID, uint64(v.entry.FileID),
			"reason", v.reason)
	}
}

// Close stops the cleanup loop, flushes durable state, and releases all
// regions. Idempotent.
func (m *Manager) Close() error {
	var firstErr error
	m.closeOnce.Do(func() {
		close(m.cleanupStop)
		<-m.cleanupDone

		if m.meta != nil {
			if err := m.meta.SetHighWater(m.alloc.highWater()); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := m.meta.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := m.shared.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

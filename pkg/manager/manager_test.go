package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/meshfile/pkg/auth"
	"github.com/marmos91/meshfile/pkg/config"
	"github.com/marmos91/meshfile/pkg/meshfile"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	t.Setenv("TEST_ENV", "1")

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Manager.FilesDirectory = t.TempDir()
	cfg.Manager.DatabasePath = ""
	// Keep the background loop quiet during tests; cleanup behavior is
	// exercised directly through runCleanup.
	cfg.Manager.CleanupInterval = time.Hour
	cfg.Manager.HeartbeatTimeout = time.Hour

	provider, err := auth.NewStaticProvider()
	require.NoError(t, err)

	return Options{
		Config:       cfg.Manager,
		Transport:    cfg.Transport,
		AuthProvider: provider,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(testOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func createRequest(identifier string, size uint64) *meshfile.SharedFileRequest {
	return &meshfile.SharedFileRequest{
		Identifier:      identifier,
		Operation:       meshfile.Operation{Kind: meshfile.OpCreate, Size: size},
		Directionality:  meshfile.ReadWrite,
		ConnectionSide:  meshfile.ProducerConsumer,
		CreationPolicy:  meshfile.Create,
		ExistencePolicy: meshfile.CreateOrConnect,
	}
}

func connectRequest(identifier string) *meshfile.SharedFileRequest {
	return &meshfile.SharedFileRequest{
		Identifier:      identifier,
		Operation:       meshfile.Operation{Kind: meshfile.OpGetInfo},
		Directionality:  meshfile.ReadOnly,
		ConnectionSide:  meshfile.Consumer,
		CreationPolicy:  meshfile.NeverCreate,
		ExistencePolicy: meshfile.CreateOrConnect,
	}
}

func TestCreateThenConnect(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	respA, err := m.RequestFile(ctx, createRequest("demo_file_1", 1<<20), "client-a")
	require.NoError(t, err)
	assert.NotEqual(t, meshfile.InvalidFileID, respA.FileID)
	assert.Equal(t, uint32(1), respA.Metadata.ConnectionCount)
	assert.Equal(t, meshfile.TransportSharedMemory, respA.Transport)

	respB, err := m.RequestFile(ctx, connectRequest("demo_file_1"), "client-b")
	require.NoError(t, err)
	assert.Equal(t, respA.FileID, respB.FileID, "connect must reuse the creator's file id")
	assert.Equal(t, uint32(2), respB.Metadata.ConnectionCount)
	assert.Equal(t, respA.FilePath, respB.FilePath)
}

func TestConnectOnlyMissingRegion(t *testing.T) {
	m := newTestManager(t)

	req := connectRequest("non_existent_file")
	req.ExistencePolicy = meshfile.ConnectOnly

	_, err := m.RequestFile(context.Background(), req, "client-a")
	require.Error(t, err)
	assert.Equal(t, meshfile.KindNotFound, meshfile.KindOf(err))
	assert.Zero(t, m.Stats().ActiveRegions, "a rejected request must not mutate state")
}

func TestEmptyTokenStrictValidation(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RequestFile(context.Background(), createRequest("auth_region", 4096), "")
	require.Error(t, err)
	assert.Equal(t, meshfile.KindAuthDenied, meshfile.KindOf(err))
	assert.Zero(t, m.Stats().ActiveRegions)
}

func TestLatencyCriticalLocalRouting(t *testing.T) {
	m := newTestManager(t)

	req := createRequest("latency_region", 1024)
	req.TransportPreference = meshfile.RequireLocal
	req.Performance.MaxLatencyMs = 1

	resp, err := m.RequestFile(context.Background(), req, "client-a")
	require.NoError(t, err)
	assert.Equal(t, meshfile.TransportSharedMemory, resp.Transport)
	assert.GreaterOrEqual(t, resp.Performance.Confidence, 0.8)
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.RequestFile(ctx, createRequest("rw_region", 4096), "client-a")
	require.NoError(t, err)

	write := &meshfile.SharedFileRequest{
		Identifier:      "rw_region",
		Operation:       meshfile.Operation{Kind: meshfile.OpWrite, Offset: 64, Data: []byte("round trip")},
		Directionality:  meshfile.ReadWrite,
		ConnectionSide:  meshfile.Producer,
		CreationPolicy:  meshfile.NeverCreate,
		ExistencePolicy: meshfile.ConnectOnly,
	}
	wresp, err := m.RequestFile(ctx, write, "client-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), wresp.Result.BytesWritten)

	read := &meshfile.SharedFileRequest{
		Identifier:      "rw_region",
		Operation:       meshfile.Operation{Kind: meshfile.OpRead, Offset: 64, Length: 10},
		Directionality:  meshfile.ReadOnly,
		ConnectionSide:  meshfile.Consumer,
		CreationPolicy:  meshfile.NeverCreate,
		ExistencePolicy: meshfile.ConnectOnly,
	}
	rresp, err := m.RequestFile(ctx, read, "client-b")
	require.NoError(t, err)
	assert.Equal(t, []byte("round trip"), rresp.Result.Data)
}

func TestOutOfBoundsReadLeavesRegionIntact(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	create := createRequest("oob_region", 4096)
	create.Operation.InitialData = []byte("sentinel")
	_, err := m.RequestFile(ctx, create, "client-a")
	require.NoError(t, err)

	oob := &meshfile.SharedFileRequest{
		Identifier:      "oob_region",
		Operation:       meshfile.Operation{Kind: meshfile.OpRead, Offset: 4000, Length: 200},
		Directionality:  meshfile.ReadOnly,
		ConnectionSide:  meshfile.Consumer,
		CreationPolicy:  meshfile.NeverCreate,
		ExistencePolicy: meshfile.ConnectOnly,
	}
	_, err = m.RequestFile(ctx, oob, "client-b")
	require.Error(t, err)
	assert.Equal(t, meshfile.KindOutOfBounds, meshfile.KindOf(err))

	// The region bytes are unchanged.
	read := &meshfile.SharedFileRequest{
		Identifier:      "oob_region",
		Operation:       meshfile.Operation{Kind: meshfile.OpRead, Offset: 0, Length: 8},
		Directionality:  meshfile.ReadOnly,
		ConnectionSide:  meshfile.Consumer,
		CreationPolicy:  meshfile.NeverCreate,
		ExistencePolicy: meshfile.ConnectOnly,
	}
	rresp, err := m.RequestFile(ctx, read, "client-b")
	require.NoError(t, err)
	assert.Equal(t, []byte("sentinel"), rresp.Result.Data)
}

func TestCleanupOnLastDisconnect(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	create := createRequest("ephemeral_region", 2048)
	create.AutoCleanup = true
	create.PersistAfterDisconnect = false

	resp, err := m.RequestFile(ctx, create, "client-a")
	require.NoError(t, err)
	path := resp.FilePath
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.DisconnectFile(resp.FileID))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "backing file must be gone after the last disconnect")

	connect := connectRequest("ephemeral_region")
	connect.ExistencePolicy = meshfile.ConnectOnly
	_, err = m.RequestFile(ctx, connect, "client-b")
	assert.Equal(t, meshfile.KindNotFound, meshfile.KindOf(err))
}

func TestConnectionCountInvariant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	resp, err := m.RequestFile(ctx, createRequest("counted_region", 1024), "client-0")
	require.NoError(t, err)

	const extra = 5
	for i := 0; i < extra; i++ {
		cresp, err := m.RequestFile(ctx, connectRequest("counted_region"), "client-x")
		require.NoError(t, err)
		assert.Equal(t, uint32(2+i), cresp.Metadata.ConnectionCount)
	}

	// connects − disconnects, never negative.
	for i := 0; i < extra; i++ {
		require.NoError(t, m.DisconnectFile(resp.FileID))
	}
	assert.Equal(t, 1, m.Stats().TotalConnections)

	require.NoError(t, m.DisconnectFile(resp.FileID))
	assert.Zero(t, m.Stats().ActiveRegions)

	// A file id is only valid until the disconnect that retired it.
	err = m.DisconnectFile(resp.FileID)
	assert.Equal(t, meshfile.KindNotFound, meshfile.KindOf(err))
}

func TestPersistAfterDisconnectKeepsRegion(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	create := createRequest("durable_region", 1024)
	create.PersistAfterDisconnect = true

	resp, err := m.RequestFile(ctx, create, "client-a")
	require.NoError(t, err)

	require.NoError(t, m.DisconnectFile(resp.FileID))

	_, err = os.Stat(resp.FilePath)
	require.NoError(t, err, "persistent region must survive the last disconnect")

	// The identifier is still connectable, with the same file id.
	cresp, err := m.RequestFile(ctx, connectRequest("durable_region"), "client-b")
	require.NoError(t, err)
	assert.Equal(t, resp.FileID, cresp.FileID)
}

func TestMaxConnectionsGate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	limit := uint32(2)
	create := createRequest("capped_region", 1024)
	create.MaxConnections = &limit

	_, err := m.RequestFile(ctx, create, "client-a")
	require.NoError(t, err)

	_, err = m.RequestFile(ctx, connectRequest("capped_region"), "client-b")
	require.NoError(t, err)

	_, err = m.RequestFile(ctx, connectRequest("capped_region"), "client-c")
	require.Error(t, err)
	assert.Equal(t, meshfile.KindPolicyViolation, meshfile.KindOf(err))
}

func TestRequiredPermissionsGate(t *testing.T) {
	opts := testOptions(t)
	provider, err := auth.NewJWTProvider([]byte("gate-secret"), "")
	require.NoError(t, err)
	opts.AuthProvider = provider

	m, err := New(opts)
	require.NoError(t, err)
	defer m.Close()

	readOnly, err := provider.IssueToken("reader", []meshfile.Permission{meshfile.PermRead}, time.Minute)
	require.NoError(t, err)

	req := createRequest("guarded_region", 1024)
	req.RequiredPermissions = []meshfile.Permission{meshfile.PermWrite}

	_, err = m.RequestFile(context.Background(), req, readOnly)
	require.Error(t, err)
	assert.Equal(t, meshfile.KindPolicyViolation, meshfile.KindOf(err))
}

func TestManagerSizeLimit(t *testing.T) {
	opts := testOptions(t)
	opts.Config.MaxFileSize = 1024

	m, err := New(opts)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.RequestFile(context.Background(), createRequest("too_big", 4096), "client-a")
	require.Error(t, err)
	assert.Equal(t, meshfile.KindPolicyViolation, meshfile.KindOf(err))
}

func TestMaxFilesLimit(t *testing.T) {
	opts := testOptions(t)
	opts.Config.MaxFiles = 2

	m, err := New(opts)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	_, err = m.RequestFile(ctx, createRequest("slot_1", 64), "c")
	require.NoError(t, err)
	_, err = m.RequestFile(ctx, createRequest("slot_2", 64), "c")
	require.NoError(t, err)

	_, err = m.RequestFile(ctx, createRequest("slot_3", 64), "c")
	assert.Equal(t, meshfile.KindPolicyViolation, meshfile.KindOf(err))
}

func TestTTLCleanup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ttl := uint64(1)
	create := createRequest("ttl_region", 512)
	create.TTLSeconds = &ttl

	resp, err := m.RequestFile(ctx, create, "client-a")
	require.NoError(t, err)

	// Not yet expired.
	m.runCleanup(time.Now())
	assert.Equal(t, 1, m.Stats().ActiveRegions)

	// Past the deadline the loop reclaims it even while connected.
	m.runCleanup(time.Now().Add(2 * time.Second))
	assert.Zero(t, m.Stats().ActiveRegions)

	_, err = os.Stat(resp.FilePath)
	assert.True(t, os.IsNotExist(err))
}

func TestIdleAutoCleanup(t *testing.T) {
	opts := testOptions(t)
	opts.Config.HeartbeatTimeout = time.Minute

	m, err := New(opts)
	require.NoError(t, err)
	defer m.Close()

	create := createRequest("idle_region", 512)
	create.AutoCleanup = true
	_, err = m.RequestFile(context.Background(), create, "client-a")
	require.NoError(t, err)

	m.runCleanup(time.Now().Add(2 * time.Minute))
	assert.Zero(t, m.Stats().ActiveRegions)
}

func TestDeleteOperationRetiresIdentifier(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	resp, err := m.RequestFile(ctx, createRequest("deleted_region", 512), "client-a")
	require.NoError(t, err)

	del := &meshfile.SharedFileRequest{
		Identifier:      "deleted_region",
		Operation:       meshfile.Operation{Kind: meshfile.OpDelete},
		Directionality:  meshfile.ReadWrite,
		ConnectionSide:  meshfile.ProducerConsumer,
		CreationPolicy:  meshfile.NeverCreate,
		ExistencePolicy: meshfile.ConnectOnly,
	}
	_, err = m.RequestFile(ctx, del, "client-a")
	require.NoError(t, err)

	_, err = os.Stat(resp.FilePath)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, m.Stats().ActiveRegions)
}

func TestFileIDsMonotoneAcrossRestart(t *testing.T) {
	t.Setenv("TEST_ENV", "1")

	filesDir := t.TempDir()
	dbDir := filepath.Join(t.TempDir(), "meta")

	build := func() *Manager {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		cfg.Manager.FilesDirectory = filesDir
		cfg.Manager.DatabasePath = dbDir
		cfg.Manager.CleanupInterval = time.Hour
		cfg.Manager.HeartbeatTimeout = time.Hour

		provider, err := auth.NewStaticProvider()
		require.NoError(t, err)

		m, err := New(Options{Config: cfg.Manager, Transport: cfg.Transport, AuthProvider: provider})
		require.NoError(t, err)
		return m
	}

	m1 := build()
	create := createRequest("restart_region", 1024)
	create.PersistAfterDisconnect = true
	resp1, err := m1.RequestFile(context.Background(), create, "client-a")
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	m2 := build()
	defer m2.Close()

	// The persisted region is adopted and connectable.
	cresp, err := m2.RequestFile(context.Background(), connectRequest("restart_region"), "client-b")
	require.NoError(t, err)
	assert.Equal(t, resp1.FileID, cresp.FileID)

	// Fresh ids stay above the persisted high-water mark.
	resp2, err := m2.RequestFile(context.Background(), createRequest("fresh_region", 512), "client-b")
	require.NoError(t, err)
	assert.Greater(t, resp2.FileID, resp1.FileID)
}

func TestConnectWithCreateOperationJoins(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	respA, err := m.RequestFile(ctx, createRequest("join_region", 1024), "client-a")
	require.NoError(t, err)

	// A second create under CreateOrConnect joins instead of failing.
	respB, err := m.RequestFile(ctx, createRequest("join_region", 1024), "client-b")
	require.NoError(t, err)
	assert.Equal(t, respA.FileID, respB.FileID)
	assert.Equal(t, uint32(2), respB.Metadata.ConnectionCount)
}

func TestCreateOnlyRejectsSecondCreate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	req := createRequest("exclusive_region", 512)
	req.ExistencePolicy = meshfile.CreateOnly
	_, err := m.RequestFile(ctx, req, "client-a")
	require.NoError(t, err)

	_, err = m.RequestFile(ctx, req, "client-b")
	require.Error(t, err)
	assert.Equal(t, meshfile.KindAlreadyExists, meshfile.KindOf(err))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/meshfile/internal/bytesize"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)

	assert.Equal(t, DefaultBindAddress, cfg.Manager.BindAddress)
	assert.Equal(t, uint16(DefaultListenPort), cfg.Manager.ListenPort)
	assert.Equal(t, DefaultMaxFiles, cfg.Manager.MaxFiles)
	assert.Equal(t, bytesize.GiB, cfg.Manager.MaxFileSize)
	assert.Equal(t, DefaultHeartbeat, cfg.Manager.HeartbeatTimeout)
	assert.Equal(t, DefaultCleanupInterval, cfg.Manager.CleanupInterval)
	require.NotNil(t, cfg.Manager.Security.StrictValidation)
	assert.True(t, *cfg.Manager.Security.StrictValidation)

	assert.Equal(t, "adaptive", cfg.Transport.DefaultPreference)
	assert.Equal(t, "best_available", cfg.Transport.FallbackBehavior)
	assert.Equal(t, float64(1000), cfg.Transport.Thresholds.LatencyLocalThresholdUs)
	assert.Equal(t, uint64(1<<20), cfg.Transport.Thresholds.LargeMessageThresholdBytes)
	assert.Equal(t, "1.2", cfg.Transport.Network.TLS.MinVersion)
	assert.Equal(t, DefaultFileSuffix, cfg.Transport.SharedMemory.FileSuffix)
}

func TestDefaultsPreserveExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	cfg.Manager.MaxFiles = 7
	cfg.Transport.Thresholds.LargeMessageThresholdBytes = 42

	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized, not replaced")
	assert.Equal(t, 7, cfg.Manager.MaxFiles)
	assert.Equal(t, uint64(42), cfg.Transport.Thresholds.LargeMessageThresholdBytes)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: json
manager:
  listen_port: 4400
  max_file_size: 256Mi
  cleanup_interval: 10s
  files_directory: ` + dir + `
transport:
  default_preference: prefer_local
  network:
    endpoints:
      - 10.0.0.1:4400
      - 10.0.0.2:4400
    connect_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, uint16(4400), cfg.Manager.ListenPort)
	assert.Equal(t, 256*bytesize.MiB, cfg.Manager.MaxFileSize)
	assert.Equal(t, 10*time.Second, cfg.Manager.CleanupInterval)
	assert.Equal(t, dir, cfg.Manager.FilesDirectory)
	assert.Equal(t, "prefer_local", cfg.Transport.DefaultPreference)
	assert.Equal(t, []string{"10.0.0.1:4400", "10.0.0.2:4400"}, cfg.Transport.Network.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.Transport.Network.ConnectTimeout)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Level = "LOUD"

	require.Error(t, Validate(cfg))
}

func TestValidateTLSPairing(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Manager.TLSCertPath = "/etc/meshfile/cert.pem"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert_path and tls_key_path")

	cfg.Manager.TLSKeyPath = "/etc/meshfile/key.pem"
	require.NoError(t, Validate(cfg))
}

func TestValidateRequireTLSNeedsCerts(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Manager.RequireTLS = true

	require.Error(t, Validate(cfg))
}

func TestValidateJWTNeedsSecret(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Manager.Security.AuthProvider = "jwt"

	require.Error(t, Validate(cfg))

	cfg.Manager.Security.JWTSecret = "hmac-secret"
	require.NoError(t, Validate(cfg))
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, WriteSample(path, false))

	// A written sample must load cleanly.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)

	// Refuses to clobber without force.
	require.Error(t, WriteSample(path, false))
	require.NoError(t, WriteSample(path, true))
}

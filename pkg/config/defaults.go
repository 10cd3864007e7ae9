package config

import (
	"strings"
	"time"

	"github.com/marmos91/meshfile/internal/bytesize"
)

// Default values applied by ApplyDefaults.
const (
	DefaultBindAddress     = "127.0.0.1"
	DefaultListenPort      = 9878
	DefaultMaxFiles        = 1024
	DefaultFilesDirectory  = "/tmp/meshfile/files"
	DefaultDatabasePath    = "/tmp/meshfile/meta"
	DefaultFileSuffix      = "mshm"
	DefaultMetricsAddress  = ":9090"
	DefaultPoolSize        = 4
	DefaultHeartbeat       = 60 * time.Second
	DefaultCleanupInterval = 30 * time.Second
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyManagerDefaults(&cfg.Manager)
	applyTransportDefaults(&cfg.Transport)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize for consistent internal representation.
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultMetricsAddress
	}
}

func applyManagerDefaults(cfg *ManagerConfig) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = DefaultBindAddress
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = bytesize.GiB
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeat
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.FilesDirectory == "" {
		cfg.FilesDirectory = DefaultFilesDirectory
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath
	}
	if cfg.Security.StrictValidation == nil {
		strict := true
		cfg.Security.StrictValidation = &strict
	}
	if cfg.Security.AuthProvider == "" {
		cfg.Security.AuthProvider = "static"
	}
}

func applyTransportDefaults(cfg *TransportConfig) {
	if cfg.DefaultPreference == "" {
		cfg.DefaultPreference = "adaptive"
	}
	if cfg.FallbackBehavior == "" {
		cfg.FallbackBehavior = "best_available"
	}
	if cfg.AutoOptimization == nil {
		auto := true
		cfg.AutoOptimization = &auto
	}

	t := &cfg.Thresholds
	if t.LatencyLocalThresholdUs == 0 {
		t.LatencyLocalThresholdUs = 1000 // 1ms
	}
	if t.LatencyNetworkThresholdUs == 0 {
		t.LatencyNetworkThresholdUs = 10000 // 10ms
	}
	if t.ThroughputNetworkThresholdMbps == 0 {
		t.ThroughputNetworkThresholdMbps = 100
	}
	if t.LargeMessageThresholdBytes == 0 {
		t.LargeMessageThresholdBytes = 1 << 20 // 1MiB
	}
	if t.HighConnectionThreshold == 0 {
		t.HighConnectionThreshold = 64
	}
	if t.MinSuccessRate == 0 {
		t.MinSuccessRate = 0.9
	}

	n := &cfg.Network
	if n.ConnectTimeout == 0 {
		n.ConnectTimeout = 5 * time.Second
	}
	if n.ReadTimeout == 0 {
		n.ReadTimeout = 30 * time.Second
	}
	if n.WriteTimeout == 0 {
		n.WriteTimeout = 30 * time.Second
	}
	if n.KeepAlive == 0 {
		n.KeepAlive = 30 * time.Second
	}
	if n.PoolSize == 0 {
		n.PoolSize = DefaultPoolSize
	}
	if n.TLS.MinVersion == "" {
		n.TLS.MinVersion = "1.2"
	}

	if cfg.SharedMemory.FileSuffix == "" {
		cfg.SharedMemory.FileSuffix = DefaultFileSuffix
	}
}

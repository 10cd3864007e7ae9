// Package config loads, defaults, and validates the meshfile server
// configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MESHFILE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/meshfile/internal/bytesize"
)

// Config represents the full meshfile configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Manager configures the shared file manager
	Manager ManagerConfig `mapstructure:"manager" yaml:"manager"`

	// Transport configures transport selection and the two transports
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	// Default: false (opt-in)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS collector connection
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig contains Prometheus metrics server configuration.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress is the host:port for the /metrics endpoint.
	// Default: ":9090"
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// SecurityConfig groups the manager's security settings.
type SecurityConfig struct {
	// StrictValidation rejects empty auth tokens outright.
	// Default: true
	StrictValidation *bool `mapstructure:"strict_validation" yaml:"strict_validation"`

	// AuthProvider selects the auth provider: static or jwt.
	// The static provider is only honored when TEST_ENV=1.
	AuthProvider string `mapstructure:"auth_provider" validate:"omitempty,oneof=static jwt" yaml:"auth_provider"`

	// JWTSecret is the HMAC secret for the jwt provider.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
}

// ManagerConfig configures a shared file manager instance.
type ManagerConfig struct {
	// ListenPort is the port the network transport server binds.
	ListenPort uint16 `mapstructure:"listen_port" yaml:"listen_port"`

	// BindAddress is the interface address the server binds.
	// Default: "127.0.0.1"
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// MaxFiles bounds the number of simultaneously active regions.
	MaxFiles int `mapstructure:"max_files" validate:"omitempty,gt=0" yaml:"max_files"`

	// MaxFileSize bounds any single region's size.
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size"`

	// DefaultTTL applies to regions whose request carries no TTL.
	// Zero means no default TTL.
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`

	// HeartbeatTimeout is the idle window after which auto-cleanup
	// regions become eligible for reclamation.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"omitempty,gt=0" yaml:"heartbeat_timeout"`

	// CleanupInterval is the cadence of the background cleanup loop.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"omitempty,gt=0" yaml:"cleanup_interval"`

	// DatabasePath holds durable region metadata. Empty disables
	// persistence.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// FilesDirectory is where backing files live.
	FilesDirectory string `mapstructure:"files_directory" validate:"required" yaml:"files_directory"`

	// TLSCertPath and TLSKeyPath enable TLS on the network server.
	TLSCertPath string `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath  string `mapstructure:"tls_key_path" yaml:"tls_key_path"`

	// RequireTLS refuses plaintext network connections.
	RequireTLS bool `mapstructure:"require_tls" yaml:"require_tls"`

	// Security groups auth and validation settings.
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// PerformanceThresholds tunes the transport selector.
type PerformanceThresholds struct {
	// LatencyLocalThresholdUs: below this latency requirement shared
	// memory is preferred.
	LatencyLocalThresholdUs float64 `mapstructure:"latency_local_threshold_us" yaml:"latency_local_threshold_us"`

	// LatencyNetworkThresholdUs: above this expected latency the network
	// path is considered slow.
	LatencyNetworkThresholdUs float64 `mapstructure:"latency_network_threshold_us" yaml:"latency_network_threshold_us"`

	// ThroughputNetworkThresholdMbps: minimum network throughput for the
	// large-message preference to kick in.
	ThroughputNetworkThresholdMbps float64 `mapstructure:"throughput_network_threshold_mbps" yaml:"throughput_network_threshold_mbps"`

	// LargeMessageThresholdBytes: payloads above this count as large.
	LargeMessageThresholdBytes uint64 `mapstructure:"large_message_threshold_bytes" yaml:"large_message_threshold_bytes"`

	// HighConnectionThreshold: connection counts above this bias toward
	// the network transport's pooling.
	HighConnectionThreshold uint32 `mapstructure:"high_connection_threshold" yaml:"high_connection_threshold"`

	// MinSuccessRate: transports below this success rate are unhealthy.
	MinSuccessRate float64 `mapstructure:"min_success_rate" validate:"omitempty,gte=0,lte=1" yaml:"min_success_rate"`
}

// TLSClientConfig configures the client side of the network transport.
type TLSClientConfig struct {
	// Enabled turns on TLS for outbound connections.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// MinVersion is the minimum accepted TLS version: "1.2" or "1.3".
	MinVersion string `mapstructure:"min_version" validate:"omitempty,oneof=1.2 1.3" yaml:"min_version"`

	// InsecureSkipVerify disables peer certificate verification.
	// Default: false (verify).
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	// CAPath is an optional CA bundle for peer verification.
	CAPath string `mapstructure:"ca_path" yaml:"ca_path"`

	// CertPath and KeyPath optionally enable client-certificate auth.
	CertPath string `mapstructure:"cert_path" yaml:"cert_path"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path"`
}

// NetworkConfig configures the network transport.
type NetworkConfig struct {
	// Endpoints are the remote manager addresses (host:port).
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`

	// ConnectTimeout bounds dialing an endpoint.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"omitempty,gt=0" yaml:"connect_timeout"`

	// ReadTimeout and WriteTimeout bound a single framed exchange.
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"omitempty,gt=0" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"omitempty,gt=0" yaml:"write_timeout"`

	// KeepAlive is the TCP keep-alive period. Zero uses the OS default.
	KeepAlive time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`

	// PoolSize bounds idle pooled connections per endpoint.
	PoolSize int `mapstructure:"pool_size" validate:"omitempty,gt=0" yaml:"pool_size"`

	// TLS configures outbound TLS.
	TLS TLSClientConfig `mapstructure:"tls" yaml:"tls"`
}

// SharedMemoryConfig configures the shared-memory transport.
type SharedMemoryConfig struct {
	// FileSuffix is appended to derived backing file names.
	// Default: "mshm"
	FileSuffix string `mapstructure:"file_suffix" yaml:"file_suffix"`
}

// TransportConfig configures transport selection.
type TransportConfig struct {
	// DefaultPreference applies when a request carries no preference:
	// adaptive, prefer_local, prefer_network, require_local,
	// require_network
	DefaultPreference string `mapstructure:"default_preference" validate:"omitempty,oneof=adaptive prefer_local prefer_network require_local require_network" yaml:"default_preference"`

	// Thresholds tune the selector rules.
	Thresholds PerformanceThresholds `mapstructure:"thresholds" yaml:"thresholds"`

	// Network configures the network transport.
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// SharedMemory configures the shared-memory transport.
	SharedMemory SharedMemoryConfig `mapstructure:"shared_memory" yaml:"shared_memory"`

	// AutoOptimization lets the selector learn from telemetry.
	// Default: true
	AutoOptimization *bool `mapstructure:"auto_optimization" yaml:"auto_optimization"`

	// FallbackBehavior is strict or best_available.
	FallbackBehavior string `mapstructure:"fallback_behavior" validate:"omitempty,oneof=strict best_available" yaml:"fallback_behavior"`
}

// Load reads configuration from the given file path (optional), applies
// environment overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MESHFILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against struct tags and the cross
// field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()

	// Report field names from mapstructure tags so messages match the
	// YAML the user wrote.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if (cfg.Manager.TLSCertPath == "") != (cfg.Manager.TLSKeyPath == "") {
		return fmt.Errorf("invalid configuration: tls_cert_path and tls_key_path must be set together")
	}
	if cfg.Manager.RequireTLS && cfg.Manager.TLSCertPath == "" {
		return fmt.Errorf("invalid configuration: require_tls needs tls_cert_path and tls_key_path")
	}
	if (cfg.Transport.Network.TLS.CertPath == "") != (cfg.Transport.Network.TLS.KeyPath == "") {
		return fmt.Errorf("invalid configuration: network tls cert_path and key_path must be set together")
	}
	if cfg.Manager.Security.AuthProvider == "jwt" && cfg.Manager.Security.JWTSecret == "" {
		return fmt.Errorf("invalid configuration: jwt auth provider requires jwt_secret")
	}
	return nil
}

// WriteSample writes a sample configuration to path.
// Refuses to overwrite unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %q already exists (use --force to overwrite)", path)
		}
	}

	cfg := &Config{}
	ApplyDefaults(cfg)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

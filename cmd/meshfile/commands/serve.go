package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/meshfile/internal/logger"
	"github.com/marmos91/meshfile/internal/telemetry"
	"github.com/marmos91/meshfile/pkg/auth"
	"github.com/marmos91/meshfile/pkg/config"
	"github.com/marmos91/meshfile/pkg/manager"
	"github.com/marmos91/meshfile/pkg/metrics"
	"github.com/marmos91/meshfile/pkg/transport"
	"github.com/marmos91/meshfile/pkg/transport/network"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shared file manager and its network transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPathIfExists())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", logger.KeyError, err)
		}
	}()

	var managerMetrics *metrics.ManagerMetrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		managerMetrics = metrics.NewManagerMetrics()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", logger.KeyEndpoint, cfg.Metrics.ListenAddress)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logger.KeyError, err)
			}
		}()
	}

	provider, err := buildAuthProvider(cfg.Manager.Security)
	if err != nil {
		return err
	}

	var networkClient transport.Transport
	networkEncrypted := false
	if len(cfg.Transport.Network.Endpoints) > 0 {
		client, err := network.NewClient(cfg.Transport.Network)
		if err != nil {
			return err
		}
		defer client.Close()
		networkClient = client
		networkEncrypted = client.Encrypted()
	}

	mgr, err := manager.New(manager.Options{
		Config:           cfg.Manager,
		Transport:        cfg.Transport,
		AuthProvider:     provider,
		NetworkClient:    networkClient,
		NetworkEncrypted: networkEncrypted,
		Metrics:          managerMetrics,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	serverCfg := network.ServerConfig{
		BindAddress:     cfg.Manager.BindAddress,
		Port:            cfg.Manager.ListenPort,
		ReadTimeout:     cfg.Transport.Network.ReadTimeout,
		WriteTimeout:    cfg.Transport.Network.WriteTimeout,
		KeepAlive:       cfg.Transport.Network.KeepAlive,
		MaxConnections:  int(cfg.Transport.Thresholds.HighConnectionThreshold) * 4,
		ShutdownTimeout: 10 * time.Second,
	}
	if cfg.Manager.TLSCertPath != "" {
		tlsCfg, err := network.ServerTLSFromFiles(cfg.Manager.TLSCertPath, cfg.Manager.TLSKeyPath, cfg.Transport.Network.TLS.MinVersion)
		if err != nil {
			return err
		}
		serverCfg.TLS = tlsCfg
	} else if cfg.Manager.RequireTLS {
		return fmt.Errorf("require_tls is set but no certificate is configured")
	}

	srv, err := network.NewServer(serverCfg, mgr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	logger.Info("meshfile server started",
		"version", Version,
		logger.KeyEndpoint, fmt.Sprintf("%s:%d", cfg.Manager.BindAddress, cfg.Manager.ListenPort))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := srv.Stop(); err != nil {
		logger.Warn("server stop failed", logger.KeyError, err)
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	stats := mgr.Stats()
	logger.Info("meshfile server stopped",
		"active_regions", stats.ActiveRegions,
		"requests_served", stats.RequestsServed)
	return nil
}

// buildAuthProvider selects the configured auth provider.
func buildAuthProvider(cfg config.SecurityConfig) (auth.Provider, error) {
	switch cfg.AuthProvider {
	case "jwt":
		return auth.NewJWTProvider([]byte(cfg.JWTSecret), "meshfile")
	default:
		return auth.NewStaticProvider()
	}
}

// configPathIfExists returns the configured path only when the file is
// present, so `meshfile serve` works with pure defaults.
func configPathIfExists() string {
	path := configPath()
	if _, err := os.Stat(path); err != nil {
		if cfgFile != "" {
			// An explicitly named file must exist; let Load report it.
			return cfgFile
		}
		return ""
	}
	return path
}

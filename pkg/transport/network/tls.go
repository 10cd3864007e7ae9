package network

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/marmos91/meshfile/pkg/config"
	"github.com/marmos91/meshfile/pkg/meshfile"
)

// minTLSVersion maps the config string onto the crypto/tls constant.
// Anything unrecognized falls back to TLS 1.2, the floor this transport
// accepts.
func minTLSVersion(s string) uint16 {
	if s == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// ServerTLSFromFiles builds the server TLS configuration from PEM cert
// and key files on disk.
func ServerTLSFromFiles(certPath, keyPath, minVersion string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, meshfile.WrapIO("read TLS certificate", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, meshfile.WrapIO("read TLS key", keyPath, err)
	}
	return ServerTLSFromPEM(certPEM, keyPEM, minVersion)
}

// ServerTLSFromPEM builds the server TLS configuration from in-memory
// PEM buffers, for deployments that inject certificates without a
// filesystem (secrets mounts, FFI embedders).
func ServerTLSFromPEM(certPEM, keyPEM []byte, minVersion string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &meshfile.Error{Kind: meshfile.KindIoFailure, Message: "parse TLS key pair", Err: err}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minTLSVersion(minVersion),
	}, nil
}

// ClientTLS builds the client-side TLS configuration: minimum version,
// peer verification (on by default), optional CA bundle, and optional
// client certificates.
func ClientTLS(cfg config.TLSClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	out := &tls.Config{
		MinVersion:         minTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, meshfile.WrapIO("read CA bundle", cfg.CAPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &meshfile.Error{Kind: meshfile.KindIoFailure, Message: "no certificates in CA bundle", Path: cfg.CAPath}
		}
		out.RootCAs = pool
	}

	if cfg.CertPath != "" && cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, &meshfile.Error{Kind: meshfile.KindIoFailure, Message: "load client key pair", Err: err}
		}
		out.Certificates = []tls.Certificate{cert}
	}

	return out, nil
}

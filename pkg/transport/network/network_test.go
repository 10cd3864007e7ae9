package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/meshfile/pkg/config"
	"github.com/marmos91/meshfile/pkg/meshfile"
)

// echoHandler answers every request with a canned response, or an error
// for identifiers starting with "fail_".
type echoHandler struct{}

func (echoHandler) HandleRequest(_ context.Context, req *meshfile.SharedFileRequest, authToken string) (*meshfile.SharedFileResponse, error) {
	if authToken == "" {
		return nil, meshfile.NewError(meshfile.KindAuthDenied, "empty auth token")
	}
	if req.Identifier == "fail_not_found" {
		return nil, &meshfile.Error{Kind: meshfile.KindNotFound, Message: "no active region", Identifier: req.Identifier}
	}
	return &meshfile.SharedFileResponse{
		FileID:    7,
		FilePath:  "/tmp/" + req.Identifier,
		Transport: meshfile.TransportNetwork,
		Result: meshfile.OperationResult{
			Kind:         req.Operation.Kind,
			BytesWritten: uint64(len(req.Operation.Data)),
			Timestamp:    time.Now(),
		},
	}, nil
}

func startServer(t *testing.T, tlsCfg *ServerConfig) (*Server, string) {
	t.Helper()

	cfg := ServerConfig{
		BindAddress:  "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	if tlsCfg != nil {
		cfg = *tlsCfg
	}

	srv, err := NewServer(cfg, echoHandler{})
	require.NoError(t, err)

	go func() { _ = srv.Serve(context.Background()) }()
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	t.Cleanup(func() { _ = srv.Stop() })

	return srv, srv.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := NewClient(config.NetworkConfig{
		Endpoints:      []string{addr},
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PoolSize:       2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientRequiresEndpoints(t *testing.T) {
	_, err := NewClient(config.NetworkConfig{})
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)

	ctx := WithAuthToken(context.Background(), "token-1")
	req := &meshfile.SharedFileRequest{
		Identifier: "wire_demo",
		Operation:  meshfile.Operation{Kind: meshfile.OpWrite, Data: []byte("over the wire")},
	}

	res, err := c.ExecuteRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, meshfile.OpWrite, res.Kind)
	assert.Equal(t, uint64(13), res.BytesWritten)
}

func TestRemoteErrorKindSurvivesWire(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)

	ctx := WithAuthToken(context.Background(), "token-1")
	req := &meshfile.SharedFileRequest{
		Identifier: "fail_not_found",
		Operation:  meshfile.Operation{Kind: meshfile.OpRead, Length: 8},
	}

	_, err := c.ExecuteRequest(ctx, req)
	require.Error(t, err)
	assert.Equal(t, meshfile.KindNotFound, meshfile.KindOf(err))
}

func TestEmptyTokenDeniedRemotely(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)

	req := &meshfile.SharedFileRequest{
		Identifier: "any",
		Operation:  meshfile.Operation{Kind: meshfile.OpGetInfo},
	}
	_, err := c.ExecuteRequest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, meshfile.KindAuthDenied, meshfile.KindOf(err))
}

func TestPoolReusesConnections(t *testing.T) {
	_, addr := startServer(t, nil)
	c := newTestClient(t, addr)

	ctx := WithAuthToken(context.Background(), "token-1")
	for i := 0; i < 10; i++ {
		_, err := c.ExecuteRequest(ctx, &meshfile.SharedFileRequest{
			Identifier: "pooled",
			Operation:  meshfile.Operation{Kind: meshfile.OpGetInfo},
		})
		require.NoError(t, err)
	}

	assert.True(t, c.HealthSnapshot().Available)
}

func TestClientHealthDegradesOnFailures(t *testing.T) {
	// Point at a closed port: grab one and release it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := NewClient(config.NetworkConfig{
		Endpoints:      []string{addr},
		ConnectTimeout: 200 * time.Millisecond,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
		PoolSize:       1,
	})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < unhealthyAfter; i++ {
		_, err := c.ExecuteRequest(ctx, &meshfile.SharedFileRequest{Operation: meshfile.Operation{Kind: meshfile.OpGetInfo}})
		require.Error(t, err)
	}
	assert.False(t, c.HealthSnapshot().Available)
}

// selfSignedPEM mints a certificate for 127.0.0.1 valid for an hour.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "meshfile-test"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestTLSRoundTripFromPEMBuffers(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)

	serverTLS, err := ServerTLSFromPEM(certPEM, keyPEM, "1.2")
	require.NoError(t, err)

	_, addr := startServer(t, &ServerConfig{
		BindAddress:  "127.0.0.1",
		Port:         0,
		TLS:          serverTLS,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	// The client skips verification: the cert is self-signed and the
	// point here is the encrypted round trip from in-memory PEM.
	c, err := NewClient(config.NetworkConfig{
		Endpoints:      []string{addr},
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PoolSize:       1,
		TLS: config.TLSClientConfig{
			Enabled:            true,
			MinVersion:         "1.2",
			InsecureSkipVerify: true,
		},
	})
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Encrypted())

	ctx := WithAuthToken(context.Background(), "token-tls")
	res, err := c.ExecuteRequest(ctx, &meshfile.SharedFileRequest{
		Identifier: "tls_demo",
		Operation:  meshfile.Operation{Kind: meshfile.OpWrite, Data: []byte("ciphered")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), res.BytesWritten)
}

func TestServerGracefulStop(t *testing.T) {
	srv, addr := startServer(t, nil)
	c := newTestClient(t, addr)

	ctx := WithAuthToken(context.Background(), "token-1")
	_, err := c.ExecuteRequest(ctx, &meshfile.SharedFileRequest{
		Identifier: "pre_stop",
		Operation:  meshfile.Operation{Kind: meshfile.OpGetInfo},
	})
	require.NoError(t, err)

	require.NoError(t, srv.Stop())
	// Stop is idempotent.
	require.NoError(t, srv.Stop())
}

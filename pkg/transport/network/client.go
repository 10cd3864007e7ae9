// Package network is the TCP (optionally TLS) transport: a framed
// request/response client with per-endpoint connection pooling, and the
// matching server.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/meshfile/internal/logger"
	"github.com/marmos91/meshfile/internal/protocol"
	"github.com/marmos91/meshfile/pkg/config"
	"github.com/marmos91/meshfile/pkg/meshfile"
	"github.com/marmos91/meshfile/pkg/transport"
)

type authTokenKey struct{}

// WithAuthToken attaches the caller's auth token to ctx so the network
// client can forward it to the remote manager.
func WithAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, authTokenKey{}, token)
}

// AuthTokenFromContext extracts the token attached by WithAuthToken.
func AuthTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(authTokenKey{}).(string)
	return token
}

// Client is the outbound network transport. It keeps a bounded pool of
// idle connections per endpoint and rotates endpoints round-robin.
type Client struct {
	cfg    config.NetworkConfig
	tlsCfg *tls.Config

	next atomic.Uint64 // round-robin endpoint cursor

	mu    sync.Mutex
	pools map[string]chan net.Conn

	// consecutiveFailures gates the health snapshot: a few failures in a
	// row mark the transport degraded until an exchange succeeds.
	consecutiveFailures atomic.Int32

	closed atomic.Bool
}

// unhealthyAfter is how many consecutive failed exchanges mark the
// client unavailable.
const unhealthyAfter = 3

// NewClient creates the network client. At least one endpoint is
// required.
func NewClient(cfg config.NetworkConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "network transport requires endpoints")
	}
	tlsCfg, err := ClientTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		pools:  make(map[string]chan net.Conn),
	}, nil
}

// Name implements transport.Transport.
func (c *Client) Name() string { return "network" }

// Kind implements transport.Transport.
func (c *Client) Kind() meshfile.TransportKind { return meshfile.TransportNetwork }

// HealthSnapshot implements transport.Transport.
func (c *Client) HealthSnapshot() transport.Health {
	if c.closed.Load() {
		return transport.Health{Available: false, Detail: "client closed"}
	}
	if c.consecutiveFailures.Load() >= unhealthyAfter {
		return transport.Health{Available: false, Detail: "consecutive exchange failures"}
	}
	return transport.Health{Available: true}
}

// Encrypted reports whether outbound connections use TLS.
func (c *Client) Encrypted() bool {
	return c.tlsCfg != nil
}

func (c *Client) pool(endpoint string) chan net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[endpoint]
	if !ok {
		p = make(chan net.Conn, c.cfg.PoolSize)
		c.pools[endpoint] = p
	}
	return p
}

// dial opens a fresh connection to endpoint with the configured connect
// timeout, keep-alive, and TCP_NODELAY.
func (c *Client) dial(ctx context.Context, endpoint string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   c.cfg.ConnectTimeout,
		KeepAlive: c.cfg.KeepAlive,
	}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, &meshfile.Error{Kind: meshfile.KindTransportUnavailable, Message: "dial " + endpoint, Err: err}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	if c.tlsCfg != nil {
		host, _, err := net.SplitHostPort(endpoint)
		if err != nil {
			host = endpoint
		}
		cfg := c.tlsCfg.Clone()
		cfg.ServerName = host
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &meshfile.Error{Kind: meshfile.KindTransportUnavailable, Message: "TLS handshake with " + endpoint, Err: err}
		}
		return tlsConn, nil
	}
	return conn, nil
}

// acquire returns a pooled idle connection or dials a new one.
func (c *Client) acquire(ctx context.Context, endpoint string) (net.Conn, error) {
	select {
	case conn := <-c.pool(endpoint):
		return conn, nil
	default:
		return c.dial(ctx, endpoint)
	}
}

// release parks a healthy connection back into the pool, or closes it
// when the pool is full. A slot is never leaked on timeout: the
// connection is either parked or closed here.
func (c *Client) release(endpoint string, conn net.Conn) {
	if c.closed.Load() {
		conn.Close()
		return
	}
	select {
	case c.pool(endpoint) <- conn:
	default:
		conn.Close()
	}
}

// Exchange performs one framed request/response round trip.
func (c *Client) Exchange(ctx context.Context, env *protocol.RequestEnvelope) (*protocol.ResponseEnvelope, error) {
	if c.closed.Load() {
		return nil, meshfile.NewError(meshfile.KindTransportUnavailable, "network client closed")
	}

	endpoint := c.cfg.Endpoints[c.next.Add(1)%uint64(len(c.cfg.Endpoints))]

	conn, err := c.acquire(ctx, endpoint)
	if err != nil {
		c.consecutiveFailures.Add(1)
		return nil, err
	}

	resp, err := c.exchangeOn(ctx, conn, env)
	if err != nil {
		conn.Close()
		c.consecutiveFailures.Add(1)
		return nil, err
	}

	c.consecutiveFailures.Store(0)
	c.release(endpoint, conn)
	return resp, nil
}

func (c *Client) exchangeOn(ctx context.Context, conn net.Conn, env *protocol.RequestEnvelope) (*protocol.ResponseEnvelope, error) {
	writeDeadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(writeDeadline) {
		writeDeadline = d
	}
	if err := conn.SetWriteDeadline(writeDeadline); err != nil {
		return nil, meshfile.WrapIO("set write deadline", "", err)
	}
	if err := protocol.WriteFrame(conn, env); err != nil {
		return nil, wrapNetErr("write request", err)
	}

	readDeadline := time.Now().Add(c.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
		readDeadline = d
	}
	if err := conn.SetReadDeadline(readDeadline); err != nil {
		return nil, meshfile.WrapIO("set read deadline", "", err)
	}

	var resp protocol.ResponseEnvelope
	if err := protocol.ReadFrame(conn, &resp); err != nil {
		return nil, wrapNetErr("read response", err)
	}
	return &resp, nil
}

// wrapNetErr maps I/O timeouts onto the domain timeout kind.
func wrapNetErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &meshfile.Error{Kind: meshfile.KindTimeout, Message: op + " timed out", Err: err}
	}
	if meshfile.KindOf(err) != 0 {
		return err
	}
	return &meshfile.Error{Kind: meshfile.KindIoFailure, Message: op, Err: err}
}

// ExecuteRequest implements transport.Transport: it forwards the request
// (with the context's auth token) to a remote manager and returns the
// remote outcome.
func (c *Client) ExecuteRequest(ctx context.Context, req *meshfile.SharedFileRequest) (*meshfile.OperationResult, error) {
	env := &protocol.RequestEnvelope{
		Request:   *req,
		AuthToken: AuthTokenFromContext(ctx),
	}

	resp, err := c.Exchange(ctx, env)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.ToError()
	}
	if resp.Response == nil {
		return nil, meshfile.NewError(meshfile.KindSerialization, "response envelope carries neither result nor error")
	}
	result := resp.Response.Result
	return &result, nil
}

// Close drains the pools and refuses further exchanges.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for endpoint, pool := range c.pools {
	drain:
		for {
			select {
			case conn := <-pool:
				conn.Close()
			default:
				break drain
			}
		}
		delete(c.pools, endpoint)
	}
	logger.Debug("network client closed")
	return nil
}

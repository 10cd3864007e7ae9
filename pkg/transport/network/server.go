package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/meshfile/internal/logger"
	"github.com/marmos91/meshfile/internal/protocol"
	"github.com/marmos91/meshfile/pkg/meshfile"
)

// Handler executes a remote request on the local manager.
type Handler interface {
	HandleRequest(ctx context.Context, req *meshfile.SharedFileRequest, authToken string) (*meshfile.SharedFileResponse, error)
}

// ServerConfig configures the framed TCP server.
type ServerConfig struct {
	// BindAddress and Port form the listen address.
	BindAddress string
	Port        uint16

	// TLS optionally terminates TLS on accepted connections.
	TLS *tls.Config

	// ReadTimeout and WriteTimeout bound a single framed exchange.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeepAlive is the TCP keep-alive period for accepted connections.
	KeepAlive time.Duration

	// MaxConnections bounds concurrent connections. 0 means unlimited.
	MaxConnections int

	// ShutdownTimeout bounds the graceful drain on Stop.
	ShutdownTimeout time.Duration
}

// Server accepts framed connections and dispatches each request to the
// handler.
//
// Shutdown flow mirrors the rest of the project's listeners:
//  1. Stop() or context cancellation closes the listener.
//  2. shutdownCtx cancellation aborts in-flight requests.
//  3. Active connections drain, bounded by ShutdownTimeout.
//  4. Remaining connections are force-closed.
type Server struct {
	cfg     ServerConfig
	handler Handler

	listener   net.Listener
	listenerMu sync.RWMutex

	activeConns sync.WaitGroup
	connCount   atomic.Int32

	// connSemaphore limits concurrency when MaxConnections > 0.
	connSemaphore chan struct{}

	// activeConnections tracks live conns for forced closure.
	activeConnections sync.Map

	shutdownOnce   sync.Once
	shutdown       chan struct{}
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// listenerReady is closed once Accept can succeed; tests use it to
	// synchronize with startup.
	listenerReady chan struct{}
}

// NewServer creates the server. The handler must not be nil.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, meshfile.NewError(meshfile.KindInvalidRequest, "server requires a handler")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:           cfg,
		handler:       handler,
		shutdown:      make(chan struct{}),
		listenerReady: make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.connSemaphore = make(chan struct{}, cfg.MaxConnections)
	}
	s.shutdownCtx, s.cancelRequests = context.WithCancel(context.Background())
	return s, nil
}

// Addr returns the bound listen address, valid after Serve started.
func (s *Server) Addr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready returns a channel closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.listenerReady
}

// Serve binds the listener and accepts connections until ctx is
// cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &meshfile.Error{Kind: meshfile.KindTransportUnavailable, Message: "listen on " + addr, Err: err}
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()
	close(s.listenerReady)

	logger.Info("network transport listening",
		logger.KeyEndpoint, ln.Addr().String(),
		"tls", s.cfg.TLS != nil)

	go func() {
		select {
		case <-ctx.Done():
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return s.drain()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return s.drain()
			}
			logger.Warn("accept failed", logger.KeyError, err)
			continue
		}

		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				conn.Close()
				return s.drain()
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)
		s.activeConnections.Store(conn.RemoteAddr().String(), conn)
		go s.handleConn(conn)
	}
}

// Stop initiates graceful shutdown and waits for the drain.
func (s *Server) Stop() error {
	s.initiateShutdown()
	return s.drain()
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)

		s.listenerMu.RLock()
		ln := s.listener
		s.listenerMu.RUnlock()
		if ln != nil {
			ln.Close()
		}

		// Abort in-flight requests so handlers observe cancellation.
		s.cancelRequests()
	})
}

// drain waits for active connections up to ShutdownTimeout, then
// force-closes stragglers.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.activeConnections.Range(func(_, v any) bool {
			if conn, ok := v.(net.Conn); ok {
				conn.Close()
			}
			return true
		})
		<-done
		return nil
	}
}

// handleConn serves framed exchanges on one connection until EOF,
// error, or shutdown.
func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		conn.Close()
		s.activeConnections.Delete(remote)
		s.connCount.Add(-1)
		if s.connSemaphore != nil {
			<-s.connSemaphore
		}
		s.activeConns.Done()
	}()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if s.cfg.KeepAlive > 0 {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(s.cfg.KeepAlive)
		}
	}

	logger.Debug("connection accepted", logger.KeyClientAddr, remote)

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				return
			}
		}

		var env protocol.RequestEnvelope
		if err := protocol.ReadFrame(conn, &env); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read ended", logger.KeyClientAddr, remote, logger.KeyError, err)
			}
			return
		}

		resp := s.dispatch(&env)

		if s.cfg.WriteTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
		if err := protocol.WriteFrame(conn, resp); err != nil {
			logger.Debug("connection write failed", logger.KeyClientAddr, remote, logger.KeyError, err)
			return
		}
	}
}

// dispatch runs one request against the handler and wraps the outcome.
func (s *Server) dispatch(env *protocol.RequestEnvelope) *protocol.ResponseEnvelope {
	req := env.Request
	if len(env.Payload) > 0 && req.Operation.Kind == meshfile.OpWrite && len(req.Operation.Data) == 0 {
		req.Operation.Data = env.Payload
	}

	resp, err := s.handler.HandleRequest(s.shutdownCtx, &req, env.AuthToken)
	if err != nil {
		return protocol.ErrorEnvelope(err)
	}
	return &protocol.ResponseEnvelope{Response: resp}
}

// Package chat serves the framed chat protocol over TCP.
package chat

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/pkg/metrics"
	serverPkg "github.com/verayang01/chatd/server"
	"github.com/verayang01/chatd/server/idgen"
)

const protocolName = "chat"

type ServerOptions struct {
	MaxFrameSize        int
	IdleTimeout         time.Duration // Zero disables the per-frame read deadline
	WriteTimeout        time.Duration
	MaxConnections      int
	MaxConnectionsPerIP int
	TrustedNetworks     []string
	ListenBacklog       int
	DrainTimeout        time.Duration // How long Close waits for sessions; default 10s
	TLS                 bool
	TLSCertFile         string
	TLSKeyFile          string
}

// OptionsFromConfig maps the [server] section to ServerOptions.
func OptionsFromConfig(cfg config.ServerConfig) (ServerOptions, error) {
	idle, err := cfg.GetIdleTimeout()
	if err != nil {
		return ServerOptions{}, err
	}
	write, err := cfg.GetWriteTimeout()
	if err != nil {
		return ServerOptions{}, err
	}
	return ServerOptions{
		MaxFrameSize:        cfg.MaxFrameSize,
		IdleTimeout:         idle,
		WriteTimeout:        write,
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		TrustedNetworks:     cfg.TrustedNetworks,
		ListenBacklog:       cfg.ListenBacklog,
		TLS:                 cfg.TLS,
		TLSCertFile:         cfg.TLSCertFile,
		TLSKeyFile:          cfg.TLSKeyFile,
	}, nil
}

type ChatServer struct {
	addr    string
	name    string
	backend Backend
	appCtx  context.Context
	cancel  context.CancelFunc

	tlsConfig     *tls.Config
	maxFrameSize  int
	idleTimeout   time.Duration
	writeTimeout  time.Duration
	drainTimeout  time.Duration
	listenBacklog int

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	limiter *serverPkg.ConnectionLimiter

	mu        sync.Mutex
	listener  net.Listener
	startErr  error
	ready     chan struct{}
	readyOnce sync.Once

	activeSessions      map[*Session]struct{}
	activeSessionsMutex sync.RWMutex
	sessionsWg          sync.WaitGroup
}

func New(appCtx context.Context, name, addr string, backend Backend, options ServerOptions) (*ChatServer, error) {
	if backend == nil {
		return nil, errors.New("chat server: backend is required")
	}
	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &ChatServer{
		addr:           addr,
		name:           name,
		backend:        backend,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		maxFrameSize:   options.MaxFrameSize,
		idleTimeout:    options.IdleTimeout,
		writeTimeout:   options.WriteTimeout,
		drainTimeout:   options.DrainTimeout,
		listenBacklog:  options.ListenBacklog,
		ready:          make(chan struct{}),
		activeSessions: make(map[*Session]struct{}),
	}
	if s.maxFrameSize <= 0 {
		s.maxFrameSize = consts.DefaultMaxFrameSize
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = 10 * time.Second
	}

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			serverCancel()
			return nil, errors.New("chat server: TLS enabled but certificate or key file missing")
		}
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	s.limiter = serverPkg.NewConnectionLimiterWithTrustedNets(protocolName, options.MaxConnections, options.MaxConnectionsPerIP, options.TrustedNetworks)
	s.limiter.StartCleanup(serverCtx)

	return s, nil
}

// Start listens and serves until Close is called or the application context
// ends. A listener failure is sent to errChan.
func (s *ChatServer) Start(errChan chan error) {
	tcpListener, err := serverPkg.ListenWithBacklog(s.appCtx, "tcp", s.addr, s.listenBacklog)
	if err != nil {
		err = fmt.Errorf("failed to create listener: %w", err)
		s.mu.Lock()
		s.startErr = err
		s.mu.Unlock()
		s.markReady()
		s.cancel()
		errChan <- err
		return
	}

	listener := tcpListener
	if s.tlsConfig != nil {
		listener = tls.NewListener(tcpListener, s.tlsConfig)
	}
	defer listener.Close()

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.markReady()

	logger.Info("Chat server listening", "name", s.name, "addr", listener.Addr().String(), "tls", s.tlsConfig != nil,
		"idle_timeout", s.idleTimeout, "max_frame_size", s.maxFrameSize)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("Chat: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("Chat server stopped gracefully", "name", s.name)
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Chat: temporary accept error", "name", s.name, "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			errChan <- err
			return
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("Chat: connection rejected", "name", s.name, "remote", conn.RemoteAddr().String(), "error", err)
			metrics.ConnectionsRejected.WithLabelValues(protocolName).Inc()
			conn.Close()
			continue
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues(protocolName).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(protocolName).Inc()

		session := &Session{
			server:      s,
			conn:        conn,
			ctx:         sessionCtx,
			cancel:      sessionCancel,
			releaseConn: releaseConn,
			startTime:   time.Now(),
		}
		session.RemoteIP = serverPkg.RemoteIP(conn.RemoteAddr())
		session.Protocol = "CHAT"
		session.ServerName = s.name
		session.Id = idgen.New()
		session.Stats = s

		logger.Debug("Chat: new connection", "name", s.name, "remote", session.RemoteIP,
			"total_connections", totalCount, "authenticated_connections", s.authenticatedConnections.Load())

		s.addSession(session)
		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// Ready is closed once Start has bound the listener or failed to. After a
// failure Addr is nil and StartErr reports why.
func (s *ChatServer) Ready() <-chan struct{} {
	return s.ready
}

func (s *ChatServer) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// StartErr returns the listener error of a failed Start.
func (s *ChatServer) StartErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

// Addr returns the bound address, or nil before Start has bound it.
func (s *ChatServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every session connection and waits for the
// sessions to finish, up to the drain timeout.
func (s *ChatServer) Close() {
	s.cancel()

	s.activeSessionsMutex.RLock()
	sessions := make([]*Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		sessions = append(sessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(sessions) > 0 {
		logger.Debug("Chat: closing active connections", "name", s.name, "count", len(sessions))
	}
	for _, session := range sessions {
		session.conn.Close()
	}

	s.waitForSessionsDrain(s.drainTimeout)
}

func (s *ChatServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("Chat: all sessions drained", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("Chat: session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *ChatServer) addSession(session *Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *ChatServer) removeSession(session *Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// ActiveSessions returns the number of open sessions.
func (s *ChatServer) ActiveSessions() int {
	s.activeSessionsMutex.RLock()
	defer s.activeSessionsMutex.RUnlock()
	return len(s.activeSessions)
}

func (s *ChatServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

func (s *ChatServer) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

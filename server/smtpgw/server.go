// Package smtpgw accepts mail over SMTP and delivers it as chat messages.
// The envelope local parts name the chat accounts.
package smtpgw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/pkg/metrics"
	serverPkg "github.com/verayang01/chatd/server"
	"github.com/verayang01/chatd/server/idgen"
	"github.com/verayang01/chatd/store"
)

const protocolName = "smtp"

// Backend is what the gateway needs from the store.
type Backend interface {
	HasAccount(username string) bool
	Authenticate(username, password string) error
	SendMessage(sender, recipient, text string) (store.Message, error)
}

type ServerOptions struct {
	Domain         string
	RequireAuth    bool
	MaxMessageSize int64
	MaxRecipients  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func OptionsFromConfig(cfg config.SMTPConfig) (ServerOptions, error) {
	size, err := cfg.GetMaxMessageSize()
	if err != nil {
		return ServerOptions{}, fmt.Errorf("invalid smtp max_message_size: %w", err)
	}
	return ServerOptions{
		Domain:         cfg.Domain,
		RequireAuth:    cfg.RequireAuth,
		MaxMessageSize: size,
		MaxRecipients:  cfg.MaxRecipients,
	}, nil
}

type SMTPServer struct {
	name    string
	addr    string
	appCtx  context.Context
	backend Backend
	opts    ServerOptions
	server  *smtp.Server

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64
}

func New(appCtx context.Context, name, addr string, backend Backend, options ServerOptions) (*SMTPServer, error) {
	if backend == nil {
		return nil, errors.New("smtp gateway: backend is required")
	}
	if options.Domain == "" {
		options.Domain = "localhost"
	}
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = 60 * time.Second
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 60 * time.Second
	}

	s := &SMTPServer{
		name:    name,
		addr:    addr,
		appCtx:  appCtx,
		backend: backend,
		opts:    options,
	}

	srv := smtp.NewServer(s)
	srv.Addr = addr
	srv.Domain = options.Domain
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = options.ReadTimeout
	srv.WriteTimeout = options.WriteTimeout
	if options.MaxMessageSize > 0 {
		srv.MaxMessageBytes = options.MaxMessageSize
	}
	if options.MaxRecipients > 0 {
		srv.MaxRecipients = options.MaxRecipients
	}
	s.server = srv
	return s, nil
}

// NewSession implements smtp.Backend.
func (s *SMTPServer) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sess := &Session{backend: s}
	sess.Protocol = "SMTP"
	sess.ServerName = s.name
	sess.Id = idgen.New()
	sess.Stats = s
	if c != nil && c.Conn() != nil {
		sess.RemoteIP = serverPkg.RemoteIP(c.Conn().RemoteAddr())
	}

	s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(protocolName).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(protocolName).Inc()
	sess.DebugLog("connected")
	return sess, nil
}

// Start serves on ln, or on a new listener for the configured address when
// ln is nil. Serve errors other than a clean shutdown go to errChan.
func (s *SMTPServer) Start(ln net.Listener, errChan chan error) {
	if ln == nil {
		var err error
		ln, err = serverPkg.ListenWithBacklog(s.appCtx, "tcp", s.addr, 0)
		if err != nil {
			errChan <- fmt.Errorf("failed to create SMTP listener: %w", err)
			return
		}
	}

	go func() {
		<-s.appCtx.Done()
		s.Close()
	}()

	logger.Info("SMTP gateway listening", "name", s.name, "addr", ln.Addr().String(), "domain", s.opts.Domain, "require_auth", s.opts.RequireAuth)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		errChan <- fmt.Errorf("SMTP gateway failed: %w", err)
		return
	}
	logger.Info("SMTP gateway stopped", "name", s.name)
}

func (s *SMTPServer) Close() error {
	return s.server.Close()
}

func (s *SMTPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

func (s *SMTPServer) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

// Package adminapi exposes the chat store as a JSON HTTP API.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	serverPkg "github.com/verayang01/chatd/server"
	"github.com/verayang01/chatd/server/chat"
	"github.com/verayang01/chatd/store"
)

// Backend is the store surface the API serves.
type Backend interface {
	chat.Backend
	CreateAccount(username, password string) error
	Stats() store.Stats
}

// Server represents the HTTP API server
type Server struct {
	name         string
	addr         string
	apiKey       string
	allowedHosts []string
	allowedNets  []*net.IPNet
	trustedNets  []*net.IPNet
	backend      Backend
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
	startTime    time.Time
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Name         string
	Addr         string
	APIKey       string
	AllowedHosts []string
	// TrustedProxies lists the peers allowed to name the client in
	// X-Forwarded-For or X-Real-IP. Headers from anyone else are ignored.
	TrustedProxies []string
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
}

func OptionsFromConfig(cfg config.AdminAPIConfig) ServerOptions {
	return ServerOptions{
		Name:           "admin",
		Addr:           cfg.Addr,
		APIKey:         cfg.APIKey,
		AllowedHosts:   cfg.AllowedHosts,
		TrustedProxies: cfg.TrustedProxies,
		TLS:            cfg.TLS,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
	}
}

func New(backend Backend, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if backend == nil {
		return nil, errors.New("HTTP API server: backend is required")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	s := &Server{
		name:         options.Name,
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		backend:      backend,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
		startTime:    time.Now(),
	}
	for _, host := range options.AllowedHosts {
		if !strings.Contains(host, "/") {
			continue
		}
		_, cidr, err := net.ParseCIDR(host)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed host %q: %w", host, err)
		}
		s.allowedNets = append(s.allowedNets, cidr)
	}
	trusted, err := serverPkg.ParseTrustedNetworks(options.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxy: %w", err)
	}
	s.trustedNets = trusted
	return s, nil
}

// Start serves until ctx is done. Failures other than a clean shutdown go to
// errChan.
func Start(ctx context.Context, backend Backend, options ServerOptions, errChan chan error) {
	server, err := New(backend, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: Starting server", "name", options.Name, "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server", "name", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "name", s.name, "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed API with its middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/login", s.handleLogin).Methods("POST")
	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	v1.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	v1.HandleFunc("/accounts/{username}", s.handleDeleteAccount).Methods("DELETE")
	v1.HandleFunc("/accounts/{username}/messages", s.handleReadMessages).Methods("GET")
	v1.HandleFunc("/accounts/{username}/messages/{idx:[0-9]+}", s.handleDeleteMessage).Methods("DELETE")
	v1.HandleFunc("/accounts/{username}/unread", s.handleGetUnread).Methods("GET")
	v1.HandleFunc("/accounts/{username}/unread/read", s.handleReadUnread).Methods("POST")
	v1.HandleFunc("/messages", s.handleSendMessage).Methods("POST")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("HTTP API: Request", "name", s.name, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request completed", "name", s.name, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r, s.trustedNets)
		allowed := false
		for _, host := range s.allowedHosts {
			if host == clientIP {
				allowed = true
				break
			}
		}
		if !allowed {
			allowed = serverPkg.ContainsIP(s.allowedNets, net.ParseIP(clientIP))
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

// getClientIP returns the peer address, or the client a trusted proxy
// forwarded for.
func getClientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !serverPkg.ContainsIP(trustedProxies, net.ParseIP(peer)) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "name", s.name, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps a store error to its HTTP status.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, consts.ErrAccountNotFound),
		errors.Is(err, consts.ErrRecipientNotFound),
		errors.Is(err, consts.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, consts.ErrAuthenticationFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, consts.ErrAccountExists):
		status = http.StatusConflict
	case errors.Is(err, consts.ErrInvalidUsername):
		status = http.StatusBadRequest
	default:
		logger.Error("HTTP API: store error", "name", s.name, "error", err)
	}
	s.writeError(w, status, chat.ErrorText(err))
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

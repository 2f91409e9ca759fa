// Package relay accepts mail over SMTP and hands every message to a Provider.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"

	"github.com/shineum/graphmailer/internal/provider"
)

const (
	defaultMaxMessageBytes = 25 * units.MB
	defaultTimeout         = 60 * time.Second
)

// Config holds the configuration for a relay Server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Provider is the email delivery backend.
	Provider provider.Provider

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised and AUTH
	// is allowed over plaintext.
	TLSConfig *tls.Config

	// Username and Password configure SMTP AUTH. If both are empty,
	// authentication is not required.
	Username string
	Password string

	MaxMessageBytes int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	Logger *slog.Logger
}

// Server is an SMTP listener that delivers each accepted message through the
// configured Provider.
type Server struct {
	cfg     Config
	backend *Backend
	smtp    *smtp.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a relay Server.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	be := NewBackend(cfg.Provider, cfg.Username, cfg.Password, cfg.Logger)

	srv := smtp.NewServer(be)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.TLSConfig = cfg.TLSConfig
	srv.AllowInsecureAuth = cfg.TLSConfig == nil
	srv.AuthDisabled = !be.authEnabled()
	srv.ErrorLog = slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn)

	return &Server{cfg: cfg, backend: be, smtp: srv}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Sends started by
// in-flight sessions run under ctx.
// @MX:WARN: [AUTO] Goroutine spawned per connection without explicit limit
// @MX:REASON: go-smtp starts one goroutine per accepted connection
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.backend.setContext(ctx)

	s.cfg.Logger.InfoContext(ctx, "SMTP relay listening",
		"addr", ln.Addr().String(),
		"provider", s.cfg.Provider.Name(),
		"auth_enabled", s.backend.authEnabled(),
		"tls_enabled", s.cfg.TLSConfig != nil,
		"max_message_size", units.HumanSize(float64(s.cfg.MaxMessageBytes)),
	)

	// ln is closed directly as well: ctx may already be done before the
	// smtp server has registered it.
	stop := context.AfterFunc(ctx, func() {
		s.cfg.Logger.Info("shutting down SMTP relay")
		s.smtp.Close()
		ln.Close()
	})
	defer stop()

	err := s.smtp.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

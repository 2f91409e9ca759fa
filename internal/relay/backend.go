package relay

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/emersion/go-smtp"

	"github.com/shineum/graphmailer/internal/email"
	"github.com/shineum/graphmailer/internal/logger"
	"github.com/shineum/graphmailer/internal/parser"
	"github.com/shineum/graphmailer/internal/provider"
)

var (
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
)

// Backend implements smtp.Backend. Each session it opens delivers its messages
// through the same Provider.
type Backend struct {
	provider provider.Provider
	username string
	password string
	logger   *slog.Logger

	mu  sync.RWMutex
	ctx context.Context
}

var _ smtp.Backend = (*Backend)(nil)

// NewBackend creates a Backend. Empty credentials disable authentication.
func NewBackend(p provider.Provider, username, password string, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		provider: p,
		username: username,
		password: password,
		logger:   log,
		ctx:      context.Background(),
	}
}

func (be *Backend) authEnabled() bool {
	return be.username != "" || be.password != ""
}

func (be *Backend) setContext(ctx context.Context) {
	be.mu.Lock()
	defer be.mu.Unlock()
	be.ctx = ctx
}

func (be *Backend) baseContext() context.Context {
	be.mu.RLock()
	defer be.mu.RUnlock()
	return be.ctx
}

// Login implements smtp.Backend.
func (be *Backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if be.authEnabled() {
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(be.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(be.password)) == 1
		if !userOK || !passOK {
			be.logger.Warn("SMTP authentication failed", "remote_addr", remoteAddr(state), "username", username)
			return nil, errAuthFailed
		}
	}
	return be.newSession(state), nil
}

// AnonymousLogin implements smtp.Backend. Refused when credentials are
// configured.
func (be *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	if be.authEnabled() {
		return nil, errAuthRequired
	}
	return be.newSession(state), nil
}

func (be *Backend) newSession(state *smtp.ConnectionState) *session {
	return &session{backend: be, remoteAddr: remoteAddr(state)}
}

func remoteAddr(state *smtp.ConnectionState) string {
	if state == nil || state.RemoteAddr == nil {
		return ""
	}
	return state.RemoteAddr.String()
}

// session is one SMTP connection's mail transaction state.
type session struct {
	backend    *Backend
	remoteAddr string

	from  string
	rcpts []string
}

var _ smtp.Session = (*session)(nil)

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data parses the message, fills gaps from the envelope and sends it. Any
// failure is answered with 554 carrying the flat error text.
func (s *session) Data(r io.Reader) error {
	be := s.backend
	ctx := logger.WithAttrs(be.baseContext(),
		slog.String("remote_addr", s.remoteAddr),
		slog.String("provider", be.provider.Name()),
	)

	// Read the whole message first so an oversized DATA surfaces as the
	// server's size error instead of a truncated parse.
	raw, err := io.ReadAll(r)
	if err != nil {
		be.logger.WarnContext(ctx, "failed to read message data", "error", err)
		return err
	}

	msg, err := parser.Parse(bytes.NewReader(raw))
	if err != nil {
		be.logger.ErrorContext(ctx, "failed to parse message", "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Failed to parse message: " + err.Error(),
		}
	}
	applyEnvelope(msg, s.from, s.rcpts)

	res := be.provider.Send(ctx, msg)
	if !res.Succeeded() {
		be.logger.ErrorContext(ctx, "provider send failed",
			"kind", res.Failure.Kind.String(),
			"error", res.Failure,
		)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 0, 0},
			Message:      strings.Join(res.Errors(), "; "),
		}
	}

	be.logger.InfoContext(ctx, "message relayed", "message_id", res.MessageID, "recipients", len(s.rcpts))
	return nil
}

// applyEnvelope uses MAIL FROM when the message has no From header and makes
// sure every RCPT TO address is a recipient. Envelope recipients missing from
// the headers are added as Bcc; a message without recipient headers gets them
// all as To.
func applyEnvelope(msg *email.Email, from string, rcpts []string) {
	if msg.From == nil && from != "" {
		msg.From = &email.Address{Address: from}
	}

	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		for _, rcpt := range rcpts {
			msg.To = append(msg.To, &email.Address{Address: rcpt})
		}
		return
	}

	known := make(map[string]bool)
	for _, list := range [][]*email.Address{msg.To, msg.Cc, msg.Bcc} {
		for _, a := range list {
			if a != nil {
				known[strings.ToLower(a.Address)] = true
			}
		}
	}
	for _, rcpt := range rcpts {
		if !known[strings.ToLower(rcpt)] {
			msg.Bcc = append(msg.Bcc, &email.Address{Address: rcpt})
			known[strings.ToLower(rcpt)] = true
		}
	}
}

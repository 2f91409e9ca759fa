package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/graphmailer/internal/email"
	"github.com/shineum/graphmailer/internal/provider"
)

// recordingProvider implements provider.Provider and keeps every message.
type recordingProvider struct {
	mu       sync.Mutex
	messages []*email.Email
	fail     error
}

func (p *recordingProvider) Send(_ context.Context, msg *email.Email) provider.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	if p.fail != nil {
		return provider.Fail(provider.KindRemoteCall, p.fail)
	}
	return provider.Success("msg-1")
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) sent() []*email.Email {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*email.Email(nil), p.messages...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRelay serves a relay on a loopback port until the test ends.
func startRelay(t *testing.T, cfg Config) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	cfg.Logger = discardLogger()
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop after cancel")
		}
	})
	return ln.Addr().String()
}

const testMessage = "From: Reports <reports@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: Relayed\r\n" +
	"X-Priority: 1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello over SMTP.\r\n"

func sendMessage(t *testing.T, addr string, auth netsmtp.Auth, from string, rcpts []string, body string) error {
	t.Helper()

	c, err := netsmtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestRelay_DeliversOneSendPerMessage(t *testing.T) {
	t.Parallel()

	p := &recordingProvider{}
	addr := startRelay(t, Config{Provider: p})

	err := sendMessage(t, addr, nil, "bounce@example.com", []string{"alice@example.com", "hidden@example.com"}, testMessage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := p.sent()
	if len(sent) != 1 {
		t.Fatalf("sends: got %d, want 1", len(sent))
	}
	msg := sent[0]
	if msg.From == nil || msg.From.Address != "reports@example.com" || msg.From.Name != "Reports" {
		t.Errorf("From: got %+v", msg.From)
	}
	if msg.Subject != "Relayed" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if msg.Priority != email.PriorityHigh {
		t.Errorf("Priority: got %v, want high", msg.Priority)
	}
	if !strings.Contains(msg.Body, "Hello over SMTP.") {
		t.Errorf("Body: got %q", msg.Body)
	}
	if got := email.Addresses(msg.Bcc); len(got) != 1 || got[0] != "hidden@example.com" {
		t.Errorf("Bcc: got %v, want [hidden@example.com]", got)
	}
}

func TestRelay_ProviderFailureAnswers554(t *testing.T) {
	t.Parallel()

	p := &recordingProvider{fail: errors.New("create message: Graph API error (HTTP 403): Access is denied.")}
	addr := startRelay(t, Config{Provider: p})

	err := sendMessage(t, addr, nil, "reports@example.com", []string{"alice@example.com"}, testMessage)

	var protoErr *textproto.Error
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *textproto.Error, got %v", err)
	}
	if protoErr.Code != 554 {
		t.Errorf("code: got %d, want 554", protoErr.Code)
	}
	if !strings.Contains(protoErr.Msg, "Access is denied.") {
		t.Errorf("message: got %q", protoErr.Msg)
	}
}

func TestRelay_RequiresAuthWhenConfigured(t *testing.T) {
	t.Parallel()

	p := &recordingProvider{}
	addr := startRelay(t, Config{Provider: p, Username: "relay", Password: "secret"})

	err := sendMessage(t, addr, nil, "reports@example.com", []string{"alice@example.com"}, testMessage)
	var protoErr *textproto.Error
	if !errors.As(err, &protoErr) || protoErr.Code != 530 {
		t.Fatalf("expected 530 without AUTH, got %v", err)
	}

	err = sendMessage(t, addr, netsmtp.PlainAuth("", "relay", "wrong", "127.0.0.1"), "reports@example.com", []string{"alice@example.com"}, testMessage)
	if !errors.As(err, &protoErr) || protoErr.Code != 535 {
		t.Fatalf("expected 535 for bad credentials, got %v", err)
	}

	err = sendMessage(t, addr, netsmtp.PlainAuth("", "relay", "secret", "127.0.0.1"), "reports@example.com", []string{"alice@example.com"}, testMessage)
	if err != nil {
		t.Fatalf("unexpected error with valid credentials: %v", err)
	}
	if len(p.sent()) != 1 {
		t.Errorf("sends: got %d, want 1", len(p.sent()))
	}
}

func TestRelay_UnparseableMessage(t *testing.T) {
	t.Parallel()

	p := &recordingProvider{}
	addr := startRelay(t, Config{Provider: p})

	err := sendMessage(t, addr, nil, "reports@example.com", []string{"alice@example.com"}, "To: <<<broken\r\n\r\nbody\r\n")

	var protoErr *textproto.Error
	if !errors.As(err, &protoErr) || protoErr.Code != 554 {
		t.Fatalf("expected 554, got %v", err)
	}
	if len(p.sent()) != 0 {
		t.Errorf("sends: got %d, want 0", len(p.sent()))
	}
}

func TestApplyEnvelope(t *testing.T) {
	t.Parallel()

	t.Run("fills from and to", func(t *testing.T) {
		t.Parallel()
		msg := &email.Email{}
		applyEnvelope(msg, "sender@example.com", []string{"a@example.com", "b@example.com"})

		if msg.From == nil || msg.From.Address != "sender@example.com" {
			t.Errorf("From: got %+v", msg.From)
		}
		if got := strings.Join(email.Addresses(msg.To), ","); got != "a@example.com,b@example.com" {
			t.Errorf("To: got %q", got)
		}
		if msg.Bcc != nil {
			t.Errorf("Bcc: got %v, want nil", msg.Bcc)
		}
	})

	t.Run("keeps header from", func(t *testing.T) {
		t.Parallel()
		msg := &email.Email{From: &email.Address{Address: "header@example.com"}}
		applyEnvelope(msg, "envelope@example.com", nil)
		if msg.From.Address != "header@example.com" {
			t.Errorf("From: got %q", msg.From.Address)
		}
	})

	t.Run("envelope-only recipients become bcc", func(t *testing.T) {
		t.Parallel()
		msg := &email.Email{
			To: []*email.Address{{Address: "Alice@Example.com"}},
			Cc: []*email.Address{{Address: "carol@example.com"}},
		}
		applyEnvelope(msg, "", []string{"alice@example.com", "carol@example.com", "dave@example.com", "dave@example.com"})

		if got := strings.Join(email.Addresses(msg.Bcc), ","); got != "dave@example.com" {
			t.Errorf("Bcc: got %q, want dave@example.com", got)
		}
		if len(msg.To) != 1 || len(msg.Cc) != 1 {
			t.Errorf("header recipients changed: to=%d cc=%d", len(msg.To), len(msg.Cc))
		}
	})
}

func TestBackend_Login(t *testing.T) {
	t.Parallel()

	open := NewBackend(&recordingProvider{}, "", "", discardLogger())
	if _, err := open.AnonymousLogin(&smtp.ConnectionState{}); err != nil {
		t.Errorf("anonymous login without credentials: %v", err)
	}

	locked := NewBackend(&recordingProvider{}, "relay", "secret", discardLogger())
	if _, err := locked.AnonymousLogin(&smtp.ConnectionState{}); err != errAuthRequired {
		t.Errorf("anonymous login with credentials: got %v, want errAuthRequired", err)
	}
	if _, err := locked.Login(&smtp.ConnectionState{}, "relay", "nope"); err != errAuthFailed {
		t.Errorf("bad password: got %v, want errAuthFailed", err)
	}
	if _, err := locked.Login(nil, "relay", "secret"); err != nil {
		t.Errorf("valid login: %v", err)
	}
}

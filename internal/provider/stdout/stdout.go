// Package stdout implements a dry-run Provider that prints emails instead of
// delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"jaytaylor.com/html2text"

	"github.com/shineum/graphmailer/internal/email"
	"github.com/shineum/graphmailer/internal/provider"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

var _ provider.Provider = (*Provider)(nil)

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the email message and returns a generated message id. HTML
// bodies are rendered as plain text. Attachment readers are drained to
// report their size.
func (p *Provider) Send(_ context.Context, msg *email.Email) provider.Result {
	if msg == nil {
		return provider.Fail(provider.KindMapping, fmt.Errorf("%w: message is nil", email.ErrInvalidArgument))
	}

	id := "stdout-" + uuid.NewString()

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "Message-ID: %s\n", id)
	fmt.Fprintf(&b, "From: %s\n", display(msg.From))
	fmt.Fprintf(&b, "To: %s\n", joinAddresses(msg.To))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", joinAddresses(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", joinAddresses(msg.Bcc))
	}
	if len(msg.ReplyTo) > 0 {
		fmt.Fprintf(&b, "Reply-To: %s\n", joinAddresses(msg.ReplyTo))
	}
	if msg.Priority != email.PriorityUnset {
		fmt.Fprintf(&b, "Priority: %s\n", msg.Priority)
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(renderBody(msg) + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for i, att := range msg.Attachments {
			size, err := drain(att.Content)
			if err != nil {
				return provider.Fail(provider.KindUpload, fmt.Errorf("attachment %d (%s): %w", i, att.Filename, err))
			}
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, units.BytesSize(float64(size))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return provider.Fail(provider.KindRemoteCall, fmt.Errorf("write message: %w", err))
	}
	return provider.Success(id)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func renderBody(msg *email.Email) string {
	if !msg.IsHTML {
		return msg.Body
	}
	text, err := html2text.FromString(msg.Body, html2text.Options{TextOnly: true})
	if err != nil {
		return msg.Body
	}
	return text
}

func joinAddresses(list []*email.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a != nil {
			out = append(out, display(a))
		}
	}
	return strings.Join(out, ", ")
}

// display prints a bare address without angle brackets.
func display(a *email.Address) string {
	if a == nil {
		return ""
	}
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}

func drain(r io.Reader) (int64, error) {
	if r == nil {
		return 0, nil
	}
	return io.Copy(io.Discard, r)
}

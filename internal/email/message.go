// Package email defines the outbound email model handed to delivery providers.
package email

import (
	"errors"
	"io"
	"net/mail"
	"strings"
)

// ErrInvalidArgument marks input that cannot be turned into a deliverable message,
// such as a nil recipient entry or a missing from address.
var ErrInvalidArgument = errors.New("invalid argument")

// Email is an outbound message. Providers treat it as read-only, except for
// attachment readers which are consumed exactly once.
type Email struct {
	Subject string
	Body    string
	IsHTML  bool

	From    *Address
	To      []*Address
	Cc      []*Address
	Bcc     []*Address
	ReplyTo []*Address

	Priority    Priority
	Attachments []Attachment
}

// Address is a display name and email address pair.
type Address struct {
	Name    string
	Address string
}

// String formats the address for use in a MIME header.
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Attachment is a file to attach. Content is read once, at delivery time.
type Attachment struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// Priority is the sender-assigned importance of a message.
type Priority int

const (
	PriorityUnset Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority converts a priority name or an X-Priority header value into a
// Priority. Unknown values yield PriorityNormal.
func ParsePriority(s string) Priority {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal
	}

	// X-Priority carries a digit optionally followed by a label: "1 (Highest)".
	switch s[0] {
	case '1', '2':
		return PriorityHigh
	case '3':
		return PriorityNormal
	case '4', '5':
		return PriorityLow
	}

	switch {
	case strings.HasPrefix(s, "high"), s == "urgent":
		return PriorityHigh
	case strings.HasPrefix(s, "low"), s == "non-urgent":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ParseAddressList parses a comma-separated RFC 5322 address list such as
// `"Alice" <alice@example.com>, bob@example.com`.
func ParseAddressList(raw string) ([]*Address, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, err
	}

	out := make([]*Address, 0, len(list))
	for _, a := range list {
		out = append(out, &Address{Name: a.Name, Address: a.Address})
	}
	return out, nil
}

// Addresses returns the bare email addresses of a list, skipping nil entries.
func Addresses(list []*Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a != nil && a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

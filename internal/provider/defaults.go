package provider

import (
	"context"

	"github.com/shineum/graphmailer/internal/email"
)

// defaultFrom fills in a configured sender for messages that arrive without one.
type defaultFrom struct {
	Provider
	from *email.Address
}

// WithDefaultFrom wraps p so that messages with a nil From are sent as from.
// A nil from returns p unchanged. The caller's message is not modified.
func WithDefaultFrom(p Provider, from *email.Address) Provider {
	if from == nil || from.Address == "" {
		return p
	}
	return &defaultFrom{Provider: p, from: from}
}

func (d *defaultFrom) Send(ctx context.Context, msg *email.Email) Result {
	if msg != nil && msg.From == nil {
		withFrom := *msg
		withFrom.From = d.from
		msg = &withFrom
	}
	return d.Provider.Send(ctx, msg)
}

package graph

import (
	"fmt"

	"github.com/shineum/graphmailer/internal/email"
)

// buildMessage converts an email.Email into the Graph message resource.
// It performs no I/O and returns an error wrapping email.ErrInvalidArgument
// when the from address or any recipient entry is missing.
func buildMessage(msg *email.Email) (*Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", email.ErrInvalidArgument)
	}

	from, err := mapAddress("from", msg.From)
	if err != nil {
		return nil, err
	}

	body := ItemBody{ContentType: BodyText, Content: msg.Body}
	if msg.IsHTML {
		body.ContentType = BodyHTML
	}

	out := &Message{
		Subject:    msg.Subject,
		Body:       body,
		From:       &from,
		Importance: mapImportance(msg.Priority),
	}

	if out.ReplyTo, err = mapRecipients("replyTo", msg.ReplyTo); err != nil {
		return nil, err
	}
	if out.ToRecipients, err = mapRecipients("toRecipients", msg.To); err != nil {
		return nil, err
	}
	if out.CcRecipients, err = mapRecipients("ccRecipients", msg.Cc); err != nil {
		return nil, err
	}
	if out.BccRecipients, err = mapRecipients("bccRecipients", msg.Bcc); err != nil {
		return nil, err
	}

	return out, nil
}

// mapRecipients maps a list in order. A nil list yields an empty, non-nil slice.
func mapRecipients(field string, list []*email.Address) ([]Recipient, error) {
	out := make([]Recipient, 0, len(list))
	for i, addr := range list {
		r, err := mapAddress(fmt.Sprintf("%s[%d]", field, i), addr)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func mapAddress(field string, addr *email.Address) (Recipient, error) {
	if addr == nil {
		return Recipient{}, fmt.Errorf("%w: %s: address is required", email.ErrInvalidArgument, field)
	}
	if addr.Address == "" {
		return Recipient{}, fmt.Errorf("%w: %s: email address is empty", email.ErrInvalidArgument, field)
	}
	return Recipient{
		EmailAddress: EmailAddress{Name: addr.Name, Address: addr.Address},
	}, nil
}

func mapImportance(p email.Priority) Importance {
	switch p {
	case email.PriorityLow:
		return ImportanceLow
	case email.PriorityHigh:
		return ImportanceHigh
	default:
		return ImportanceNormal
	}
}

// Package parser turns RFC 5322 messages (.eml files, SMTP DATA) into the
// outbound email model.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/graphmailer/internal/email"
)

// Parse reads a raw message and maps its headers, body and attachments onto
// an Email. When both text and HTML bodies are present the HTML one wins.
// Unrecognized MIME parts are logged and skipped.
func Parse(r io.Reader) (*email.Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && (mr == nil || !tolerable(err)) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &email.Email{}
	if err := parseHeader(mr.Header, result); err != nil {
		return nil, err
	}

	var text, html string
	var haveText, haveHTML bool

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if part == nil || !tolerable(err) {
				return nil, fmt.Errorf("failed to read message part: %w", err)
			}
			slog.Warn("decoding MIME part with unknown charset or encoding", "error", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := h.ContentType()
			if mediaType == "" {
				mediaType = "text/plain"
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("failed to read part content", "content_type", mediaType, "error", err)
				continue
			}

			switch {
			case mediaType == "text/plain" && !haveText:
				text, haveText = string(content), true
			case mediaType == "text/html" && !haveHTML:
				html, haveHTML = string(content), true
			case inlineFilename(h, params) != "":
				result.Attachments = append(result.Attachments, newAttachment(inlineFilename(h, params), mediaType, content))
			default:
				slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
			}

		case *mail.AttachmentHeader:
			mediaType, params, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("failed to read attachment content", "content_type", mediaType, "error", err)
				continue
			}
			filename, _ := h.Filename()
			if filename == "" {
				filename = fallbackFilename(mediaType, params)
			}
			result.Attachments = append(result.Attachments, newAttachment(filename, mediaType, content))
		}
	}

	if haveHTML {
		result.Body, result.IsHTML = html, true
	} else {
		result.Body = text
	}
	return result, nil
}

func parseHeader(h mail.Header, result *email.Email) error {
	from, err := addressList(h, "From")
	if err != nil {
		return err
	}
	if len(from) > 0 {
		result.From = from[0]
	}

	for _, f := range []struct {
		key  string
		dest *[]*email.Address
	}{
		{"To", &result.To},
		{"Cc", &result.Cc},
		{"Bcc", &result.Bcc},
		{"Reply-To", &result.ReplyTo},
	} {
		list, err := addressList(h, f.key)
		if err != nil {
			return err
		}
		*f.dest = list
	}

	subject, err := h.Subject()
	if err != nil {
		slog.Warn("failed to decode subject, using raw value", "error", err)
		subject = h.Get("Subject")
	}
	result.Subject = subject

	result.Priority = parsePriority(h)
	return nil
}

func addressList(h mail.Header, key string) ([]*email.Address, error) {
	if !h.Has(key) {
		return nil, nil
	}
	list, err := h.AddressList(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s header: %v", email.ErrInvalidArgument, key, err)
	}
	out := make([]*email.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &email.Address{Name: a.Name, Address: a.Address})
	}
	return out, nil
}

// parsePriority reads X-Priority, then Importance, then X-MSMail-Priority.
func parsePriority(h mail.Header) email.Priority {
	for _, key := range []string{"X-Priority", "Importance", "X-MSMail-Priority"} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			return email.ParsePriority(v)
		}
	}
	return email.PriorityUnset
}

func inlineFilename(h *mail.InlineHeader, params map[string]string) string {
	if _, dp, err := h.ContentDisposition(); err == nil && dp["filename"] != "" {
		return dp["filename"]
	}
	return params["name"]
}

// fallbackFilename names an attachment that carries no filename. Graph
// requires a name on every file attachment.
func fallbackFilename(mediaType string, params map[string]string) string {
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func newAttachment(filename, mediaType string, content []byte) email.Attachment {
	return email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     bytes.NewReader(content),
	}
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

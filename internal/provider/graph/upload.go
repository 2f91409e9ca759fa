package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/shineum/graphmailer/internal/email"
)

// LargeAttachmentThreshold is the size at which an attachment stops being
// posted inline and goes through an upload session instead.
const LargeAttachmentThreshold = 3 * units.MiB

// DefaultChunkSize is ten 320 KiB units, below the 4 MB per-request limit of
// attachment upload sessions.
const DefaultChunkSize = 10 * 320 * units.KiB

// draftRef identifies the draft an attachment is delivered to.
type draftRef struct {
	mailbox   string
	messageID string
}

// deliveryStrategy puts one attachment's bytes onto a draft.
type deliveryStrategy interface {
	name() string
	deliver(ctx context.Context, draft draftRef, att email.Attachment, buf []byte) error
}

// inlineUpload posts the whole attachment in a single request.
type inlineUpload struct {
	client MailClient
}

func (inlineUpload) name() string { return "inline" }

func (s inlineUpload) deliver(ctx context.Context, draft draftRef, att email.Attachment, buf []byte) error {
	return s.client.AddAttachment(ctx, draft.mailbox, draft.messageID, &FileAttachment{
		ODataType:    fileAttachmentType,
		Name:         att.Filename,
		ContentType:  att.ContentType,
		ContentBytes: buf,
	})
}

// chunkedUpload opens an upload session and transfers the attachment in
// chunkSize pieces. It makes a single pass; interrupted sessions are not resumed.
type chunkedUpload struct {
	client    MailClient
	chunkSize int
	strict    bool
	logger    *slog.Logger
}

func (chunkedUpload) name() string { return "upload_session" }

func (s chunkedUpload) deliver(ctx context.Context, draft draftRef, att email.Attachment, buf []byte) error {
	total := int64(len(buf))

	session, err := s.client.CreateUploadSession(ctx, draft.mailbox, draft.messageID, AttachmentItem{
		AttachmentType: "file",
		Name:           att.Filename,
		Size:           total,
	})
	if err != nil {
		return err
	}

	completed, err := s.transfer(ctx, session, buf)
	if err != nil {
		return err
	}

	if !completed {
		if s.strict {
			return fmt.Errorf("upload of %q incomplete: service did not acknowledge all %d bytes", att.Filename, total)
		}
		// An incomplete transfer that raised no error does not fail the send.
		s.logger.WarnContext(ctx, "upload session did not report completion",
			"attachment", att.Filename,
			"size", total,
		)
		return nil
	}

	s.logger.DebugContext(ctx, "upload session completed", "attachment", att.Filename)
	return nil
}

// transfer sends buf range by range and reports whether the service
// acknowledged the final byte.
func (s chunkedUpload) transfer(ctx context.Context, session *UploadSession, buf []byte) (bool, error) {
	total := int64(len(buf))
	chunk := int64(s.chunkSize)
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	var offset int64
	for offset < total {
		end := min(offset+chunk, total)

		progress, err := s.client.UploadRange(ctx, session, offset, buf[offset:end], total)
		if err != nil {
			return false, fmt.Errorf("upload bytes %d-%d: %w", offset, end-1, err)
		}
		if progress.Complete {
			return true, nil
		}

		next := nextExpectedOffset(progress.NextExpectedRanges, end)
		if next <= offset {
			// Going back would mean resuming, which this upload does not do.
			next = end
		}
		offset = next
	}

	return false, nil
}

// nextExpectedOffset returns the start of the first range in a
// nextExpectedRanges list ("3276800-" or "3276800-6553599"), or fallback.
func nextExpectedOffset(ranges []string, fallback int64) int64 {
	if len(ranges) == 0 {
		return fallback
	}
	start, _, _ := strings.Cut(ranges[0], "-")
	n, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// readAttachment materializes the attachment content. A nil reader is an
// empty attachment.
func readAttachment(att email.Attachment) ([]byte, error) {
	if att.Content == nil {
		return []byte{}, nil
	}
	buf, err := io.ReadAll(att.Content)
	if err != nil {
		return nil, fmt.Errorf("read attachment content: %w", err)
	}
	return buf, nil
}

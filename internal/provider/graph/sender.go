package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-units"

	"github.com/shineum/graphmailer/internal/email"
	"github.com/shineum/graphmailer/internal/logger"
	"github.com/shineum/graphmailer/internal/provider"
)

// GraphProviderConfig holds the configuration for creating a Sender backed
// by the Graph REST API.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string
	AuthorityURL string
	Timeout      time.Duration

	SenderOptions
}

// SenderOptions tunes the send sequence.
type SenderOptions struct {
	// ChunkSize is the upload session range size. Zero means DefaultChunkSize.
	ChunkSize int

	// StrictUploads fails the send when an upload session ends without the
	// service acknowledging completion. Off by default: such a transfer is
	// logged and the message is still sent.
	StrictUploads bool

	// CheckCancellation makes the Sender check ctx before every remote call.
	// Off by default: ctx then only reaches the HTTP layer.
	CheckCancellation bool

	Logger *slog.Logger
}

// Sender delivers email through the Graph draft workflow. It holds no per-send
// state and is safe for concurrent use.
// @MX:ANCHOR: [AUTO] External system integration point for Microsoft Graph API
// @MX:REASON: All email delivery flows through this provider when Graph is configured
type Sender struct {
	client            MailClient
	inline            deliveryStrategy
	chunked           deliveryStrategy
	checkCancellation bool
	logger            *slog.Logger
}

var _ provider.Provider = (*Sender)(nil)

// New creates a Sender with a Client built from cfg.
func New(cfg GraphProviderConfig) *Sender {
	client := NewClient(ClientConfig{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		BaseURL:      cfg.BaseURL,
		AuthorityURL: cfg.AuthorityURL,
		Timeout:      cfg.Timeout,
	})
	return NewWithClient(client, cfg.SenderOptions)
}

// NewWithClient creates a Sender on top of an existing MailClient.
func NewWithClient(client MailClient, opts SenderOptions) *Sender {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Sender{
		client: client,
		inline: inlineUpload{client: client},
		chunked: chunkedUpload{
			client:    client,
			chunkSize: chunkSize,
			strict:    opts.StrictUploads,
			logger:    log,
		},
		checkCancellation: opts.CheckCancellation,
		logger:            log,
	}
}

// Name returns the provider name.
func (s *Sender) Name() string {
	return "msgraph"
}

// Send delivers msg and blocks until the outcome is known.
func (s *Sender) Send(ctx context.Context, msg *email.Email) provider.Result {
	return <-s.SendAsync(ctx, msg)
}

// SendAsync starts delivering msg and returns a channel that receives exactly
// one Result and is then closed.
func (s *Sender) SendAsync(ctx context.Context, msg *email.Email) <-chan provider.Result {
	out := make(chan provider.Result, 1)
	go func() {
		defer close(out)
		out <- s.send(ctx, msg)
	}()
	return out
}

// send runs create -> attach -> send. The first failure ends the sequence and
// becomes the Result; the draft is left as the last successful call made it.
func (s *Sender) send(ctx context.Context, msg *email.Email) (res provider.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = provider.Fail(provider.KindRemoteCall, fmt.Errorf("send aborted: %v", r))
		}
	}()

	remote, err := buildMessage(msg)
	if err != nil {
		return provider.Fail(provider.KindMapping, err)
	}
	mailbox := remote.From.EmailAddress.Address
	ctx = logger.WithAttrs(ctx, slog.String("mailbox", mailbox))

	if err := s.checkpoint(ctx); err != nil {
		return provider.Fail(provider.KindRemoteCall, err)
	}
	id, err := s.client.CreateMessage(ctx, mailbox, remote)
	if err != nil {
		return provider.Fail(provider.KindRemoteCall, err)
	}
	ctx = logger.WithAttrs(ctx, slog.String("message_id", id))
	s.logger.DebugContext(ctx, "draft created", "attachments", len(msg.Attachments))

	draft := draftRef{mailbox: mailbox, messageID: id}
	for i, att := range msg.Attachments {
		if err := s.checkpoint(ctx); err != nil {
			return provider.Fail(provider.KindRemoteCall, err)
		}
		if err := s.deliver(ctx, draft, att); err != nil {
			return provider.Fail(provider.KindUpload, fmt.Errorf("attachment %d (%s): %w", i, att.Filename, err))
		}
	}

	if err := s.checkpoint(ctx); err != nil {
		return provider.Fail(provider.KindRemoteCall, err)
	}
	if err := s.client.SendMessage(ctx, mailbox, id); err != nil {
		return provider.Fail(provider.KindRemoteCall, err)
	}

	s.logger.InfoContext(ctx, "message sent")
	return provider.Success(id)
}

// deliver reads one attachment and hands it to the strategy its size selects.
// The buffer does not outlive this call.
func (s *Sender) deliver(ctx context.Context, draft draftRef, att email.Attachment) error {
	buf, err := readAttachment(att)
	if err != nil {
		return err
	}

	strategy := s.strategyFor(len(buf))
	s.logger.DebugContext(ctx, "delivering attachment",
		"attachment", att.Filename,
		"size", units.BytesSize(float64(len(buf))),
		"strategy", strategy.name(),
	)
	return strategy.deliver(ctx, draft, att, buf)
}

func (s *Sender) strategyFor(size int) deliveryStrategy {
	if size < LargeAttachmentThreshold {
		return s.inline
	}
	return s.chunked
}

func (s *Sender) checkpoint(ctx context.Context) error {
	if !s.checkCancellation {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send cancelled: %w", err)
	}
	return nil
}

// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/graphmailer/internal/email"
	"github.com/shineum/graphmailer/internal/provider"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESProvider sends emails via the AWS SES v2 API.
// @MX:ANCHOR: [AUTO] External system integration point for AWS SES
// @MX:REASON: All email delivery flows through this provider when SES is configured
type SESProvider struct {
	client SendEmailAPI
}

var _ provider.Provider = (*SESProvider)(nil)

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESProvider{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *SESProvider {
	return &SESProvider{client: client}
}

// Send delivers an email message via AWS SES v2 in a single attempt.
// Messages with attachments or an explicit priority go out as raw MIME;
// everything else uses the SES simple format.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) provider.Result {
	if err := validate(msg); err != nil {
		return provider.Fail(provider.KindMapping, err)
	}

	var input *sesv2.SendEmailInput
	if needsRaw(msg) {
		raw, err := buildRawMessage(msg)
		if err != nil {
			return provider.Fail(provider.KindMapping, fmt.Errorf("failed to build raw message: %w", err))
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(msg.From.String()),
			Destination:      buildDestination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(msg)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return provider.Fail(provider.KindRemoteCall, fmt.Errorf("SES API request failed: %w", err))
	}

	id := aws.ToString(out.MessageId)
	slog.InfoContext(ctx, "message sent", "provider", s.Name(), "message_id", id)
	return provider.Success(id)
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

func validate(msg *email.Email) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", email.ErrInvalidArgument)
	}
	if msg.From == nil || msg.From.Address == "" {
		return fmt.Errorf("%w: from: address is required", email.ErrInvalidArgument)
	}
	for field, list := range map[string][]*email.Address{
		"to": msg.To, "cc": msg.Cc, "bcc": msg.Bcc, "reply-to": msg.ReplyTo,
	} {
		for i, a := range list {
			if a == nil || a.Address == "" {
				return fmt.Errorf("%w: %s[%d]: address is required", email.ErrInvalidArgument, field, i)
			}
		}
	}
	return nil
}

func needsRaw(msg *email.Email) bool {
	return len(msg.Attachments) > 0 || msg.Priority == email.PriorityHigh || msg.Priority == email.PriorityLow
}

func buildDestination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  email.Addresses(msg.To),
		CcAddresses:  email.Addresses(msg.Cc),
		BccAddresses: email.Addresses(msg.Bcc),
	}
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(msg *email.Email) *sesv2.SendEmailInput {
	content := &types.Content{
		Data:    aws.String(msg.Body),
		Charset: aws.String("UTF-8"),
	}
	body := &types.Body{}
	if msg.IsHTML {
		body.Html = content
	} else {
		body.Text = content
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.String()),
		Destination:      buildDestination(msg),
		ReplyToAddresses: email.Addresses(msg.ReplyTo),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage renders msg as a multipart/mixed MIME message. Bcc is left
// out of the headers; SES takes those recipients from the Destination.
func buildRawMessage(msg *email.Email) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", toMailAddresses([]*email.Address{msg.From}))
	if len(msg.To) > 0 {
		h.SetAddressList("To", toMailAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	if len(msg.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", toMailAddresses(msg.ReplyTo))
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	switch msg.Priority {
	case email.PriorityHigh:
		h.Set("X-Priority", "1 (Highest)")
		h.Set("Importance", "high")
	case email.PriorityLow:
		h.Set("X-Priority", "5 (Lowest)")
		h.Set("Importance", "low")
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	var bh mail.InlineHeader
	if msg.IsHTML {
		bh.SetContentType("text/html", map[string]string{"charset": "UTF-8"})
	} else {
		bh.SetContentType("text/plain", map[string]string{"charset": "UTF-8"})
	}
	bw, err := mw.CreateSingleInline(bh)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := io.WriteString(bw, msg.Body); err != nil {
		return nil, fmt.Errorf("write body part: %w", err)
	}
	if err := bw.Close(); err != nil {
		return nil, fmt.Errorf("close body part: %w", err)
	}

	for i, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.Set("Content-Transfer-Encoding", "base64")
		ah.SetFilename(att.Filename)

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if att.Content != nil {
			if _, err := io.Copy(aw, att.Content); err != nil {
				return nil, fmt.Errorf("attachment %d (%s): %w", i, att.Filename, err)
			}
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("close attachment part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func toMailAddresses(list []*email.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

package ses

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/graphmailer/internal/email"
	"github.com/shineum/graphmailer/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func sender() *email.Address {
	return &email.Address{Name: "Sender", Address: "sender@example.com"}
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient(&mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_SimpleTextEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	msg := &email.Email{
		From:    sender(),
		To:      []*email.Address{{Address: "to@example.com"}},
		Subject: "Test Subject",
		Body:    "Hello, World!",
	}

	res := p.Send(context.Background(), msg)
	if !res.Succeeded() {
		t.Fatalf("unexpected failure: %v", res.Errors())
	}
	if res.MessageID != "test-message-id" {
		t.Errorf("MessageID: got %q, want %q", res.MessageID, "test-message-id")
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != `"Sender" <sender@example.com>` {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello, World!" {
		t.Errorf("Body: got %q, want %q", got, "Hello, World!")
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}
}

func TestSend_SimpleHtmlEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	res := p.Send(context.Background(), &email.Email{
		From:    sender(),
		To:      []*email.Address{{Address: "to@example.com"}},
		Subject: "HTML",
		Body:    "<h1>Hello</h1>",
		IsHTML:  true,
	})
	if !res.Succeeded() {
		t.Fatalf("unexpected failure: %v", res.Errors())
	}

	body := mock.lastInput.Content.Simple.Body
	if body.Html == nil || *body.Html.Data != "<h1>Hello</h1>" {
		t.Errorf("Html body: got %+v", body.Html)
	}
	if got := *body.Html.Charset; got != "UTF-8" {
		t.Errorf("HTML charset: got %q, want %q", got, "UTF-8")
	}
	if body.Text != nil {
		t.Error("expected no text body")
	}
}

func TestSend_WithRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	res := p.Send(context.Background(), &email.Email{
		From:    sender(),
		To:      []*email.Address{{Address: "to1@example.com"}, {Name: "Two", Address: "to2@example.com"}},
		Cc:      []*email.Address{{Address: "cc@example.com"}},
		Bcc:     []*email.Address{{Address: "bcc@example.com"}},
		ReplyTo: []*email.Address{{Address: "reply@example.com"}},
		Subject: "Recipients",
		Body:    "body",
	})
	if !res.Succeeded() {
		t.Fatalf("unexpected failure: %v", res.Errors())
	}

	input := mock.lastInput
	dest := input.Destination
	if got := strings.Join(dest.ToAddresses, ","); got != "to1@example.com,to2@example.com" {
		t.Errorf("ToAddresses: got %q", got)
	}
	if got := strings.Join(dest.CcAddresses, ","); got != "cc@example.com" {
		t.Errorf("CcAddresses: got %q", got)
	}
	if got := strings.Join(dest.BccAddresses, ","); got != "bcc@example.com" {
		t.Errorf("BccAddresses: got %q", got)
	}
	if got := strings.Join(input.ReplyToAddresses, ","); got != "reply@example.com" {
		t.Errorf("ReplyToAddresses: got %q", got)
	}
}

func TestSend_WithAttachments(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	msg := &email.Email{
		From:    sender(),
		To:      []*email.Address{{Address: "to@example.com"}},
		Bcc:     []*email.Address{{Address: "hidden@example.com"}},
		Subject: "With Attachment",
		Body:    "See attachment",
		Attachments: []email.Attachment{
			{Filename: "test.txt", ContentType: "text/plain", Content: strings.NewReader("file content")},
		},
	}

	res := p.Send(context.Background(), msg)
	if !res.Succeeded() {
		t.Fatalf("unexpected failure: %v", res.Errors())
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content for attachment, got nil")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content when using raw message")
	}
	if got := strings.Join(input.Destination.BccAddresses, ","); got != "hidden@example.com" {
		t.Errorf("BccAddresses: got %q", got)
	}
	if bytes.Contains(input.Content.Raw.Data, []byte("hidden@example.com")) {
		t.Error("Bcc recipient leaked into raw headers")
	}
}

func TestSend_PriorityUsesRawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	res := p.Send(context.Background(), &email.Email{
		From:     sender(),
		To:       []*email.Address{{Address: "to@example.com"}},
		Subject:  "Urgent",
		Body:     "now",
		Priority: email.PriorityHigh,
	})
	if !res.Succeeded() {
		t.Fatalf("unexpected failure: %v", res.Errors())
	}
	if mock.lastInput.Content.Raw == nil {
		t.Fatal("expected raw content for a prioritized message")
	}
}

func TestSend_SingleAttemptOnError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	p := NewWithClient(mock)

	res := p.Send(context.Background(), &email.Email{
		From:    sender(),
		To:      []*email.Address{{Address: "to@example.com"}},
		Subject: "Test",
		Body:    "Body",
	})

	if res.Succeeded() {
		t.Fatal("expected failure, got success")
	}
	if res.Failure.Kind != provider.KindRemoteCall {
		t.Errorf("Kind: got %v, want %v", res.Failure.Kind, provider.KindRemoteCall)
	}
	if got := res.Errors(); len(got) != 1 || got[0] != "SES API request failed: throttled" {
		t.Errorf("Errors(): got %v", got)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestSend_InvalidMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *email.Email
	}{
		{name: "nil message", msg: nil},
		{name: "missing from", msg: &email.Email{To: []*email.Address{{Address: "to@example.com"}}}},
		{name: "nil recipient", msg: &email.Email{From: sender(), To: []*email.Address{nil}}},
		{name: "empty reply-to", msg: &email.Email{From: sender(), ReplyTo: []*email.Address{{Name: "x"}}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockSESClient{}
			res := NewWithClient(mock).Send(context.Background(), tt.msg)

			if res.Succeeded() {
				t.Fatal("expected failure, got success")
			}
			if res.Failure.Kind != provider.KindMapping {
				t.Errorf("Kind: got %v, want %v", res.Failure.Kind, provider.KindMapping)
			}
			if !errors.Is(res.Failure, email.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", res.Failure)
			}
			if mock.callCount != 0 {
				t.Errorf("call count: got %d, want 0", mock.callCount)
			}
		})
	}
}

func TestBuildRawMessage(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		From:     sender(),
		To:       []*email.Address{{Address: "to@example.com"}},
		Cc:       []*email.Address{{Address: "cc@example.com"}},
		ReplyTo:  []*email.Address{{Name: "Desk", Address: "desk@example.com"}},
		Subject:  "Raw Test",
		Body:     "text body",
		Priority: email.PriorityLow,
		Attachments: []email.Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: strings.NewReader("pdf content")},
		},
	}

	raw, err := buildRawMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse raw message: %v", err)
	}

	if got, _ := mr.Header.Subject(); got != "Raw Test" {
		t.Errorf("Subject: got %q, want %q", got, "Raw Test")
	}
	if from, _ := mr.Header.AddressList("From"); len(from) != 1 || from[0].Address != "sender@example.com" || from[0].Name != "Sender" {
		t.Errorf("From: got %v", from)
	}
	if cc, _ := mr.Header.AddressList("Cc"); len(cc) != 1 || cc[0].Address != "cc@example.com" {
		t.Errorf("Cc: got %v", cc)
	}
	if rt, _ := mr.Header.AddressList("Reply-To"); len(rt) != 1 || rt[0].Address != "desk@example.com" {
		t.Errorf("Reply-To: got %v", rt)
	}
	if id, _ := mr.Header.MessageID(); id == "" {
		t.Error("missing Message-Id header")
	}
	if got := mr.Header.Get("X-Priority"); got != "5 (Lowest)" {
		t.Errorf("X-Priority: got %q", got)
	}
	if got := mr.Header.Get("Importance"); got != "low" {
		t.Errorf("Importance: got %q", got)
	}

	var body, attachment, filename string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		data, _ := io.ReadAll(part.Body)
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			body = string(data)
		case *mail.AttachmentHeader:
			attachment = string(data)
			filename, _ = h.Filename()
			if ct, _, _ := h.ContentType(); ct != "application/pdf" {
				t.Errorf("attachment content type: got %q", ct)
			}
		}
	}

	if body != "text body" {
		t.Errorf("body: got %q, want %q", body, "text body")
	}
	if attachment != "pdf content" {
		t.Errorf("attachment: got %q, want %q", attachment, "pdf content")
	}
	if filename != "doc.pdf" {
		t.Errorf("filename: got %q, want %q", filename, "doc.pdf")
	}
}

func TestBuildRawMessage_HtmlBody(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		From:    sender(),
		To:      []*email.Address{{Address: "to@example.com"}},
		Subject: "HTML Raw",
		Body:    "<h1>Hello</h1>",
		IsHTML:  true,
		Attachments: []email.Attachment{
			{Filename: "a.txt", ContentType: "text/plain", Content: strings.NewReader("x")},
		},
	}

	raw, err := buildRawMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(string(raw), "text/html") {
		t.Error("expected text/html content type for HTML body")
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestBuildRawMessage_AttachmentReadError(t *testing.T) {
	t.Parallel()

	_, err := buildRawMessage(&email.Email{
		From:        sender(),
		Attachments: []email.Attachment{{Filename: "bad.bin", Content: brokenReader{}}},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "attachment 0 (bad.bin)") {
		t.Errorf("error: got %q", err.Error())
	}
}

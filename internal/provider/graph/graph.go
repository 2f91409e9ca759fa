package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL      = "https://graph.microsoft.com/v1.0"
	defaultAuthorityURL = "https://login.microsoftonline.com"
	defaultTimeout      = 30 * time.Second
)

// MailClient is the mailbox-scoped subset of the Graph mail API the Sender
// needs. Implementations make a single attempt per call.
type MailClient interface {
	// CreateMessage creates a draft in mailbox and returns its id.
	CreateMessage(ctx context.Context, mailbox string, msg *Message) (string, error)
	// AddAttachment posts a file attachment inline to the draft.
	AddAttachment(ctx context.Context, mailbox, messageID string, att *FileAttachment) error
	// CreateUploadSession opens a resumable upload for a large attachment.
	CreateUploadSession(ctx context.Context, mailbox, messageID string, item AttachmentItem) (*UploadSession, error)
	// UploadRange transfers chunk as bytes [offset, offset+len(chunk)) of total.
	UploadRange(ctx context.Context, session *UploadSession, offset int64, chunk []byte, total int64) (*UploadProgress, error)
	// SendMessage submits the draft, moving it to the sent state.
	SendMessage(ctx context.Context, mailbox, messageID string) error
}

// ClientConfig holds the settings for a Client.
type ClientConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// BaseURL defaults to the Graph v1.0 endpoint.
	BaseURL string
	// AuthorityURL defaults to the public Azure AD authority.
	AuthorityURL string
	// Timeout bounds every HTTP request. Ignored when HTTPClient is set.
	Timeout time.Duration

	HTTPClient *http.Client
	// Tokens overrides the client credentials flow.
	Tokens TokenSource
}

// Client is a MailClient speaking the Graph REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

var _ MailClient = (*Client)(nil)

// NewClient creates a Client. Tokens are fetched lazily on first use.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	tokens := cfg.Tokens
	if tokens == nil {
		authority := strings.TrimRight(cfg.AuthorityURL, "/")
		if authority == "" {
			authority = defaultAuthorityURL
		}
		tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, url.PathEscape(cfg.TenantID))
		tokens = newClientCredentials(tokenURL, cfg.ClientID, cfg.ClientSecret, httpClient)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
	}
}

// CreateMessage implements MailClient.
func (c *Client) CreateMessage(ctx context.Context, mailbox string, msg *Message) (string, error) {
	var created Message
	err := c.do(ctx, "create message", http.MethodPost, c.messagesURL(mailbox), msg, &created, http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("create message: response carried no message id")
	}
	return created.ID, nil
}

// AddAttachment implements MailClient.
func (c *Client) AddAttachment(ctx context.Context, mailbox, messageID string, att *FileAttachment) error {
	return c.do(ctx, "add attachment", http.MethodPost, c.messageURL(mailbox, messageID)+"/attachments", att, nil, http.StatusCreated, http.StatusOK)
}

// CreateUploadSession implements MailClient.
func (c *Client) CreateUploadSession(ctx context.Context, mailbox, messageID string, item AttachmentItem) (*UploadSession, error) {
	var session UploadSession
	u := c.messageURL(mailbox, messageID) + "/attachments/createUploadSession"
	if err := c.do(ctx, "create upload session", http.MethodPost, u, createUploadSessionRequest{AttachmentItem: item}, &session, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	if session.UploadURL == "" {
		return nil, fmt.Errorf("create upload session: response carried no upload url")
	}
	return &session, nil
}

// UploadRange implements MailClient. The upload URL is pre-authorized, so no
// bearer token is sent.
func (c *Client) UploadRange(ctx context.Context, session *UploadSession, offset int64, chunk []byte, total int64) (*UploadProgress, error) {
	end := offset + int64(len(chunk)) - 1

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(chunk))
	if err != nil {
		return nil, fmt.Errorf("upload range: create request: %w", err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, total))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload range: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return &UploadProgress{Complete: true}, nil
	case http.StatusOK, http.StatusAccepted:
		var r uploadRangeResponse
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &r); err != nil {
				return nil, fmt.Errorf("upload range: parse response: %w", err)
			}
		}
		return &UploadProgress{
			Complete:           len(r.NextExpectedRanges) == 0,
			NextExpectedRanges: r.NextExpectedRanges,
		}, nil
	default:
		return nil, newAPIError("upload range", resp.StatusCode, body)
	}
}

// SendMessage implements MailClient.
func (c *Client) SendMessage(ctx context.Context, mailbox, messageID string) error {
	return c.do(ctx, "send message", http.MethodPost, c.messageURL(mailbox, messageID)+"/send", nil, nil, http.StatusAccepted, http.StatusOK)
}

func (c *Client) messagesURL(mailbox string) string {
	return fmt.Sprintf("%s/users/%s/messages", c.baseURL, url.PathEscape(mailbox))
}

func (c *Client) messageURL(mailbox, messageID string) string {
	return c.messagesURL(mailbox) + "/" + url.PathEscape(messageID)
}

// do performs one authorized JSON request. A nil in sends no body; a nil out
// discards the response body.
func (c *Client) do(ctx context.Context, op, method, u string, in, out any, okStatus ...int) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s: get access token: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request body: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("client-request-id", requestID)
	req.Header.Set("return-client-request-id", "true")

	slog.DebugContext(ctx, "Graph API request",
		"op", op,
		"method", method,
		"client_request_id", requestID,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: HTTP request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	for _, status := range okStatus {
		if resp.StatusCode != status {
			continue
		}
		if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("%s: parse response: %w", op, err)
			}
		}
		return nil
	}

	return newAPIError(op, resp.StatusCode, respBody)
}

// APIError is a non-success response from the Graph API.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: Graph API error (HTTP %d): %s", e.Op, e.StatusCode, e.Message)
}

// newAPIError decodes the Graph error envelope, falling back to the raw body.
func newAPIError(op string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{Op: op, StatusCode: statusCode}

	var env errorResponse
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(statusCode)
	}
	return apiErr
}

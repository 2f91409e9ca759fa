package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpiryBuffer is subtracted from the advertised lifetime so a token is
// never presented in its final minutes.
const tokenExpiryBuffer = 5 * time.Minute

const defaultScope = "https://graph.microsoft.com/.default"

// TokenSource supplies bearer tokens for Graph API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token returns the static token.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("static token is empty")
	}
	return string(s), nil
}

// clientCredentials acquires app-only tokens with the OAuth2 client
// credentials grant and caches them until shortly before expiry.
type clientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func newClientCredentials(tokenURL, clientID, clientSecret string, httpClient *http.Client) *clientCredentials {
	return &clientCredentials{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        defaultScope,
		httpClient:   httpClient,
	}
}

// Token returns the cached token or fetches a new one. Safe for concurrent use;
// concurrent callers share a single fetch.
func (c *clientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	tok, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}

	c.accessToken = tok.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return c.accessToken, nil
}

func (c *clientCredentials) fetch(ctx context.Context) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {c.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	return &tok, nil
}

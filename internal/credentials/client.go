// Package credentials fetches per-account provider tokens from the
// external credential service. Refresh is the service's problem; this
// client only observes success or failure.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ErrUnauthorized means the grant behind an account was revoked or
// expired. Syncs hitting this stop immediately and wait for an external
// re-authorization.
var ErrUnauthorized = errors.New("credential revoked or expired")

// Token is one provider access token.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuth2 converts the token for adapters built on oauth2 transports.
func (t *Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
}

// Client talks to the credential service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a credential service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Token fetches the current token for a credential reference.
func (c *Client) Token(ctx context.Context, credentialRef string) (*Token, error) {
	url := fmt.Sprintf("%s/api/credentials/%s/token", c.baseURL, credentialRef)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403 || resp.StatusCode == 404:
		return nil, fmt.Errorf("credential %s: %w", credentialRef, ErrUnauthorized)
	case resp.StatusCode != 200:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

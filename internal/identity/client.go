// Package identity wraps the single network call this system makes: the
// client-credentials grant against the upstream identity endpoint.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultExpiresIn is assumed when the endpoint omits expires_in.
const DefaultExpiresIn = 300

// ErrUnauthorized indicates the identity endpoint rejected the credentials.
// It is fatal for the requesting call and must never be cached.
var ErrUnauthorized = errors.New("identity: unauthorized")

// Doer executes an HTTP request. The transport — including its connect/read
// timeouts and any retry policy — is the caller's concern.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenResponse is the identity endpoint's answer to a successful grant.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// Client performs client-credentials grants against one token URL.
type Client struct {
	doer         Doer
	tokenURL     string
	clientID     string
	clientSecret string
}

// NewClient creates an identity client. A nil doer falls back to
// http.DefaultClient.
func NewClient(doer Doer, tokenURL, clientID, clientSecret string) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{
		doer:         doer,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// ClientCredentials requests a token for the given scope string. Any non-2xx
// response maps to ErrUnauthorized with the status attached. An absent or
// zero expires_in is replaced with DefaultExpiresIn.
func (c *Client) ClientCredentials(ctx context.Context, scope string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("calling identity endpoint: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenResponse{}, fmt.Errorf("%w: identity endpoint returned %s", ErrUnauthorized, resp.Status)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return TokenResponse{}, fmt.Errorf("decoding token response: %w", err)
	}

	if token.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("identity endpoint returned an empty access token")
	}
	if token.ExpiresIn <= 0 {
		token.ExpiresIn = DefaultExpiresIn
	}

	return token, nil
}

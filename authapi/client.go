// Package authapi talks to the token-issuing endpoints: sign-in, sign-up,
// refresh and logout.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Endpoint paths relative to the API base URL.
const (
	PathLogin   = "/auth/login"
	PathSignup  = "/auth/signup"
	PathRefresh = "/auth/refresh"
	PathLogout  = "/auth/logout"
)

// ErrRefreshTokenExpired indicates that the server rejected the refresh token.
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// ErrorResponse is the error body returned by the API.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Credentials is the sign-in request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

// Registration is the sign-up request body.
type Registration struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Client calls the auth endpoints through a retrying HTTP client.
type Client struct {
	baseURL string
	http    *retry.Client
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryClient replaces the default retrying HTTP client.
func WithRetryClient(rc *retry.Client) Option {
	return func(c *Client) { c.http = rc }
}

// WithClock overrides the time source used to turn expires_in into an instant.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		rc, err := retry.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
		c.http = rc
	}
	return c, nil
}

// Login exchanges an email and password for a token pair.
func (c *Client) Login(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	return c.requestToken(ctx, PathLogin, creds)
}

// Signup registers a user and returns its first token pair.
func (c *Client) Signup(ctx context.Context, reg Registration) (*oauth2.Token, error) {
	return c.requestToken(ctx, PathSignup, reg)
}

// Refresh exchanges refreshToken for a new pair. The returned token's
// RefreshToken is empty when the server did not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	token, err := c.requestToken(ctx, PathRefresh, map[string]string{"refresh_token": refreshToken})
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && isRejectedGrant(rerr) {
			return nil, fmt.Errorf("%w: %w", ErrRefreshTokenExpired, err)
		}
		return nil, err
	}
	return token, nil
}

// Logout tells the server to revoke the session's refresh tokens.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	resp, body, err := c.post(ctx, PathLogout, nil, accessToken)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return retrieveError(resp, body)
	}
	return nil
}

func (c *Client) requestToken(ctx context.Context, path string, payload any) (*oauth2.Token, error) {
	resp, body, err := c.post(ctx, path, payload, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retrieveError(resp, body)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(
		tokenResp.AccessToken,
		tokenResp.TokenType,
		tokenResp.ExpiresIn,
	); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

func (c *Client) post(
	ctx context.Context,
	path string,
	payload any,
	bearer string,
) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := c.now()
	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", c.now().Sub(start)).
		Msg("auth endpoint call")
	return resp, body, nil
}

// retrieveError builds the error for a non-200 response, filling the error
// code and description from the API's error body when it parses.
func retrieveError(resp *http.Response, body []byte) *oauth2.RetrieveError {
	rerr := &oauth2.RetrieveError{Response: resp, Body: body}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		rerr.ErrorCode = errResp.Error
		rerr.ErrorDescription = errResp.Message
	}
	return rerr
}

func isRejectedGrant(rerr *oauth2.RetrieveError) bool {
	switch rerr.ErrorCode {
	case "invalid_grant", "invalid_token":
		return true
	}
	if rerr.Response == nil {
		return false
	}
	return rerr.Response.StatusCode == http.StatusUnauthorized ||
		rerr.Response.StatusCode == http.StatusForbidden
}

// validateTokenResponse checks the fields every token response must carry.
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// The API reports "bearer" in lower case; the field itself is optional.
	if tokenType != "" && !strings.EqualFold(tokenType, "bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

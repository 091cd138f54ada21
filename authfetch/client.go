// Package authfetch is the single way the application reaches the backend:
// it attaches a usable access token, applies the per-destination timeout and
// retries once when the token turns out to be stale.
package authfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/credstore"
)

// DefaultTimeout applies to every destination not marked long-running.
const DefaultTimeout = 30 * time.Second

// DefaultLongRunning lists destinations served without a client timeout.
// The chat endpoint waits on downstream agents and can legitimately be slow.
var DefaultLongRunning = []string{"/chat"}

// maxRetries is the number of resends after a 401.
const maxRetries = 1

var (
	// ErrAuthRequired is returned when no access token can be obtained.
	ErrAuthRequired = errors.New("authentication required")

	// ErrTimeout is returned when the per-call timer fires before a response.
	ErrTimeout = errors.New("request timed out")
)

// TokenSource produces a fresh access token to replace stale.
type TokenSource interface {
	Obtain(ctx context.Context, stale string) (string, error)
}

// FailureReporter handles an unrecoverable authentication failure.
type FailureReporter interface {
	ReportUnrecoverable(ctx context.Context, cause error)
}

// RequestInit describes the outgoing request. Body is kept as bytes so the
// request can be sent a second time.
type RequestInit struct {
	Method string
	Header http.Header
	Body   []byte
}

// Client executes authorized requests against baseURL.
type Client struct {
	baseURL  string
	http     *http.Client
	store    *credstore.Store
	tokens   TokenSource
	failures FailureReporter
	policy   TimeoutPolicy
	log      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeoutPolicy replaces the default timeout policy.
func WithTimeoutPolicy(p TimeoutPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client. failures may be nil.
func New(
	baseURL string,
	store *credstore.Store,
	tokens TokenSource,
	failures FailureReporter,
	opts ...Option,
) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     http.DefaultClient,
		store:    store,
		tokens:   tokens,
		failures: failures,
		policy:   TimeoutPolicy{Default: DefaultTimeout, LongRunning: DefaultLongRunning},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends init to destination with the current access token.
//
// A 401 on the first attempt triggers one refresh and one resend. A 401 or
// 403 that is not followed by a resend is reported as an unrecoverable
// failure and the response is still returned. Transport errors are returned
// as-is; ErrTimeout marks the per-call timer firing. The caller must close
// the response body.
func (c *Client) Call(ctx context.Context, destination string, init RequestInit) (*http.Response, error) {
	timeout := c.policy.For(destination)
	requestID := uuid.NewString()
	log := c.log.With().
		Str("request_id", requestID).
		Str("method", init.method()).
		Str("destination", destination).
		Logger()

	token, err := c.accessToken(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.report(ctx, err)
		return nil, fmt.Errorf("%w: %w", ErrAuthRequired, err)
	}

	// Bounded: attempt 0 is the original send, attempt maxRetries the only resend.
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, log, requestID, destination, init, token, timeout)
		if err != nil {
			return nil, err
		}

		status := resp.StatusCode
		if status == http.StatusUnauthorized && attempt < maxRetries {
			log.Debug().Msg("access token rejected, refreshing")
			fresh, rerr := c.tokens.Obtain(ctx, token)
			if rerr != nil {
				// The coordinator has already reported the failure.
				return resp, nil
			}
			drain(resp)
			token = fresh
			continue
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.report(ctx, fmt.Errorf("%s %s rejected with status %d", init.method(), destination, status))
		}
		return resp, nil
	}
}

// accessToken returns the stored token if usable, otherwise a fresh one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	token, ok := c.store.UsableAccessToken()
	if ok {
		return token, nil
	}
	return c.tokens.Obtain(ctx, token)
}

func (c *Client) send(
	ctx context.Context,
	log zerolog.Logger,
	requestID string,
	destination string,
	init RequestInit,
	token string,
	timeout time.Duration,
) (*http.Response, error) {
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	var body io.Reader
	if init.Body != nil {
		body = bytes.NewReader(init.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, init.method(), c.url(destination), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range init.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if init.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		timedOut := timerFired(ctx, reqCtx, timeout)
		cancel()
		if timedOut {
			log.Warn().Dur("timeout", timeout).Msg("request timed out")
			return nil, fmt.Errorf("%w after %s: %s %s", ErrTimeout, timeout, init.method(), destination)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	log.Debug().Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("response received")
	resp.Body = &callBody{
		ReadCloser: resp.Body,
		parent:     ctx,
		reqCtx:     reqCtx,
		cancel:     cancel,
		timeout:    timeout,
	}
	return resp, nil
}

// timerFired reports whether the per-call timer, and not the caller, ended reqCtx.
func timerFired(parent, reqCtx context.Context, timeout time.Duration) bool {
	return timeout > 0 && errors.Is(reqCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func (c *Client) url(destination string) string {
	if strings.HasPrefix(destination, "http://") || strings.HasPrefix(destination, "https://") {
		return destination
	}
	if !strings.HasPrefix(destination, "/") {
		destination = "/" + destination
	}
	return c.baseURL + destination
}

func (c *Client) report(ctx context.Context, cause error) {
	if c.failures != nil {
		c.failures.ReportUnrecoverable(ctx, cause)
	}
}

func (r RequestInit) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// callBody keeps the per-call timer running while the body is read and
// releases it on Close.
type callBody struct {
	io.ReadCloser
	parent  context.Context
	reqCtx  context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func (b *callBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && timerFired(b.parent, b.reqCtx, b.timeout) {
		return n, fmt.Errorf("%w after %s while reading response: %w", ErrTimeout, b.timeout, err)
	}
	return n, err
}

func (b *callBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// drain discards a response that is about to be replaced by a resend.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

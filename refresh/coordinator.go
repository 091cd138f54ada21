// Package refresh renews the access token from the refresh token, running at
// most one exchange at a time no matter how many callers need a fresh token.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-authgate/session-cli/credstore"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single refresh exchange.
const DefaultTimeout = 30 * time.Second

// flightKey is the only key used with the group: there is one refresh
// credential per store, so there is one in-flight exchange at most.
const flightKey = "refresh"

// ErrReauthRequired is returned when no fresh access token can be produced
// and the user has to sign in again.
var ErrReauthRequired = errors.New("re-authentication required")

var (
	errNoRefreshToken = errors.New("no refresh token stored")
	errRefreshExpired = errors.New("refresh token expired locally")
)

// TokenRefresher performs the network exchange.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// FailureReporter handles an unrecoverable authentication failure.
// Implementations must tolerate concurrent and repeated calls.
type FailureReporter interface {
	ReportUnrecoverable(ctx context.Context, cause error)
}

// Coordinator hands out fresh access tokens.
type Coordinator struct {
	store    *credstore.Store
	api      TokenRefresher
	failures FailureReporter
	timeout  time.Duration
	log      zerolog.Logger

	group     singleflight.Group
	exchanges atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a Coordinator. failures may be nil.
func New(
	store *credstore.Store,
	api TokenRefresher,
	failures FailureReporter,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:    store,
		api:      api,
		failures: failures,
		timeout:  DefaultTimeout,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Obtain returns a fresh access token to replace stale, the token the caller
// found expired or saw rejected. It joins the exchange already in flight if
// there is one. If the store already holds a different usable token, that
// token is returned without an exchange.
//
// On failure the error wraps ErrReauthRequired and the failure has already
// been reported. If ctx ends first Obtain returns ctx.Err(); the shared
// exchange keeps running for the other callers.
func (c *Coordinator) Obtain(ctx context.Context, stale string) (string, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.exchange(context.WithoutCancel(ctx), stale)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.log.Debug().Msg("joined in-flight token refresh")
		}
		return res.Val.(string), nil
	}
}

// Exchanges reports how many refresh requests have been sent.
func (c *Coordinator) Exchanges() int64 {
	return c.exchanges.Load()
}

func (c *Coordinator) exchange(ctx context.Context, stale string) (string, error) {
	// A flight that settled after the caller read the store has already
	// replaced the stale token.
	if token, ok := c.store.UsableAccessToken(); ok && token != stale {
		c.log.Debug().Msg("access token already replaced, skipping refresh")
		return token, nil
	}

	pair := c.store.Read()
	if pair.RefreshToken == "" {
		return "", c.fail(ctx, errNoRefreshToken)
	}
	if !c.store.IsRefreshStillUsable() {
		return "", c.fail(ctx, errRefreshExpired)
	}

	c.exchanges.Add(1)
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.api.Refresh(reqCtx, pair.RefreshToken)
	if err != nil {
		return "", c.fail(ctx, fmt.Errorf("refresh exchange failed: %w", err))
	}

	// Without rotation the server omits refresh_token; keep the current one.
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = pair.RefreshToken
	}
	if err := c.store.Save(token.AccessToken, refreshToken, token.Expiry); err != nil {
		return "", c.fail(ctx, fmt.Errorf("failed to persist refreshed tokens: %w", err))
	}

	c.log.Info().
		Time("access_expiry", token.Expiry).
		Bool("rotated", token.RefreshToken != "").
		Msg("access token refreshed")
	return token.AccessToken, nil
}

func (c *Coordinator) fail(ctx context.Context, cause error) error {
	c.log.Warn().Err(cause).Msg("token refresh failed, re-authentication required")
	if c.failures != nil {
		c.failures.ReportUnrecoverable(ctx, cause)
	}
	return fmt.Errorf("%w: %w", ErrReauthRequired, cause)
}

package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/authapi"
	"github.com/go-authgate/session-cli/authfetch"
	"github.com/go-authgate/session-cli/credstore"
	"github.com/go-authgate/session-cli/refresh"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/tui"
)

// app is the wired client stack for one command.
type app struct {
	d       tui.Displayer
	backend *credstore.FileBackend
	store   *credstore.Store
	session *session.Manager
	refresh *refresh.Coordinator
	fetch   *authfetch.Client
}

// newLogger writes human-readable logs to w at level.
func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// newHTTPClient is shared by the auth endpoints and application calls.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

// newApp wires the client stack. start is the route the command begins on.
func newApp(cfg *config, d tui.Displayer, log zerolog.Logger, hc *http.Client, start string) (*app, error) {
	// Wrap with retry logic using go-httpretry
	retryClient, err := retry.NewBackgroundClient(retry.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	api, err := authapi.New(
		cfg.ServerURL,
		authapi.WithRetryClient(retryClient),
		authapi.WithLogger(log.With().Str("component", "authapi").Logger()),
	)
	if err != nil {
		return nil, err
	}

	backend := credstore.NewFileBackend(cfg.TokenFile, cfg.ClientID).
		WithLogger(log.With().Str("component", "credstore").Logger())
	store := credstore.New(backend, credstore.WithLogger(log.With().Str("component", "credstore").Logger()))

	router := session.NewRouter(start)
	opts := []session.Option{session.WithLogger(log.With().Str("component", "session").Logger())}
	if cfg.ClientID != defaultClientID {
		opts = append(opts, session.WithDeviceID(cfg.ClientID))
	}
	manager := session.New(store, api, &displayNavigator{Router: router, d: d}, opts...)

	coord := refresh.New(
		store,
		api,
		manager,
		refresh.WithLogger(log.With().Str("component", "refresh").Logger()),
	)

	fetch := authfetch.New(
		cfg.ServerURL,
		store,
		coord,
		manager,
		authfetch.WithHTTPClient(hc),
		authfetch.WithTimeoutPolicy(cfg.timeoutPolicy()),
		authfetch.WithLogger(log.With().Str("component", "authfetch").Logger()),
	)

	return &app{
		d:       d,
		backend: backend,
		store:   store,
		session: manager,
		refresh: coord,
		fetch:   fetch,
	}, nil
}

// displayNavigator tells the user about every navigation the session makes.
type displayNavigator struct {
	*session.Router
	d tui.Displayer
}

func (n *displayNavigator) Navigate(to string) {
	from := n.Current()
	n.Router.Navigate(to)
	if from != to {
		n.d.Redirected(from, to)
	}
}

// Package session tracks whether the user is signed in and keeps that
// answer in step with the credential store, including changes made by
// other processes sharing the same token file.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/authapi"
	"github.com/go-authgate/session-cli/credstore"
)

var errNoAuthAPI = errors.New("auth API is not configured")

// State is a snapshot of the session.
type State struct {
	Authenticated bool
	// Initializing is true until the first check against the store.
	Initializing bool
}

// AuthAPI is the subset of the auth endpoints the manager drives.
type AuthAPI interface {
	Login(ctx context.Context, creds authapi.Credentials) (*oauth2.Token, error)
	Signup(ctx context.Context, reg authapi.Registration) (*oauth2.Token, error)
	Logout(ctx context.Context, accessToken string) error
}

// ChangeWatcher delivers a notification each time the persisted
// credentials change outside this Manager.
type ChangeWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Manager owns the session state.
type Manager struct {
	store    *credstore.Store
	api      AuthAPI
	nav      Navigator
	deviceID string
	log      zerolog.Logger

	startOnce sync.Once

	mu        sync.Mutex
	state     State
	published State
	subs      map[int]func(State)
	nextSub   int

	// pubMu keeps deliveries in the order the state changed.
	pubMu sync.Mutex

	// navMu serializes redirect decisions so concurrent failures redirect once.
	navMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithDeviceID is sent with every sign-in.
func WithDeviceID(id string) Option {
	return func(m *Manager) { m.deviceID = id }
}

// New creates a Manager in the initializing state. api may be nil when
// sign-in and server-side logout are not needed.
func New(store *credstore.Store, api AuthAPI, nav Navigator, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		api:   api,
		nav:   nav,
		log:   zerolog.Nop(),
		state:     State{Initializing: true},
		published: State{Initializing: true},
		subs:      make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the first check against the store. Only the first call has
// an effect.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		authenticated := m.store.HasCredentials()
		m.update(func(s *State) {
			s.Authenticated = authenticated
			s.Initializing = false
		})
		m.log.Debug().Bool("authenticated", authenticated).Msg("session initialized")
	})
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe calls fn with every new state until the returned func is called.
// fn runs on the goroutine that caused the change. It must not block or call
// back into the Manager.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// CheckAuth re-reads the store. The read happens under the state lock so a
// stale read cannot overwrite a later sign-out.
func (m *Manager) CheckAuth() {
	m.update(func(s *State) { s.Authenticated = m.store.HasCredentials() })
}

// Login marks the session authenticated. Credentials must already be saved.
func (m *Manager) Login() {
	m.update(func(s *State) { s.Authenticated = true })
}

// SignIn exchanges email and password for a credential pair and persists it.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	if m.api == nil {
		return errNoAuthAPI
	}
	token, err := m.api.Login(ctx, authapi.Credentials{
		Email:    email,
		Password: password,
		DeviceID: m.deviceID,
	})
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}
	return m.establish(token)
}

// SignUp registers a user and signs them in.
func (m *Manager) SignUp(ctx context.Context, email, password, name string) error {
	if m.api == nil {
		return errNoAuthAPI
	}
	token, err := m.api.Signup(ctx, authapi.Registration{
		Email:    email,
		Password: password,
		Name:     name,
	})
	if err != nil {
		return fmt.Errorf("sign-up failed: %w", err)
	}
	return m.establish(token)
}

func (m *Manager) establish(token *oauth2.Token) error {
	if err := m.store.Save(token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	m.Login()
	m.log.Info().Time("access_expiry", token.Expiry).Msg("signed in")
	return nil
}

// Logout notifies the server (best effort), forgets the credentials and
// sends the user to sign-in.
func (m *Manager) Logout(ctx context.Context) error {
	if access := m.store.Read().AccessToken; access != "" && m.api != nil {
		if err := m.api.Logout(ctx, access); err != nil {
			m.log.Warn().Err(err).Msg("server logout failed")
		}
	}

	err := m.store.Clear()
	m.update(func(s *State) { s.Authenticated = false })
	if m.nav != nil {
		m.nav.Navigate(RouteSignIn)
	}
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	m.log.Info().Msg("signed out")
	return nil
}

// Watch re-checks the store on every notification from w until ctx is done.
func (m *Manager) Watch(ctx context.Context, w ChangeWatcher) error {
	return w.Watch(ctx, m.CheckAuth)
}

// ReportUnrecoverable ends the session after an authentication failure that
// a refresh cannot fix. Safe to call concurrently and repeatedly.
func (m *Manager) ReportUnrecoverable(_ context.Context, cause error) {
	if err := m.store.Clear(); err != nil {
		m.log.Error().Err(err).Msg("failed to clear credentials")
	}
	m.update(func(s *State) { s.Authenticated = false })

	if m.nav == nil {
		return
	}
	m.navMu.Lock()
	defer m.navMu.Unlock()
	if current := m.nav.Current(); !IsPublicRoute(current) {
		m.log.Warn().Err(cause).Str("from", current).Msg("session ended, redirecting to sign-in")
		m.nav.Navigate(RouteSignIn)
	}
}

// update applies mutate and publishes the result if anything changed.
func (m *Manager) update(mutate func(*State)) {
	m.mu.Lock()
	prev := m.state
	mutate(&m.state)
	changed := m.state != prev
	m.mu.Unlock()

	if changed {
		m.publish()
	}
}

// publish delivers the latest state unless subscribers have already seen it.
// Concurrent changes may coalesce, but deliveries never go backwards.
func (m *Manager) publish() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	next := m.state
	if next == m.published {
		m.mu.Unlock()
		return
	}
	m.published = next
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

// Package credstore persists the access/refresh credential pair and answers
// the questions the rest of the client asks about it: is there a session, is
// the access token still usable, is the refresh token worth exchanging.
package credstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Keys of the persisted credential record.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenExpiry  = "token_expiry" // epoch milliseconds, decimal string
)

// Safety margins applied to recorded expiry instants.
const (
	AccessExpirySkew  = 10 * time.Second
	RefreshExpirySkew = 5 * time.Second
)

var (
	// ErrIncompletePair is returned by Save when any of the three fields is missing.
	ErrIncompletePair = errors.New("credential pair must carry access token, refresh token and expiry")

	// ErrWatchUnsupported is returned by Watch when the backend cannot report changes.
	ErrWatchUnsupported = errors.New("storage backend does not support change notifications")
)

// Pair is the persisted credential record. Either every field is set or none is.
type Pair struct {
	AccessToken  string
	RefreshToken string
	AccessExpiry time.Time
}

// IsZero reports whether the pair holds no credentials.
func (p Pair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == "" && p.AccessExpiry.IsZero()
}

// Backend is a storage medium for the flat credential record.
// Save and Delete replace the whole record.
type Backend interface {
	Load() (map[string]string, error)
	Save(record map[string]string) error
	Delete() error
}

// Watcher is implemented by backends that can report writes made by other
// processes or handles. Watch registers onChange before returning and keeps
// delivering notifications until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Store owns the credential pair. A Store without a backend behaves as an
// always-empty medium.
type Store struct {
	backend Backend
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store on top of backend, which may be nil.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes the three fields as one record.
func (s *Store) Save(access, refresh string, accessExpiry time.Time) error {
	if access == "" || refresh == "" || accessExpiry.IsZero() {
		return ErrIncompletePair
	}
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(map[string]string{
		KeyAccessToken:  access,
		KeyRefreshToken: refresh,
		KeyTokenExpiry:  strconv.FormatInt(accessExpiry.UnixMilli(), 10),
	})
}

// Read returns the persisted pair, or the zero pair when nothing usable is stored.
func (s *Store) Read() Pair {
	if s.backend == nil {
		return Pair{}
	}

	record, err := s.backend.Load()
	if err != nil {
		s.log.Debug().Err(err).Msg("credential record unreadable, treating as empty")
		return Pair{}
	}

	access, refresh, rawExpiry := record[KeyAccessToken], record[KeyRefreshToken], record[KeyTokenExpiry]
	if access == "" || refresh == "" || rawExpiry == "" {
		return Pair{}
	}

	ms, err := strconv.ParseInt(rawExpiry, 10, 64)
	if err != nil {
		s.log.Debug().Err(err).Str("token_expiry", rawExpiry).Msg("malformed expiry, treating record as empty")
		return Pair{}
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExpiry: time.UnixMilli(ms),
	}
}

// HasCredentials reports whether both tokens are present.
func (s *Store) HasCredentials() bool {
	p := s.Read()
	return p.AccessToken != "" && p.RefreshToken != ""
}

// IsAccessExpired reports whether the access token is missing an expiry or is
// within AccessExpirySkew of it.
func (s *Store) IsAccessExpired() bool {
	return s.accessExpired(s.Read())
}

// UsableAccessToken returns the stored access token and whether it is present
// and not expired, reading the record once. An expired token is still
// returned so the caller can name it when asking for a replacement.
func (s *Store) UsableAccessToken() (string, bool) {
	p := s.Read()
	return p.AccessToken, p.AccessToken != "" && !s.accessExpired(p)
}

func (s *Store) accessExpired(p Pair) bool {
	if p.AccessExpiry.IsZero() {
		return true
	}
	return !s.now().Before(p.AccessExpiry.Add(-AccessExpirySkew))
}

// IsRefreshStillUsable decodes the refresh token's exp claim locally and
// reports whether more than RefreshExpirySkew remains. A token that cannot be
// decoded, or carries no exp claim, is reported usable.
func (s *Store) IsRefreshStillUsable() bool {
	refresh := s.Read().RefreshToken
	if refresh == "" {
		return false
	}

	exp, ok := refreshExpiry(refresh)
	if !ok {
		s.log.Debug().Msg("refresh token expiry not decodable, assuming usable")
		return true
	}
	return exp.Sub(s.now()) > RefreshExpirySkew
}

func refreshExpiry(raw string) (time.Time, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Clear erases the record. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Delete()
}

// Watch forwards change notifications from the backend.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	w, ok := s.backend.(Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	return w.Watch(ctx, onChange)
}

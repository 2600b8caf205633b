// Package session stores the authentication tokens of the current user.
//
// Tokens live in one of two tiers: a durable tier that survives restarts
// ("remember me") and an ephemeral tier that lives as long as the process.
// At most one tier holds tokens at any time.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Persistence selects the tier a session is written to.
type Persistence int

const (
	// Ephemeral sessions end with the process.
	Ephemeral Persistence = iota
	// Durable sessions survive restarts.
	Durable
)

func (p Persistence) String() string {
	if p == Durable {
		return "durable"
	}
	return "ephemeral"
}

func (p Persistence) other() Persistence {
	if p == Durable {
		return Ephemeral
	}
	return Durable
}

// Session is the explicit session value handed to request-issuing components.
type Session struct {
	Token       *oauth2.Token
	Persistence Persistence
}

// AccessToken returns the access token, or "" if the session holds none.
func (s Session) AccessToken() string {
	if s.Token == nil {
		return ""
	}
	return s.Token.AccessToken
}

// RefreshToken returns the refresh token, or "" if the session holds none.
func (s Session) RefreshToken() string {
	if s.Token == nil {
		return ""
	}
	return s.Token.RefreshToken
}

// Backend is one storage tier.
// Load returns (nil, nil) when nothing is stored.
type Backend interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, token *oauth2.Token) error
	Clear(ctx context.Context) error
}

// Store is the two-tier token store. Reads prefer the durable tier.
// Backend failures are logged and treated as "no token".
type Store struct {
	mu        sync.Mutex
	durable   Backend
	ephemeral Backend
	logger    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report swallowed backend failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a Store over the given tiers. A nil ephemeral backend
// defaults to a fresh MemoryBackend.
func NewStore(durable, ephemeral Backend, opts ...Option) *Store {
	if ephemeral == nil {
		ephemeral = NewMemoryBackend()
	}
	if durable == nil {
		durable = NewMemoryBackend()
	}
	s := &Store{
		durable:   durable,
		ephemeral: ephemeral,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session returns the live session and whether one exists.
func (s *Store) Session(ctx context.Context) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// AccessToken returns the stored access token.
func (s *Store) AccessToken(ctx context.Context) (string, bool) {
	sess, ok := s.Session(ctx)
	if !ok || sess.AccessToken() == "" {
		return "", false
	}
	return sess.AccessToken(), true
}

// RefreshToken returns the stored refresh token.
func (s *Store) RefreshToken(ctx context.Context) (string, bool) {
	sess, ok := s.Session(ctx)
	if !ok || sess.RefreshToken() == "" {
		return "", false
	}
	return sess.RefreshToken(), true
}

// Set stores a bearer token pair in the tier selected by p.
func (s *Store) Set(ctx context.Context, access, refresh string, p Persistence) {
	s.SetToken(ctx, &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}, p)
}

// SetToken clears the other tier and writes token to the tier selected by p.
func (s *Store) SetToken(ctx context.Context, token *oauth2.Token, p Persistence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, other := s.tiers(p)
	if err := other.Clear(ctx); err != nil {
		s.logger.Warn().Err(err).Stringer("tier", p.other()).Msg("failed to clear tokens")
	}
	if err := target.Save(ctx, token); err != nil {
		s.logger.Warn().Err(err).Stringer("tier", p).Msg("failed to save tokens")
	}
}

// Clear removes tokens from both tiers.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []Persistence{Durable, Ephemeral} {
		target, _ := s.tiers(p)
		if err := target.Clear(ctx); err != nil {
			s.logger.Warn().Err(err).Stringer("tier", p).Msg("failed to clear tokens")
		}
	}
}

func (s *Store) load(ctx context.Context) (Session, bool) {
	for _, p := range []Persistence{Durable, Ephemeral} {
		target, _ := s.tiers(p)
		token, err := target.Load(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Stringer("tier", p).Msg("failed to load tokens")
			continue
		}
		if token != nil && (token.AccessToken != "" || token.RefreshToken != "") {
			return Session{Token: token, Persistence: p}, true
		}
	}
	return Session{}, false
}

func (s *Store) tiers(p Persistence) (target, other Backend) {
	if p == Durable {
		return s.durable, s.ephemeral
	}
	return s.ephemeral, s.durable
}

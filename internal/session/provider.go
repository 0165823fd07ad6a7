// Package session tracks the signed-in identity of the client and notifies
// listeners when it changes.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrMissingUserID indicates a session without a user identifier.
	ErrMissingUserID = errors.New("session: user id required")
	// ErrMalformedToken indicates an access token that is not a JWT.
	ErrMalformedToken = errors.New("session: malformed access token")
)

// Session is the identity the synchronization layer scopes its data to.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// Expired reports whether the session expiry has passed at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Source reports the current session and its changes.
type Source interface {
	Current() *Session
	OnChange(listener func(*Session)) (cancel func())
}

// Authenticator exchanges login credentials for an access token.
type Authenticator interface {
	SignIn(ctx context.Context, email, displayName string) (accessToken string, err error)
}

// Provider holds the current session. Listeners run synchronously on the goroutine
// that changed the session, in registration order.
type Provider struct {
	mu        sync.Mutex
	current   *Session
	listeners map[int64]func(*Session)
	nextID    int64
	auth      Authenticator
	clock     func() time.Time
	logger    *zap.Logger
}

// ProviderConfig describes the dependencies of a Provider.
type ProviderConfig struct {
	Authenticator Authenticator
	Clock         func() time.Time
	Logger        *zap.Logger
}

// NewProvider constructs a signed-out provider.
func NewProvider(cfg ProviderConfig) *Provider {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		listeners: make(map[int64]func(*Session)),
		auth:      cfg.Authenticator,
		clock:     clock,
		logger:    logger,
	}
}

// Current returns a copy of the active session or nil when signed out or expired.
func (p *Provider) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.Expired(p.clock()) {
		return nil
	}
	copied := *p.current
	return &copied
}

// OnChange registers listener for session transitions.
func (p *Provider) OnChange(listener func(*Session)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = listener
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// SignIn authenticates through the configured Authenticator and activates the session.
func (p *Provider) SignIn(ctx context.Context, email, displayName string) (*Session, error) {
	if p.auth == nil {
		return nil, errors.New("session: authenticator not configured")
	}
	token, err := p.auth.SignIn(ctx, strings.TrimSpace(email), strings.TrimSpace(displayName))
	if err != nil {
		p.logger.Warn("sign in failed", zap.Error(err))
		return nil, err
	}
	active, err := FromAccessToken(token)
	if err != nil {
		return nil, err
	}
	if err := p.Set(active); err != nil {
		return nil, err
	}
	return p.Current(), nil
}

// Set replaces the active session and notifies listeners when the user changes.
func (p *Provider) Set(next *Session) error {
	if next != nil && strings.TrimSpace(next.UserID) == "" {
		return ErrMissingUserID
	}
	p.mu.Lock()
	previous := p.current
	var stored *Session
	if next != nil {
		copied := *next
		stored = &copied
	}
	p.current = stored
	listeners := p.snapshotListeners()
	p.mu.Unlock()

	if sameUser(previous, stored) {
		return nil
	}
	if stored != nil {
		p.logger.Info("session activated", zap.String("user_id", stored.UserID))
	} else {
		p.logger.Info("session ended")
	}
	for _, listener := range listeners {
		if stored == nil {
			listener(nil)
			continue
		}
		copied := *stored
		listener(&copied)
	}
	return nil
}

// SignOut ends the active session.
func (p *Provider) SignOut() {
	_ = p.Set(nil)
}

func (p *Provider) snapshotListeners() []func(*Session) {
	ids := make([]int64, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(*Session), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, p.listeners[id])
	}
	return listeners
}

func sameUser(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UserID == b.UserID
}

// FromAccessToken builds a session from the claims of token without verifying its
// signature; the server verifies it on every request.
func FromAccessToken(token string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return nil, errors.Join(ErrMalformedToken, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, ErrMissingUserID
	}
	active := &Session{UserID: subject, AccessToken: token}
	if email, ok := claims["email"].(string); ok {
		active.Email = email
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		active.ExpiresAt = expiry.Time
	}
	return active, nil
}

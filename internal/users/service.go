package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the sign-in request did not contain a usable email.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() (string, error)
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() (string, error)
	cache sync.Map
}

// SignInRequest carries the login presented by a client.
type SignInRequest struct {
	Email       string
	DisplayName string
}

// SignInResult reports the resolved identity and whether it was created by this call.
type SignInResult struct {
	Identity Identity
	Created  bool
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		newID: newID,
	}, nil
}

// SignIn resolves the canonical user id for an email login, creating the identity on first use.
func (s *Service) SignIn(ctx context.Context, request SignInRequest) (SignInResult, error) {
	email := normalizeEmail(request.Email)
	if email == "" {
		return SignInResult{}, ErrInvalidIdentity
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return SignInResult{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", ProviderEmail, email).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, err := s.newID()
		if err != nil {
			return SignInResult{}, err
		}
		identity = Identity{
			Provider:    ProviderEmail,
			Subject:     email,
			UserID:      userID,
			Email:       email,
			DisplayName: normalize(request.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return SignInResult{}, err
		}
		s.cache.Store(identity.UserID, identity)
		return SignInResult{Identity: identity, Created: true}, nil
	}
	if err != nil {
		return SignInResult{}, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now()}
	if display := normalize(request.DisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
		identity.DisplayName = display
	}
	if err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", ProviderEmail, email).
		Updates(updates).
		Error; err != nil {
		return SignInResult{}, err
	}
	s.cache.Store(identity.UserID, identity)
	return SignInResult{Identity: identity}, nil
}

// Lookup returns the identity registered for userID.
func (s *Service) Lookup(ctx context.Context, userID string) (Identity, error) {
	if cached, ok := s.cache.Load(userID); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}
	var identity Identity
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&identity).Error; err != nil {
		return Identity{}, err
	}
	s.cache.Store(userID, identity)
	return identity, nil
}

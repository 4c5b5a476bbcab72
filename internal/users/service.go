package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUsernameTaken indicates the username already belongs to a different user id.
	// Collections are keyed by username, so sharing one would share a collection.
	ErrUsernameTaken = errors.New("users: username belongs to another user")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
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
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolvePrincipal returns the canonical principal for the provided session
// claims, recording the identity mapping the first time it is seen.
func (s *Service) ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (Principal, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Principal{}, ErrInvalidIdentity
	}
	username := normalize(claims.Username)

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		principal, ok := cached.(Principal)
		if ok && (username == "" || username == principal.Username) {
			return principal, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Username:    username,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if identity.Username == "" {
			identity.Username = identity.UserID
		}
		if err := s.ensureUsernameFree(ctx, identity.Username, identity.UserID); err != nil {
			return Principal{}, err
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Principal{}, err
		}
	} else if err != nil {
		return Principal{}, err
	} else {
		updates := map[string]interface{}{}
		if username != "" && username != identity.Username {
			if err := s.ensureUsernameFree(ctx, username, identity.UserID); err != nil {
				return Principal{}, err
			}
			updates["username"] = username
			identity.Username = username
		}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		updates["last_seen_at"] = s.now()
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity update failed",
				zap.String("provider", provider),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	principal := Principal{
		UserID:      identity.UserID,
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
	}
	s.cache.Store(cacheKey, principal)
	return principal, nil
}

func (s *Service) ensureUsernameFree(ctx context.Context, username, userID string) error {
	var holders int64
	if err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("username = ? AND user_id <> ?", username, userID).
		Count(&holders).
		Error; err != nil {
		return err
	}
	if holders > 0 {
		s.logger.Warn("username claimed by another user",
			zap.String("username", username),
			zap.String("user_id", userID))
		return ErrUsernameTaken
	}
	return nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}

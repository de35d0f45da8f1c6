package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Service issues token pairs and resolves bearer tokens into identities.
type Service struct {
	codec    *Codec
	users    CredentialStore
	denylist Denylist
	logger   *zap.Logger

	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithDenylist enables logout and refresh rotation.
func WithDenylist(d Denylist) ServiceOption {
	return func(s *Service) error {
		s.denylist = d
		return nil
	}
}

// WithRefreshRotation makes every refresh revoke the presented refresh token.
// It has no effect without a denylist.
func WithRefreshRotation(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.rotateRefresh = enabled
		return nil
	}
}

// WithLogger sets the logger used for authentication events.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(codec *Codec, users CredentialStore, opts ...ServiceOption) (*Service, error) {
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	if users == nil {
		return nil, errors.New("auth: credential store is required")
	}
	svc := &Service{
		codec:      codec,
		users:      users,
		logger:     zap.NewNop(),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// SupportsRevocation reports whether logout can invalidate tokens.
func (s *Service) SupportsRevocation() bool {
	return s.denylist != nil
}

// Login checks credentials and issues a fresh token pair. Unknown users,
// wrong passwords and inactive accounts all yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, *User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	user, err := s.users.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnPasswordCheck(password)
			s.logger.Debug("login for unknown user", zap.String("username", username))
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, fmt.Errorf("load user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	pair, err := s.issuePair(user.Username)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

// Refresh exchanges a valid refresh token for a new pair. The presented token
// stays usable until it expires unless rotation is enabled.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.codec.VerifyType(refreshToken, RefreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return TokenPair{}, err
	}
	user, err := s.users.FindUserByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return TokenPair{}, ErrTokenInvalid
	}
	pair, err := s.issuePair(user.Username)
	if err != nil {
		return TokenPair{}, err
	}
	if s.rotateRefresh && s.denylist != nil {
		if err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAtTime()); err != nil {
			return TokenPair{}, fmt.Errorf("revoke refresh token: %w", err)
		}
	}
	return pair, nil
}

// Logout revokes the access token described by claims. Without a denylist
// it is a no-op and the token remains valid until it expires.
func (s *Service) Logout(ctx context.Context, claims Claims) error {
	if s.denylist == nil {
		return nil
	}
	if claims.ID == "" {
		return ErrTokenInvalid
	}
	if err := s.denylist.Revoke(ctx, claims.ID, claims.ExpiresAtTime()); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

// Authenticate verifies an access token and resolves the user with roles and
// permissions. Failures that mean "unknown caller" satisfy IsUnauthenticated;
// anything else is an infrastructure error.
func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	claims, err := s.codec.VerifyType(token, AccessToken)
	if err != nil {
		s.logger.Debug("access token rejected", zap.Error(err))
		return Identity{}, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return Identity{}, err
	}
	user, err := s.users.FindUserByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
		}
		return Identity{}, err
	}
	if !user.IsActive {
		return Identity{}, fmt.Errorf("%w: inactive user", ErrUnauthenticated)
	}
	return Identity{User: user, Claims: claims}, nil
}

func (s *Service) checkRevoked(ctx context.Context, claims Claims) error {
	if s.denylist == nil || claims.ID == "" {
		return nil
	}
	revoked, err := s.denylist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("check denylist: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func (s *Service) issuePair(username string) (TokenPair, error) {
	access, err := s.codec.Issue(username, AccessToken, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.codec.Issue(username, RefreshToken, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

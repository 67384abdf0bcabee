// Package token issues and verifies HMAC-SHA256 signed session and refresh
// tokens and maintains the revocation set.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/services/roles"
	"go.uber.org/zap"
)

// MaxClockSkew bounds the verification leeway
const MaxClockSkew = 5 * time.Second

// Config holds token lifetimes
type Config struct {
	Issuer     string
	SessionTTL time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration
}

// DefaultConfig returns the standard lifetimes: 1h sessions, 7d refresh
func DefaultConfig() Config {
	return Config{
		Issuer:     "trading-auth",
		SessionTTL: time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
		ClockSkew:  MaxClockSkew,
	}
}

// PrincipalResolver re-reads a principal from the user store on refresh, so
// role changes take effect without waiting for the refresh token to expire
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, principalID string) (*models.Principal, error)
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithResolver sets the principal resolver used by Refresh
func WithResolver(resolver PrincipalResolver) Option {
	return func(s *Service) {
		s.resolver = resolver
	}
}

// Service issues, verifies, refreshes and revokes tokens
type Service struct {
	keys     *Keyring
	cfg      Config
	revoked  RevocationSet
	resolver PrincipalResolver
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a token service
func NewService(keys *Keyring, cfg Config, revoked RevocationSet, logger *zap.Logger, opts ...Option) (*Service, error) {
	if keys == nil {
		return nil, errors.New("keyring is required")
	}
	if revoked == nil {
		return nil, errors.New("revocation set is required")
	}
	if cfg.SessionTTL <= 0 {
		return nil, errors.New("session TTL must be positive")
	}
	if cfg.RefreshTTL <= cfg.SessionTTL {
		return nil, fmt.Errorf("refresh TTL %s must exceed session TTL %s", cfg.RefreshTTL, cfg.SessionTTL)
	}
	if cfg.ClockSkew < 0 || cfg.ClockSkew > MaxClockSkew {
		return nil, fmt.Errorf("clock skew must be within [0, %s]", MaxClockSkew)
	}
	s := &Service{
		keys:    keys,
		cfg:     cfg,
		revoked: revoked,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a new session and refresh token for principal
func (s *Service) Issue(principal *models.Principal) (*TokenPair, error) {
	if principal == nil || principal.ID == "" {
		return nil, services.ErrInvalidInput.Wrap(errors.New("principal id is required"))
	}

	// JWT times have second precision; truncate so returned expiries match the claims.
	now := s.now().UTC().Truncate(time.Second)
	sessionExp := now.Add(s.cfg.SessionTTL)
	refreshExp := now.Add(s.cfg.RefreshTTL)
	sessionID := uuid.NewString()
	refreshID := uuid.NewString()

	session := SessionClaims{
		Email:       principal.Email,
		Name:        principal.DisplayName,
		Role:        principal.Role,
		Permissions: append([]string(nil), principal.Permissions...),
		Type:        TypeSession,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   principal.ID,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sessionExp),
		},
	}
	refresh := RefreshClaims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   principal.ID,
			ID:        refreshID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	}

	sessionToken, err := s.sign(session)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		SessionToken:     sessionToken,
		SessionID:        sessionID,
		SessionExpiresAt: sessionExp,
		RefreshToken:     refreshToken,
		RefreshID:        refreshID,
		RefreshExpiresAt: refreshExp,
		Principal:        principal.Clone(),
	}, nil
}

// Verify checks a session token and returns the principal it carries.
// Errors are one of ErrTokenMalformed, ErrBadSignature, ErrTokenExpired,
// ErrTokenRevoked, or ErrSystemUnavailable when the revocation store fails.
func (s *Service) Verify(ctx context.Context, tokenString string) (*models.Principal, *SessionClaims, error) {
	claims := &SessionClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, nil, err
	}
	if claims.Type != TypeSession {
		return nil, nil, services.ErrTokenMalformed.Wrap(fmt.Errorf("unexpected token type %q", claims.Type))
	}
	if err := s.checkLive(claims.RegisteredClaims); err != nil {
		return nil, nil, err
	}
	if err := s.checkRevoked(ctx, claims.ID); err != nil {
		return nil, nil, err
	}

	role := roles.Map(string(claims.Role))
	principal := &models.Principal{
		ID:          claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		Role:        role,
		Permissions: append([]string(nil), claims.Permissions...),
	}
	return principal, claims, nil
}

// Refresh exchanges a refresh token for a new pair. The presented refresh
// token is consumed: a second use of it fails as revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.verifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if s.resolver == nil {
		return nil, services.WrapInternal("refresh unavailable", errors.New("no principal resolver configured"))
	}

	principal, err := s.resolver.ResolvePrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	// Held as long as checkLive would still accept the token
	won, err := s.revoked.Consume(ctx, claims.ID, claims.ExpiresAt.Time.Add(s.cfg.ClockSkew))
	if err != nil {
		return nil, services.WrapUnavailable(err)
	}
	if !won {
		return nil, services.ErrTokenRevoked
	}

	pair, err := s.Issue(principal)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("refresh token rotated",
		zap.String("principal_id", principal.ID),
		zap.String("old_refresh_id", claims.ID),
		zap.String("new_refresh_id", pair.RefreshID))
	return pair, nil
}

// Revoke blocks tokenID until expiresAt. A zero expiresAt revokes for the
// longest token lifetime. An expiry that has already passed, skew included,
// is rejected as invalid input: no token with it can still verify.
func (s *Service) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return services.ErrInvalidInput.Wrap(errors.New("token id is required"))
	}
	now := s.now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.cfg.RefreshTTL + s.cfg.ClockSkew)
	} else {
		expiresAt = expiresAt.Add(s.cfg.ClockSkew)
	}
	if !expiresAt.After(now) {
		return services.ErrInvalidInput.
			Wrap(fmt.Errorf("expiry %s already passed", expiresAt.UTC().Format(time.RFC3339))).
			WithDetail("expires_at", "must be in the future")
	}
	if err := s.revoked.Revoke(ctx, tokenID, expiresAt); err != nil {
		return services.WrapUnavailable(err)
	}
	return nil
}

// RevokeRefresh validates a refresh token and revokes it, returning its id
func (s *Service) RevokeRefresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.verifyRefresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	return claims.ID, s.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// PruneRevoked drops revocation entries that outlived their token
func (s *Service) PruneRevoked() int {
	return s.revoked.Prune(s.now())
}

func (s *Service) verifyRefresh(ctx context.Context, tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, services.ErrTokenMalformed.Wrap(fmt.Errorf("unexpected token type %q", claims.Type))
	}
	if err := s.checkLive(claims.RegisteredClaims); err != nil {
		return nil, err
	}
	if err := s.checkRevoked(ctx, claims.ID); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = s.keys.current.ID
	signed, err := tok.SignedString(s.keys.current.Secret)
	if err != nil {
		return "", services.WrapInternal("failed to sign token", err)
	}
	return signed, nil
}

func (s *Service) keyFunc(tok *jwt.Token) (interface{}, error) {
	kid, _ := tok.Header["kid"].(string)
	secret, ok := s.keys.secretFor(kid)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return secret, nil
}

// parse verifies signature and standard time claims and maps library errors
// onto the domain taxonomy
func (s *Service) parse(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return services.ErrTokenMalformed.Wrap(errors.New("empty token"))
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.cfg.ClockSkew),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.cfg.Issuer),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return services.ErrTokenMalformed.Wrap(err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return services.ErrBadSignature.Wrap(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return services.ErrTokenExpired.Wrap(err)
	default:
		return services.ErrTokenMalformed.Wrap(err)
	}
}

// checkLive enforces now < exp + skew exactly; the JWT library treats the
// expiry instant itself as still valid
func (s *Service) checkLive(rc jwt.RegisteredClaims) error {
	if rc.ID == "" || rc.Subject == "" {
		return services.ErrTokenMalformed.Wrap(errors.New("missing jti or sub"))
	}
	if rc.ExpiresAt == nil || !s.now().Before(rc.ExpiresAt.Time.Add(s.cfg.ClockSkew)) {
		return services.ErrTokenExpired
	}
	if rc.IssuedAt != nil && !rc.ExpiresAt.Time.After(rc.IssuedAt.Time) {
		return services.ErrTokenMalformed.Wrap(errors.New("exp must be after iat"))
	}
	return nil
}

func (s *Service) checkRevoked(ctx context.Context, id string) error {
	revoked, err := s.revoked.IsRevoked(ctx, id)
	if err != nil {
		s.logger.Error("revocation lookup failed", zap.Error(err))
		return services.WrapUnavailable(err)
	}
	if revoked {
		return services.ErrTokenRevoked
	}
	return nil
}

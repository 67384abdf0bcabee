// Package auth orchestrates login, refresh, logout and request
// authentication across the credential validator, lockout guard, token
// service and audit logger.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/trading-auth/internal/observability"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/services/audit"
	"github.com/upb/trading-auth/services/lockout"
	"github.com/upb/trading-auth/services/token"
	"go.uber.org/zap"
)

// Granularity selects which lockout keys a login checks and records
type Granularity string

const (
	GranularityPrincipal Granularity = "principal"
	GranularityAddress   Granularity = "address"
	GranularityBoth      Granularity = "both"
)

// CredentialValidator checks a username/password pair
type CredentialValidator interface {
	Validate(ctx context.Context, username, password string) (*models.Principal, error)
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records login and verification outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithGranularity sets the lockout granularity
func WithGranularity(g Granularity) Option {
	return func(s *Service) {
		switch g {
		case GranularityPrincipal, GranularityAddress, GranularityBoth:
			s.granularity = g
		}
	}
}

// Service is the authentication boundary
type Service struct {
	validator   CredentialValidator
	tokens      *token.Service
	guard       *lockout.Guard
	audit       *audit.Service
	metrics     *observability.Metrics
	granularity Granularity
	logger      *zap.Logger
}

// NewService wires the authentication boundary
func NewService(validator CredentialValidator, tokens *token.Service, guard *lockout.Guard, auditor *audit.Service, logger *zap.Logger, opts ...Option) (*Service, error) {
	if validator == nil {
		return nil, errors.New("credential validator is required")
	}
	if tokens == nil {
		return nil, errors.New("token service is required")
	}
	if guard == nil {
		return nil, errors.New("lockout guard is required")
	}
	if auditor == nil {
		return nil, errors.New("audit service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		validator:   validator,
		tokens:      tokens,
		guard:       guard,
		audit:       auditor,
		granularity: GranularityBoth,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login authenticates a username/password pair and issues a token pair.
// Locked keys are rejected before the validator is consulted. Errors are
// ErrAccountLocked, ErrInvalidCredentials or ErrSystemUnavailable.
func (s *Service) Login(ctx context.Context, username, password string, src models.RequestSource) (*token.TokenPair, error) {
	keys := s.lockoutKeys(username, src.IPAddress)

	for _, key := range keys {
		if locked, until := s.guard.IsLocked(key); locked {
			s.audit.LoginFailed(ctx, src, username, fmt.Sprintf("locked until %s (%s)", until.UTC().Format(time.RFC3339), key))
			s.metrics.LoginAttempt("locked")
			return nil, services.ErrAccountLocked.Wrap(fmt.Errorf("%s locked until %s", key, until.UTC().Format(time.RFC3339)))
		}
	}

	principal, err := s.validator.Validate(ctx, username, password)
	if err != nil {
		if !services.IsUnauthorizedError(err) {
			// Undecidable attempts leave the counters alone
			s.logger.Error("login could not be decided",
				zap.String("username", username),
				zap.String("request_id", src.RequestID),
				zap.Error(err))
			s.audit.SystemFailure(ctx, src, username, err)
			s.metrics.LoginAttempt("error")
			if services.IsUnavailableError(err) {
				return nil, err
			}
			return nil, services.WrapUnavailable(err)
		}

		for _, key := range keys {
			state := s.guard.RecordFailure(key)
			if state.Triggered {
				s.audit.LockoutTriggered(ctx, src, username, key, state.LockedUntil, state.Lockouts)
				s.metrics.LockoutTriggered()
			}
		}
		s.audit.LoginFailed(ctx, src, username, "invalid credentials")
		s.metrics.LoginAttempt("failure")
		return nil, services.ErrInvalidCredentials
	}

	for _, key := range keys {
		s.guard.RecordSuccess(key)
	}

	pair, err := s.tokens.Issue(principal)
	if err != nil {
		s.logger.Error("token issuance failed",
			zap.String("principal_id", principal.ID),
			zap.Error(err))
		s.audit.SystemFailure(ctx, src, username, err)
		s.metrics.LoginAttempt("error")
		return nil, services.WrapUnavailable(err)
	}

	s.audit.LoginSucceeded(ctx, src, principal, username, pair.SessionID)
	s.audit.TokenIssued(ctx, src, principal.ID, pair.SessionID, pair.RefreshID)
	s.metrics.LoginAttempt("success")

	s.logger.Info("login succeeded",
		zap.String("principal_id", principal.ID),
		zap.String("role", string(principal.Role)),
		zap.String("request_id", src.RequestID))

	return pair, nil
}

// Refresh rotates a refresh token into a new pair, re-resolving the principal
func (s *Service) Refresh(ctx context.Context, refreshToken string, src models.RequestSource) (*token.TokenPair, error) {
	pair, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		if services.IsUnauthorizedError(err) {
			s.audit.AccessDenied(ctx, src, "", "refresh rejected: "+reasonFor(err))
			return nil, err
		}
		s.logger.Error("refresh could not be decided", zap.Error(err))
		s.audit.SystemFailure(ctx, src, "", err)
		if services.IsUnavailableError(err) {
			return nil, err
		}
		return nil, services.WrapUnavailable(err)
	}

	s.audit.TokenRefreshed(ctx, src, pair.Principal.ID, pair.SessionID, pair.RefreshID)
	return pair, nil
}

// Logout revokes the presented session and, when given, the refresh token
func (s *Service) Logout(ctx context.Context, principal *models.Principal, claims *token.SessionClaims, refreshToken string, src models.RequestSource) error {
	if principal == nil || claims == nil {
		return services.ErrTokenMissing
	}

	// A session that expired since it was verified has nothing left to revoke
	switch err := s.tokens.Revoke(ctx, claims.ID, claims.ExpiresAtTime()); {
	case err == nil:
		s.audit.TokenRevoked(ctx, src, principal.ID, claims.ID, "logout")
	case services.IsValidationError(err):
		s.logger.Debug("logout session already expired", zap.String("session_id", claims.ID))
	default:
		s.audit.SystemFailure(ctx, src, "", err)
		return err
	}

	if refreshToken != "" {
		refreshID, err := s.tokens.RevokeRefresh(ctx, refreshToken)
		switch {
		case err == nil:
			s.audit.TokenRevoked(ctx, src, principal.ID, refreshID, "logout")
		case services.IsUnauthorizedError(err), services.IsValidationError(err):
			// Already expired or revoked refresh tokens need no further action
			s.logger.Debug("logout refresh token ignored", zap.Error(err))
		default:
			s.audit.SystemFailure(ctx, src, "", err)
			return err
		}
	}

	s.audit.Logout(ctx, src, principal.ID, claims.ID)
	return nil
}

// Revoke blocks an arbitrary token id on behalf of actor
func (s *Service) Revoke(ctx context.Context, actor *models.Principal, tokenID string, expiresAt time.Time, src models.RequestSource) error {
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	if err := s.tokens.Revoke(ctx, tokenID, expiresAt); err != nil {
		if services.IsUnavailableError(err) {
			s.audit.SystemFailure(ctx, src, "", err)
		}
		return err
	}
	s.audit.TokenRevoked(ctx, src, actorID, tokenID, "administrative revoke")
	return nil
}

// Authenticate verifies a session token for a protected request. Failed
// verifications count against the source's token key, which login never
// checks.
func (s *Service) Authenticate(ctx context.Context, tokenString string, src models.RequestSource) (*models.Principal, *token.SessionClaims, error) {
	principal, claims, err := s.tokens.Verify(ctx, tokenString)
	if err != nil {
		if !services.IsUnauthorizedError(err) {
			s.metrics.TokenVerification("error")
			s.audit.SystemFailure(ctx, src, "", err)
			return nil, nil, err
		}

		s.metrics.TokenVerification(reasonFor(err))
		if src.IPAddress != "" {
			key := lockout.TokenKey(src.IPAddress)
			if state := s.guard.RecordFailure(key); state.Triggered {
				s.audit.LockoutTriggered(ctx, src, "", key, state.LockedUntil, state.Lockouts)
				s.metrics.LockoutTriggered()
			}
		}
		return nil, nil, err
	}

	s.metrics.TokenVerification("valid")
	return principal, claims, nil
}

func (s *Service) lockoutKeys(username, ip string) []string {
	var keys []string
	if s.granularity != GranularityAddress {
		keys = append(keys, lockout.PrincipalKey(username))
	}
	if s.granularity != GranularityPrincipal && ip != "" {
		keys = append(keys, lockout.AddressKey(ip))
	}
	return keys
}

// reasonFor returns the internal reason code of a domain error
func reasonFor(err error) string {
	if code := services.GetErrorCode(err); code != "" {
		return code
	}
	return string(services.GetErrorType(err))
}

package audit

import (
	"context"
	"time"

	"github.com/upb/trading-auth/models"
)

// Convenience methods for logging authentication events

// LoginSucceeded records a successful login and the issued session id
func (s *Service) LoginSucceeded(ctx context.Context, src models.RequestSource, principal *models.Principal, username, sessionID string) {
	log := models.NewAuditLog(models.AuditActionLoginSuccess, models.AuditOutcomeSuccess).
		WithUsername(username).
		WithToken(sessionID).
		WithSource(src)
	if principal != nil {
		log.WithPrincipal(principal.ID).WithDetails(map[string]interface{}{
			"role": principal.Role,
		})
	}
	s.Record(ctx, log)
}

// LoginFailed records a rejected login. reason is internal only.
func (s *Service) LoginFailed(ctx context.Context, src models.RequestSource, username, reason string) {
	log := models.NewAuditLog(models.AuditActionLoginFailure, models.AuditOutcomeFailure).
		WithUsername(username).
		WithReason(reason).
		WithSource(src)
	s.Record(ctx, log)
}

// LockoutTriggered records a key crossing the failure threshold
func (s *Service) LockoutTriggered(ctx context.Context, src models.RequestSource, username, key string, lockedUntil time.Time, lockouts int) {
	log := models.NewAuditLog(models.AuditActionLockoutTriggered, models.AuditOutcomeDenied).
		WithUsername(username).
		WithReason("failure threshold reached").
		WithSource(src).
		WithDetails(map[string]interface{}{
			"key":          key,
			"locked_until": lockedUntil.UTC(),
			"lockouts":     lockouts,
		})
	s.Record(ctx, log)
}

// TokenIssued records issuance of a token pair
func (s *Service) TokenIssued(ctx context.Context, src models.RequestSource, principalID, sessionID, refreshID string) {
	log := models.NewAuditLog(models.AuditActionTokenIssued, models.AuditOutcomeSuccess).
		WithPrincipal(principalID).
		WithToken(sessionID).
		WithSource(src).
		WithDetails(map[string]string{"refresh_id": refreshID})
	s.Record(ctx, log)
}

// TokenRevoked records a token id entering the revocation set
func (s *Service) TokenRevoked(ctx context.Context, src models.RequestSource, actorID, tokenID, reason string) {
	log := models.NewAuditLog(models.AuditActionTokenRevoked, models.AuditOutcomeSuccess).
		WithPrincipal(actorID).
		WithToken(tokenID).
		WithReason(reason).
		WithSource(src)
	s.Record(ctx, log)
}

// TokenRefreshed records a refresh rotation and the newly issued ids
func (s *Service) TokenRefreshed(ctx context.Context, src models.RequestSource, principalID, sessionID, refreshID string) {
	log := models.NewAuditLog(models.AuditActionTokenRefreshed, models.AuditOutcomeSuccess).
		WithPrincipal(principalID).
		WithToken(sessionID).
		WithSource(src).
		WithDetails(map[string]string{"refresh_id": refreshID})
	s.Record(ctx, log)
}

// AccessDenied records a rejected protected request
func (s *Service) AccessDenied(ctx context.Context, src models.RequestSource, principalID, reason string) {
	log := models.NewAuditLog(models.AuditActionAccessDenied, models.AuditOutcomeDenied).
		WithPrincipal(principalID).
		WithReason(reason).
		WithSource(src)
	s.Record(ctx, log)
}

// SystemFailure records an attempt that could not be decided
func (s *Service) SystemFailure(ctx context.Context, src models.RequestSource, username string, cause error) {
	log := models.NewAuditLog(models.AuditActionSystemFailure, models.AuditOutcomeError).
		WithUsername(username).
		WithSource(src)
	if cause != nil {
		log.WithReason(cause.Error())
	}
	s.Record(ctx, log)
}

// Logout records a user-initiated session end
func (s *Service) Logout(ctx context.Context, src models.RequestSource, principalID, sessionID string) {
	log := models.NewAuditLog(models.AuditActionLogout, models.AuditOutcomeSuccess).
		WithPrincipal(principalID).
		WithToken(sessionID).
		WithSource(src)
	s.Record(ctx, log)
}

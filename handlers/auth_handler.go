package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/upb/trading-auth/middleware"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/services/token"
	"github.com/upb/trading-auth/utils"
	"go.uber.org/zap"
)

// Messages returned by the login and refresh endpoints. Every rejection
// uses the same text so callers cannot tell which check failed.
const (
	MessageLoginSucceeded   = "Login successful"
	MessageRefreshSucceeded = "Session refreshed"
	MessageAuthFailed       = "Invalid username or password"
	MessageUnavailable      = "Authentication temporarily unavailable, please retry"
)

// maxBodyBytes bounds auth request bodies
const maxBodyBytes = 16 << 10

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=128,username"`
	Password string `json:"password" validate:"required,max=256"`
}

// RefreshRequest represents a refresh request
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LogoutRequest optionally carries the refresh token to revoke alongside
// the session
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RevokeRequest represents an administrative token revocation
type RevokeRequest struct {
	TokenID   string     `json:"token_id" validate:"required,uuid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AuthResponse is the body of every login and refresh response
type AuthResponse struct {
	Success          bool              `json:"success"`
	Message          string            `json:"message"`
	SessionToken     string            `json:"session_token,omitempty"`
	RefreshToken     string            `json:"refresh_token,omitempty"`
	SessionExpiresAt *time.Time        `json:"session_expires_at,omitempty"`
	RefreshExpiresAt *time.Time        `json:"refresh_expires_at,omitempty"`
	Principal        *models.Principal `json:"principal,omitempty"`
}

// MeResponse describes the current session
type MeResponse struct {
	Principal        *models.Principal `json:"principal"`
	SessionID        string            `json:"session_id"`
	SessionExpiresAt time.Time         `json:"session_expires_at"`
}

// AuthService defines the authentication operations used by the handler
type AuthService interface {
	Login(ctx context.Context, username, password string, src models.RequestSource) (*token.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string, src models.RequestSource) (*token.TokenPair, error)
	Logout(ctx context.Context, principal *models.Principal, claims *token.SessionClaims, refreshToken string, src models.RequestSource) error
	Revoke(ctx context.Context, actor *models.Principal, tokenID string, expiresAt time.Time, src models.RequestSource) error
}

// CookieConfig controls the session cookie
type CookieConfig struct {
	Name string
	// Secure forces the Secure attribute even when the request is not TLS,
	// e.g. behind a TLS-terminating proxy
	Secure bool
}

// AuthHandler handles authentication HTTP requests
type AuthHandler struct {
	service AuthService
	cookie  CookieConfig
	logger  *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthService, cookie CookieConfig, logger *zap.Logger) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "session"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		service: service,
		cookie:  cookie,
		logger:  logger,
	}
}

// HandleLogin handles POST /api/v1/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	src := middleware.SourceFromRequest(r)

	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Debug("invalid login body", zap.String("request_id", src.RequestID), zap.Error(err))
		// Malformed bodies are rejected like bad credentials
		h.writeAuthFailure(w, services.ErrInvalidCredentials)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		h.writeAuthFailure(w, services.ErrInvalidCredentials)
		return
	}

	pair, err := h.service.Login(ctx, req.Username, req.Password, src)
	if err != nil {
		h.writeAuthFailure(w, err)
		return
	}

	h.setSessionCookie(w, r, pair.SessionToken, pair.SessionExpiresAt)
	h.writePair(w, MessageLoginSucceeded, pair)
}

// HandleRefresh handles POST /api/v1/auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	src := middleware.SourceFromRequest(r)

	var req RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeAuthFailure(w, services.ErrTokenMalformed)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		h.writeAuthFailure(w, services.ErrTokenMissing)
		return
	}

	pair, err := h.service.Refresh(ctx, req.RefreshToken, src)
	if err != nil {
		h.writeAuthFailure(w, err)
		return
	}

	h.setSessionCookie(w, r, pair.SessionToken, pair.SessionExpiresAt)
	h.writePair(w, MessageRefreshSucceeded, pair)
}

// HandleLogout handles POST /api/v1/auth/logout. It runs behind the
// session middleware.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	src := middleware.SourceFromRequest(r)

	var req LogoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			HandleValidationError(w, err, h.logger)
			return
		}
	}

	principal := middleware.GetPrincipalFromContext(ctx)
	claims := middleware.GetSessionFromContext(ctx)

	if err := h.service.Logout(ctx, principal, claims, req.RefreshToken, src); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.clearSessionCookie(w, r)
	utils.WriteNoContent(w)
}

// HandleMe handles GET /api/v1/auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipalFromContext(ctx)
	claims := middleware.GetSessionFromContext(ctx)
	if principal == nil || claims == nil {
		HandleServiceError(w, services.ErrTokenMissing, h.logger)
		return
	}

	_ = utils.WriteOK(w, MeResponse{
		Principal:        principal,
		SessionID:        claims.ID,
		SessionExpiresAt: claims.ExpiresAtTime(),
	})
}

// HandleRevoke handles POST /api/v1/auth/revoke
func (h *AuthHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	src := middleware.SourceFromRequest(r)

	var req RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var expiresAt time.Time
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	actor := middleware.GetPrincipalFromContext(ctx)
	if err := h.service.Revoke(ctx, actor, req.TokenID, expiresAt, src); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("token revoked",
		zap.String("request_id", src.RequestID),
		zap.String("token_id", req.TokenID))
	utils.WriteNoContent(w)
}

// writeAuthFailure writes the shared failure body. Only system failures
// differ, by status and retry hint.
func (h *AuthHandler) writeAuthFailure(w http.ResponseWriter, err error) {
	if services.IsUnauthorizedError(err) || services.IsLockedError(err) || services.IsValidationError(err) {
		_ = utils.WriteJSON(w, http.StatusUnauthorized, AuthResponse{Message: MessageAuthFailed})
		return
	}

	h.logger.Error("authentication could not be decided", zap.Error(err))
	w.Header().Set("Retry-After", "1")
	_ = utils.WriteJSON(w, http.StatusServiceUnavailable, AuthResponse{Message: MessageUnavailable})
}

func (h *AuthHandler) writePair(w http.ResponseWriter, message string, pair *token.TokenPair) {
	sessionExp := pair.SessionExpiresAt.UTC()
	refreshExp := pair.RefreshExpiresAt.UTC()
	_ = utils.WriteJSON(w, http.StatusOK, AuthResponse{
		Success:          true,
		Message:          message,
		SessionToken:     pair.SessionToken,
		RefreshToken:     pair.RefreshToken,
		SessionExpiresAt: &sessionExp,
		RefreshExpiresAt: &refreshExp,
		Principal:        pair.Principal,
	})
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, r *http.Request, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookie.Secure || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

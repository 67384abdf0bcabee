package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/trading-auth/models"
)

// Token types carried in the typ claim
const (
	TypeSession = "session"
	TypeRefresh = "refresh"
)

// SessionClaims are the claims of a session token
type SessionClaims struct {
	Email       string          `json:"email,omitempty"`
	Name        string          `json:"name,omitempty"`
	Role        models.UserRole `json:"role"`
	Permissions []string        `json:"permissions"`
	Type        string          `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims of a refresh token. They carry no
// authorization data; the principal is re-resolved on every refresh.
type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a successful login or refresh
type TokenPair struct {
	SessionToken     string            `json:"session_token"`
	SessionID        string            `json:"-"`
	SessionExpiresAt time.Time         `json:"session_expires_at"`
	RefreshToken     string            `json:"refresh_token"`
	RefreshID        string            `json:"-"`
	RefreshExpiresAt time.Time         `json:"refresh_expires_at"`
	Principal        *models.Principal `json:"principal"`
}

// ExpiresAtTime returns the expiry as a time, or the zero time when absent
func (c *SessionClaims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

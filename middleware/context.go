package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/services/token"
)

// Context key type to avoid collisions
type contextKey string

const (
	// PrincipalKey is the context key for the authenticated principal
	PrincipalKey contextKey = "principal"

	// SessionKey is the context key for the verified session claims
	SessionKey contextKey = "session"
)

// GetRequestIDFromContext retrieves the id set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetPrincipalFromContext retrieves the authenticated principal from context
func GetPrincipalFromContext(ctx context.Context) *models.Principal {
	if val := ctx.Value(PrincipalKey); val != nil {
		if principal, ok := val.(*models.Principal); ok {
			return principal
		}
	}
	return nil
}

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal *models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// GetSessionFromContext retrieves the verified session claims from context
func GetSessionFromContext(ctx context.Context) *token.SessionClaims {
	if val := ctx.Value(SessionKey); val != nil {
		if claims, ok := val.(*token.SessionClaims); ok {
			return claims
		}
	}
	return nil
}

// WithSession adds the verified session claims to the context
func WithSession(ctx context.Context, claims *token.SessionClaims) context.Context {
	return context.WithValue(ctx, SessionKey, claims)
}

// GetTokenIDFromContext returns the id of the session token that
// authenticated the request
func GetTokenIDFromContext(ctx context.Context) string {
	if claims := GetSessionFromContext(ctx); claims != nil {
		return claims.ID
	}
	return ""
}

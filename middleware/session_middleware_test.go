package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/trading-auth/internal/observability"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/services/roles"
	"github.com/upb/trading-auth/services/token"
	"github.com/upb/trading-auth/utils"
	"go.uber.org/zap"
)

// MockAuthenticator is a mock implementation of Authenticator
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, tokenString string, src models.RequestSource) (*models.Principal, *token.SessionClaims, error) {
	args := m.Called(ctx, tokenString, src)
	var principal *models.Principal
	if p := args.Get(0); p != nil {
		principal = p.(*models.Principal)
	}
	var claims *token.SessionClaims
	if c := args.Get(1); c != nil {
		claims = c.(*token.SessionClaims)
	}
	return principal, claims, args.Error(2)
}

type deniedEntry struct {
	principalID string
	reason      string
	path        string
}

// recordingAudit captures AccessDenied calls
type recordingAudit struct {
	mu      sync.Mutex
	entries []deniedEntry
}

func (r *recordingAudit) AccessDenied(ctx context.Context, src models.RequestSource, principalID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, deniedEntry{principalID: principalID, reason: reason, path: src.Path})
}

func (r *recordingAudit) Entries() []deniedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deniedEntry(nil), r.entries...)
}

func principalFor(role models.UserRole) *models.Principal {
	return &models.Principal{ID: "user-" + string(role), Role: role, Permissions: roles.Permissions(role)}
}

func sessionClaims(id string) *token.SessionClaims {
	claims := &token.SessionClaims{}
	claims.ID = id
	return claims
}

var testPolicy = MustRoutePolicy([]RouteRule{
	{Pattern: "/api/v1/orders/**", Method: http.MethodPost, Capability: roles.OrdersWrite},
	{Pattern: "/api/v1/orders/**", Capability: roles.OrdersRead},
	{Pattern: "/api/v1/admin/**", Capability: roles.UsersWrite},
})

func newTestMiddleware(auth Authenticator, audit AccessRecorder) *SessionMiddleware {
	return NewSessionMiddleware(auth, testPolicy, audit, nil, SessionConfig{
		CookieName:     "session",
		LoginPath:      "/login",
		PublicPaths:    []string{"/login", "/healthz", "/api/v1/auth/login"},
		PublicPrefixes: []string{"/static/"},
	}, zap.NewNop())
}

func okHandler(t *testing.T, check func(r *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestSessionMiddleware_PublicPaths(t *testing.T) {
	auth := new(MockAuthenticator)
	mw := newTestMiddleware(auth, &recordingAudit{})
	handler := mw.Handler(okHandler(t, nil))

	for _, path := range []string{"/login", "/healthz", "/api/v1/auth/login", "/static/app.css"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
	auth.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionMiddleware_ValidBearerToken(t *testing.T) {
	auth := new(MockAuthenticator)
	trader := principalFor(models.RoleTrader)
	auth.On("Authenticate", mock.Anything, "valid-token", mock.Anything).Return(trader, sessionClaims("jti-1"), nil)

	mw := newTestMiddleware(auth, &recordingAudit{})
	handler := mw.Handler(okHandler(t, func(r *http.Request) {
		got := GetPrincipalFromContext(r.Context())
		require.NotNil(t, got)
		assert.Equal(t, trader.ID, got.ID)
		assert.Equal(t, "jti-1", GetTokenIDFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/42", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	req.RemoteAddr = "192.0.2.10:4321"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	auth.AssertCalled(t, "Authenticate", mock.Anything, "valid-token", mock.MatchedBy(func(src models.RequestSource) bool {
		return src.IPAddress == "192.0.2.10" && src.Path == "/api/v1/orders/42"
	}))
}

func TestSessionMiddleware_HeaderTakesPrecedenceOverCookie(t *testing.T) {
	auth := new(MockAuthenticator)
	auth.On("Authenticate", mock.Anything, "header-token", mock.Anything).
		Return(principalFor(models.RoleViewer), sessionClaims("jti"), nil)

	mw := newTestMiddleware(auth, &recordingAudit{})
	handler := mw.Handler(okHandler(t, nil))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: "session", Value: "cookie-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	auth.AssertNotCalled(t, "Authenticate", mock.Anything, "cookie-token", mock.Anything)
}

func TestSessionMiddleware_CookieToken(t *testing.T) {
	auth := new(MockAuthenticator)
	auth.On("Authenticate", mock.Anything, "cookie-token", mock.Anything).
		Return(principalFor(models.RoleViewer), sessionClaims("jti"), nil)

	mw := newTestMiddleware(auth, &recordingAudit{})
	handler := mw.Handler(okHandler(t, nil))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "cookie-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionMiddleware_RejectionsShareOneBody(t *testing.T) {
	failures := []error{
		services.ErrTokenMalformed,
		services.ErrBadSignature,
		services.ErrTokenExpired,
		services.ErrTokenRevoked,
	}

	var bodies []string
	for _, failure := range failures {
		auth := new(MockAuthenticator)
		auth.On("Authenticate", mock.Anything, "tok", mock.Anything).Return(nil, nil, failure)
		audit := &recordingAudit{}

		handler := newTestMiddleware(auth, audit).Handler(okHandler(t, nil))
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req.Header.Set("Authorization", "Bearer tok")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		bodies = append(bodies, w.Body.String())

		entries := audit.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, services.GetErrorCode(failure), entries[0].reason)
	}

	// Missing token too
	handler := newTestMiddleware(new(MockAuthenticator), &recordingAudit{}).Handler(okHandler(t, nil))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	bodies = append(bodies, w.Body.String())

	for _, body := range bodies[1:] {
		assert.Equal(t, bodies[0], body)
	}

	var response utils.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &response))
	assert.Equal(t, "unauthorized", response.Error)
	assert.Equal(t, "Authentication required", response.Message)
}

func TestSessionMiddleware_PageRequestsRedirect(t *testing.T) {
	auth := new(MockAuthenticator)
	auth.On("Authenticate", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil, services.ErrTokenExpired)
	handler := newTestMiddleware(auth, &recordingAudit{}).Handler(okHandler(t, nil))

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=orders", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/login?next=%2Fdashboard%3Ftab%3Dorders", w.Header().Get("Location"))
	})

	t.Run("expired cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.Header.Set("Accept", "text/html")
		req.AddCookie(&http.Cookie{Name: "session", Value: "old"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusFound, w.Code)
	})

	t.Run("api paths always get json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req.Header.Set("Accept", "text/html")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})
}

func TestSessionMiddleware_RoutePolicy(t *testing.T) {
	tests := []struct {
		name   string
		role   models.UserRole
		method string
		path   string
		want   int
	}{
		{"viewer cannot place orders", models.RoleViewer, http.MethodPost, "/api/v1/orders", http.StatusForbidden},
		{"viewer cannot read orders", models.RoleViewer, http.MethodGet, "/api/v1/orders/1", http.StatusForbidden},
		{"trader places orders", models.RoleTrader, http.MethodPost, "/api/v1/orders", http.StatusOK},
		{"trader blocked from admin", models.RoleTrader, http.MethodGet, "/api/v1/admin/users", http.StatusForbidden},
		{"admin reaches admin", models.RoleAdmin, http.MethodDelete, "/api/v1/admin/users/7", http.StatusOK},
		{"unmatched path needs only a session", models.RoleViewer, http.MethodGet, "/api/v1/market/quotes", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := new(MockAuthenticator)
			auth.On("Authenticate", mock.Anything, "tok", mock.Anything).Return(principalFor(tt.role), sessionClaims("jti"), nil)
			audit := &recordingAudit{}

			handler := newTestMiddleware(auth, audit).Handler(okHandler(t, nil))
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("Authorization", "Bearer tok")
			req.Header.Set("Accept", "text/html")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusForbidden {
				entries := audit.Entries()
				require.Len(t, entries, 1)
				assert.Equal(t, "user-"+string(tt.role), entries[0].principalID)
				assert.Contains(t, entries[0].reason, ReasonForbidden)
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestSessionMiddleware_SystemFailure(t *testing.T) {
	auth := new(MockAuthenticator)
	auth.On("Authenticate", mock.Anything, "tok", mock.Anything).
		Return(nil, nil, services.WrapUnavailable(errors.New("redis down")))
	audit := &recordingAudit{}
	metrics := observability.NewMetrics()

	mw := NewSessionMiddleware(auth, testPolicy, audit, metrics, SessionConfig{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	mw.Handler(okHandler(t, nil)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Len(t, audit.Entries(), 1)
	assert.Equal(t, ReasonUnavailable, audit.Entries()[0].reason)
	assert.NotContains(t, w.Body.String(), "redis")
}

func TestSessionMiddleware_Defaults(t *testing.T) {
	mw := NewSessionMiddleware(new(MockAuthenticator), nil, nil, nil, SessionConfig{}, nil)
	assert.Equal(t, "session", mw.CookieName())
	assert.Equal(t, "/login", mw.loginPath)

	// Nil audit recorder and policy are tolerated
	w := httptest.NewRecorder()
	mw.Handler(okHandler(t, nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionMiddleware_RequireCapability(t *testing.T) {
	mw := newTestMiddleware(new(MockAuthenticator), &recordingAudit{})
	handler := mw.RequireCapability(roles.SessionsRevoke)(okHandler(t, nil))

	t.Run("no principal", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/revoke", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("trader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/revoke", nil)
		req = req.WithContext(WithPrincipal(req.Context(), principalFor(models.RoleTrader)))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/revoke", nil)
		req = req.WithContext(WithPrincipal(req.Context(), principalFor(models.RoleAdmin)))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		cookie string
		want   string
	}{
		{"bearer", "Bearer abc", "", "abc"},
		{"lowercase scheme", "bearer abc", "", "abc"},
		{"basic ignored", "Basic abc", "", ""},
		{"basic falls back to cookie", "Basic abc", "c", "c"},
		{"no scheme", "abc", "", ""},
		{"cookie", "", "c", "c"},
		{"nothing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "session", Value: tt.cookie})
			}
			assert.Equal(t, tt.want, ExtractToken(req, "session"))
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))

	req.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

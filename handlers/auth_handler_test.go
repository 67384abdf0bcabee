package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/trading-auth/middleware"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/services/token"
	"go.uber.org/zap"
)

// MockAuthService is a mock implementation of AuthService
type MockAuthService struct {
	mock.Mock
}

func (m *MockAuthService) Login(ctx context.Context, username, password string, src models.RequestSource) (*token.TokenPair, error) {
	args := m.Called(ctx, username, password, src)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*token.TokenPair), args.Error(1)
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken string, src models.RequestSource) (*token.TokenPair, error) {
	args := m.Called(ctx, refreshToken, src)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*token.TokenPair), args.Error(1)
}

func (m *MockAuthService) Logout(ctx context.Context, principal *models.Principal, claims *token.SessionClaims, refreshToken string, src models.RequestSource) error {
	args := m.Called(ctx, principal, claims, refreshToken, src)
	return args.Error(0)
}

func (m *MockAuthService) Revoke(ctx context.Context, actor *models.Principal, tokenID string, expiresAt time.Time, src models.RequestSource) error {
	args := m.Called(ctx, actor, tokenID, expiresAt, src)
	return args.Error(0)
}

func testPair() *token.TokenPair {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &token.TokenPair{
		SessionToken:     "session.jwt.value",
		SessionID:        "sess-1",
		SessionExpiresAt: now.Add(time.Hour),
		RefreshToken:     "refresh.jwt.value",
		RefreshID:        "ref-1",
		RefreshExpiresAt: now.Add(7 * 24 * time.Hour),
		Principal: &models.Principal{
			ID:          "0d6c1c5e-0000-4000-8000-000000000001",
			DisplayName: "Trader One",
			Role:        models.RoleTrader,
			Permissions: []string{"orders:place"},
		},
	}
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51000"
	return req
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHandleLogin_Success(t *testing.T) {
	service := new(MockAuthService)
	handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

	pair := testPair()
	service.On("Login", mock.Anything, "trader1", "trader123", mock.MatchedBy(func(src models.RequestSource) bool {
		return src.IPAddress == "203.0.113.7" && src.Path == "/api/v1/auth/login"
	})).Return(pair, nil)

	w := httptest.NewRecorder()
	handler.HandleLogin(w, postJSON("/api/v1/auth/login", `{"username":"trader1","password":"trader123"}`))

	require.Equal(t, http.StatusOK, w.Code)

	var response AuthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.True(t, response.Success)
	assert.Equal(t, MessageLoginSucceeded, response.Message)
	assert.Equal(t, "session.jwt.value", response.SessionToken)
	assert.Equal(t, "refresh.jwt.value", response.RefreshToken)
	require.NotNil(t, response.SessionExpiresAt)
	assert.True(t, pair.SessionExpiresAt.Equal(*response.SessionExpiresAt))
	require.NotNil(t, response.Principal)
	assert.Equal(t, models.RoleTrader, response.Principal.Role)

	cookie := findCookie(w, "session")
	require.NotNil(t, cookie)
	assert.Equal(t, "session.jwt.value", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.False(t, cookie.Secure)

	service.AssertExpectations(t)
}

func TestHandleLogin_SecureCookie(t *testing.T) {
	service := new(MockAuthService)
	handler := NewAuthHandler(service, CookieConfig{Name: "trading_session", Secure: true}, zap.NewNop())
	service.On("Login", mock.Anything, "admin", "password", mock.Anything).Return(testPair(), nil)

	w := httptest.NewRecorder()
	handler.HandleLogin(w, postJSON("/api/v1/auth/login", `{"username":"admin","password":"password"}`))

	cookie := findCookie(w, "trading_session")
	require.NotNil(t, cookie)
	assert.True(t, cookie.Secure)
}

func TestHandleLogin_FailuresAreIndistinguishable(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
	}{
		{"wrong password", `{"username":"trader1","password":"nope"}`, services.ErrInvalidCredentials},
		{"unknown user", `{"username":"ghost","password":"nope"}`, services.ErrInvalidCredentials},
		{"locked", `{"username":"trader1","password":"trader123"}`, services.ErrAccountLocked.Wrap(errors.New("principal:trader1 locked"))},
		{"empty body", `{}`, nil},
		{"malformed json", `{"username":`, nil},
		{"unknown field", `{"username":"a","password":"b","admin":true}`, nil},
		{"username outside the login charset", `{"username":"trader1' OR '1'='1","password":"x"}`, nil},
	}

	var bodies []string
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := new(MockAuthService)
			if tc.err != nil {
				service.On("Login", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tc.err)
			}
			handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

			w := httptest.NewRecorder()
			handler.HandleLogin(w, postJSON("/api/v1/auth/login", tc.body))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Nil(t, findCookie(w, "session"))
			bodies = append(bodies, w.Body.String())

			if tc.err == nil {
				service.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}

	require.Len(t, bodies, len(cases))
	for _, body := range bodies[1:] {
		assert.Equal(t, bodies[0], body)
	}

	var response AuthResponse
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &response))
	assert.False(t, response.Success)
	assert.Equal(t, MessageAuthFailed, response.Message)
	assert.Empty(t, response.SessionToken)
	assert.Nil(t, response.Principal)
}

func TestHandleLogin_SystemFailure(t *testing.T) {
	service := new(MockAuthService)
	service.On("Login", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, services.WrapUnavailable(errors.New("dial tcp: connection refused")))
	handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleLogin(w, postJSON("/api/v1/auth/login", `{"username":"trader1","password":"trader123"}`))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.NotContains(t, w.Body.String(), "connection refused")

	var response AuthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.False(t, response.Success)
	assert.Equal(t, MessageUnavailable, response.Message)
}

func TestHandleRefresh(t *testing.T) {
	t.Run("success rotates the cookie", func(t *testing.T) {
		service := new(MockAuthService)
		service.On("Refresh", mock.Anything, "refresh.jwt.value", mock.Anything).Return(testPair(), nil)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleRefresh(w, postJSON("/api/v1/auth/refresh", `{"refresh_token":"refresh.jwt.value"}`))

		require.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.True(t, response.Success)
		assert.Equal(t, MessageRefreshSucceeded, response.Message)
		assert.NotNil(t, findCookie(w, "session"))
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		service := new(MockAuthService)
		service.On("Refresh", mock.Anything, "old", mock.Anything).Return(nil, services.ErrTokenRevoked)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleRefresh(w, postJSON("/api/v1/auth/refresh", `{"refresh_token":"old"}`))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), MessageAuthFailed)
	})

	t.Run("missing token never reaches the service", func(t *testing.T) {
		service := new(MockAuthService)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleRefresh(w, postJSON("/api/v1/auth/refresh", `{}`))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		service.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything, mock.Anything)
	})
}

func authenticatedRequest(req *http.Request, principal *models.Principal, claims *token.SessionClaims) *http.Request {
	ctx := middleware.WithPrincipal(req.Context(), principal)
	ctx = middleware.WithSession(ctx, claims)
	return req.WithContext(ctx)
}

func testClaims() *token.SessionClaims {
	return &token.SessionClaims{
		Role: models.RoleAdmin,
		Type: token.TypeSession,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "sess-1",
			Subject:   "admin-id",
			ExpiresAt: jwt.NewNumericDate(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)),
		},
	}
}

func TestHandleLogout(t *testing.T) {
	principal := &models.Principal{ID: "admin-id", Role: models.RoleAdmin}
	claims := testClaims()

	t.Run("revokes and clears the cookie", func(t *testing.T) {
		service := new(MockAuthService)
		service.On("Logout", mock.Anything, principal, claims, "refresh.jwt.value", mock.Anything).Return(nil)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		req := authenticatedRequest(postJSON("/api/v1/auth/logout", `{"refresh_token":"refresh.jwt.value"}`), principal, claims)
		w := httptest.NewRecorder()
		handler.HandleLogout(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		cookie := findCookie(w, "session")
		require.NotNil(t, cookie)
		assert.Empty(t, cookie.Value)
		assert.True(t, cookie.MaxAge < 0)
		service.AssertExpectations(t)
	})

	t.Run("empty body", func(t *testing.T) {
		service := new(MockAuthService)
		service.On("Logout", mock.Anything, principal, claims, "", mock.Anything).Return(nil)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		req := authenticatedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil), principal, claims)
		w := httptest.NewRecorder()
		handler.HandleLogout(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("store unavailable", func(t *testing.T) {
		service := new(MockAuthService)
		service.On("Logout", mock.Anything, principal, claims, "", mock.Anything).
			Return(services.WrapUnavailable(errors.New("redis down")))
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		req := authenticatedRequest(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil), principal, claims)
		w := httptest.NewRecorder()
		handler.HandleLogout(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Nil(t, findCookie(w, "session"))
	})
}

func TestHandleMe(t *testing.T) {
	handler := NewAuthHandler(new(MockAuthService), CookieConfig{}, zap.NewNop())

	t.Run("returns the principal", func(t *testing.T) {
		principal := &models.Principal{ID: "admin-id", Role: models.RoleAdmin, Permissions: []string{"sessions:revoke"}}
		req := authenticatedRequest(httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil), principal, testClaims())
		w := httptest.NewRecorder()
		handler.HandleMe(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data MeResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "admin-id", response.Data.Principal.ID)
		assert.Equal(t, "sess-1", response.Data.SessionID)
	})

	t.Run("no session", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.HandleMe(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleRevoke(t *testing.T) {
	admin := &models.Principal{ID: "admin-id", Role: models.RoleAdmin}
	tokenID := "6f1c2a8e-4b7d-4c1e-9a55-2f0e3d4c5b6a"

	t.Run("with expiry", func(t *testing.T) {
		expires := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
		service := new(MockAuthService)
		service.On("Revoke", mock.Anything, admin, tokenID, mock.MatchedBy(func(at time.Time) bool { return at.Equal(expires) }), mock.Anything).Return(nil)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		body := `{"token_id":"` + tokenID + `","expires_at":"2026-03-01T13:00:00Z"}`
		req := authenticatedRequest(postJSON("/api/v1/auth/revoke", body), admin, testClaims())
		w := httptest.NewRecorder()
		handler.HandleRevoke(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		service.AssertExpectations(t)
	})

	t.Run("without expiry", func(t *testing.T) {
		service := new(MockAuthService)
		service.On("Revoke", mock.Anything, admin, tokenID, time.Time{}, mock.Anything).Return(nil)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		req := authenticatedRequest(postJSON("/api/v1/auth/revoke", `{"token_id":"`+tokenID+`"}`), admin, testClaims())
		w := httptest.NewRecorder()
		handler.HandleRevoke(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("expiry already passed", func(t *testing.T) {
		service := new(MockAuthService)
		rejected := services.ErrInvalidInput.Wrap(errors.New("expiry already passed")).WithDetail("expires_at", "must be in the future")
		service.On("Revoke", mock.Anything, admin, tokenID, mock.Anything, mock.Anything).Return(rejected)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		body := `{"token_id":"` + tokenID + `","expires_at":"2020-01-01T00:00:00Z"}`
		req := authenticatedRequest(postJSON("/api/v1/auth/revoke", body), admin, testClaims())
		w := httptest.NewRecorder()
		handler.HandleRevoke(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "expires_at")
		service.AssertExpectations(t)
	})

	t.Run("invalid token id", func(t *testing.T) {
		service := new(MockAuthService)
		handler := NewAuthHandler(service, CookieConfig{}, zap.NewNop())

		req := authenticatedRequest(postJSON("/api/v1/auth/revoke", `{"token_id":"not-a-uuid"}`), admin, testClaims())
		w := httptest.NewRecorder()
		handler.HandleRevoke(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "token_id")
		service.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

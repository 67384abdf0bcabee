package middleware

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/upb/trading-auth/internal/observability"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/services/token"
	"github.com/upb/trading-auth/utils"
	"go.uber.org/zap"
)

// Authenticator verifies a session token for a request
type Authenticator interface {
	Authenticate(ctx context.Context, tokenString string, src models.RequestSource) (*models.Principal, *token.SessionClaims, error)
}

// AccessRecorder records rejected requests in the audit trail
type AccessRecorder interface {
	AccessDenied(ctx context.Context, src models.RequestSource, principalID, reason string)
}

// SessionConfig configures the session middleware
type SessionConfig struct {
	CookieName     string
	LoginPath      string
	PublicPaths    []string
	PublicPrefixes []string
}

// Rejection reasons recorded in audit entries and metrics
const (
	ReasonMissingToken = "missing_token"
	ReasonForbidden    = "insufficient_permission"
	ReasonUnavailable  = "system_unavailable"
)

// SessionMiddleware authenticates protected requests and enforces the
// route policy
type SessionMiddleware struct {
	auth    Authenticator
	policy  *RoutePolicy
	audit   AccessRecorder
	metrics *observability.Metrics
	logger  *zap.Logger

	cookieName     string
	loginPath      string
	publicPaths    map[string]struct{}
	publicPrefixes []string
}

// NewSessionMiddleware creates a SessionMiddleware. policy and metrics may be nil.
func NewSessionMiddleware(auth Authenticator, policy *RoutePolicy, audit AccessRecorder, metrics *observability.Metrics, cfg SessionConfig, logger *zap.Logger) *SessionMiddleware {
	if cfg.CookieName == "" {
		cfg.CookieName = "session"
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = struct{}{}
	}

	return &SessionMiddleware{
		auth:           auth,
		policy:         policy,
		audit:          audit,
		metrics:        metrics,
		logger:         logger,
		cookieName:     cfg.CookieName,
		loginPath:      cfg.LoginPath,
		publicPaths:    public,
		publicPrefixes: append([]string(nil), cfg.PublicPrefixes...),
	}
}

// CookieName returns the session cookie name
func (m *SessionMiddleware) CookieName() string {
	return m.cookieName
}

// Handler runs every non-public request through token extraction,
// verification and the route policy
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		src := SourceFromRequest(r)

		tok := ExtractToken(r, m.cookieName)
		if tok == "" {
			m.unauthenticated(w, r, src, ReasonMissingToken, nil)
			return
		}

		principal, claims, err := m.auth.Authenticate(ctx, tok, src)
		if err != nil {
			if services.IsUnauthorizedError(err) {
				m.unauthenticated(w, r, src, reasonFor(err), err)
				return
			}
			m.logger.Error("session verification unavailable",
				zap.String("request_id", src.RequestID),
				zap.Error(err))
			m.deny(ctx, src, "", ReasonUnavailable)
			_ = utils.WriteServiceUnavailable(w, "")
			return
		}

		if rule, ok := m.policy.Match(r.Method, r.URL.Path); ok && !principal.HasPermission(rule.Capability) {
			m.logger.Warn("insufficient permissions",
				zap.String("request_id", src.RequestID),
				zap.String("principal_id", principal.ID),
				zap.String("required_capability", rule.Capability),
				zap.String("role", string(principal.Role)))
			m.deny(ctx, src, principal.ID, ReasonForbidden+": "+rule.Capability)
			_ = utils.WriteForbidden(w, "")
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", src.RequestID),
			zap.String("principal_id", principal.ID))

		ctx = WithPrincipal(ctx, principal)
		ctx = WithSession(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCapability rejects authenticated requests lacking capability.
// It must run after Handler.
func (m *SessionMiddleware) RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipalFromContext(r.Context())
			if principal == nil {
				m.unauthenticated(w, r, SourceFromRequest(r), ReasonMissingToken, nil)
				return
			}
			if !principal.HasPermission(capability) {
				m.deny(r.Context(), SourceFromRequest(r), principal.ID, ReasonForbidden+": "+capability)
				_ = utils.WriteForbidden(w, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// unauthenticated answers a request that carries no valid session. The
// response never reveals which check failed.
func (m *SessionMiddleware) unauthenticated(w http.ResponseWriter, r *http.Request, src models.RequestSource, reason string, err error) {
	m.logger.Warn("request not authenticated",
		zap.String("request_id", src.RequestID),
		zap.String("path", src.Path),
		zap.String("reason", reason),
		zap.Error(err))
	m.deny(r.Context(), src, "", reason)

	if wantsHTML(r) {
		target := m.loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	_ = utils.WriteUnauthorized(w, "")
}

func (m *SessionMiddleware) deny(ctx context.Context, src models.RequestSource, principalID, reason string) {
	label := reason
	if i := strings.Index(label, ":"); i >= 0 {
		label = label[:i]
	}
	m.metrics.AccessDenied(label)
	if m.audit != nil {
		m.audit.AccessDenied(ctx, src, principalID, reason)
	}
}

func (m *SessionMiddleware) isPublic(p string) bool {
	if _, ok := m.publicPaths[p]; ok {
		return true
	}
	for _, prefix := range m.publicPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// SourceFromRequest collects the audit context of a request
func SourceFromRequest(r *http.Request) models.RequestSource {
	return models.RequestSource{
		RequestID: GetRequestIDFromContext(r.Context()),
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	}
}

// ClientIP returns the request's remote address without the port. chi's
// RealIP middleware rewrites RemoteAddr from proxy headers upstream.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ExtractToken extracts the session token from the Authorization header
// ("Bearer TOKEN") or the session cookie. The header takes precedence.
func ExtractToken(r *http.Request, cookieName string) string {
	if tok := extractBearerToken(r); tok != "" {
		return tok
	}
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// wantsHTML reports whether the client is a browser navigating to a page
func wantsHTML(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func reasonFor(err error) string {
	if code := services.GetErrorCode(err); code != "" {
		return code
	}
	return string(services.GetErrorType(err))
}

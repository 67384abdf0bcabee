package app

import (
	"github.com/upb/trading-auth/middleware"
	"github.com/upb/trading-auth/services/roles"
)

// DefaultRoutePolicy is the capability table for the platform's protected
// routes. Rules are ordered most specific first; reads list GET before the
// catch-all write rule of the same subtree.
func DefaultRoutePolicy() *middleware.RoutePolicy {
	return middleware.MustRoutePolicy([]middleware.RouteRule{
		{Pattern: "/api/v1/auth/revoke", Method: "POST", Capability: roles.SessionsRevoke},
		{Pattern: "/api/v1/audit/**", Method: "GET", Capability: roles.AuditRead},

		{Pattern: "/api/v1/users/**", Method: "GET", Capability: roles.UsersRead},
		{Pattern: "/api/v1/users/**", Capability: roles.UsersWrite},

		{Pattern: "/api/v1/orders/**", Method: "GET", Capability: roles.OrdersRead},
		{Pattern: "/api/v1/orders/**", Capability: roles.OrdersWrite},

		{Pattern: "/api/v1/portfolio/**", Method: "GET", Capability: roles.PortfolioRead},
		{Pattern: "/api/v1/portfolio/**", Capability: roles.PortfolioWrite},

		{Pattern: "/api/v1/market/**", Method: "GET", Capability: roles.MarketRead},
		{Pattern: "/api/v1/risk/**", Capability: roles.RiskAdmin},

		{Pattern: "/admin/**", Capability: roles.UsersRead},
		{Pattern: "/trade/**", Capability: roles.OrdersWrite},
		{Pattern: "/portfolio/**", Capability: roles.PortfolioRead},
	})
}

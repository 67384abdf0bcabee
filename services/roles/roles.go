// Package roles maps stored role strings onto the closed internal role set
// and resolves the capabilities each role grants.
package roles

import (
	"strings"

	"github.com/upb/trading-auth/models"
)

// Capabilities checked by route policies
const (
	MarketRead     = "market:read"
	PortfolioRead  = "portfolio:read"
	PortfolioWrite = "portfolio:write"
	OrdersRead     = "orders:read"
	OrdersWrite    = "orders:write"
	UsersRead      = "users:read"
	UsersWrite     = "users:write"
	AuditRead      = "audit:read"
	SessionsRevoke = "sessions:revoke"
	RiskAdmin      = "risk:admin"
)

var aliases = map[string]models.UserRole{
	"admin":         models.RoleAdmin,
	"administrator": models.RoleAdmin,
	"superuser":     models.RoleAdmin,
	"root":          models.RoleAdmin,
	"trader":        models.RoleTrader,
	"trade":         models.RoleTrader,
	"member":        models.RoleTrader,
	"operator":      models.RoleTrader,
	"viewer":        models.RoleViewer,
	"read-only":     models.RoleViewer,
	"readonly":      models.RoleViewer,
}

var (
	viewerPerms = []string{MarketRead, PortfolioRead}
	traderPerms = append(append([]string{}, viewerPerms...), OrdersRead, OrdersWrite, PortfolioWrite)
	adminPerms  = append(append([]string{}, traderPerms...), UsersRead, UsersWrite, AuditRead, SessionsRevoke, RiskAdmin)

	permissionTable = map[models.UserRole][]string{
		models.RoleViewer: viewerPerms,
		models.RoleTrader: traderPerms,
		models.RoleAdmin:  adminPerms,
	}
)

// Map resolves a stored role string to an internal role. It is total:
// unknown, empty or malformed input yields the least privileged role.
func Map(raw string) models.UserRole {
	if role, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return role
	}
	return models.RoleViewer
}

// Permissions returns a fresh copy of the capabilities granted to role.
// Unknown roles get the viewer set.
func Permissions(role models.UserRole) []string {
	perms, ok := permissionTable[role]
	if !ok {
		perms = viewerPerms
	}
	return append([]string(nil), perms...)
}

// Has reports whether capability is present in perms
func Has(perms []string, capability string) bool {
	for _, p := range perms {
		if p == capability {
			return true
		}
	}
	return false
}

// PrincipalFor builds the principal for a stored user, resolving its role
func PrincipalFor(user *models.User) *models.Principal {
	role := Map(user.RawRole)
	return &models.Principal{
		ID:          user.ID.String(),
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        role,
		Permissions: Permissions(role),
	}
}

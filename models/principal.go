package models

// Principal is the authenticated identity together with its resolved role
// and permission set. It is immutable for the lifetime of a token; copies
// handed out by WithPermissions and Clone never share the permission slice.
type Principal struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Role        UserRole `json:"role"`
	Permissions []string `json:"permissions"`
}

// Clone returns a deep copy of the principal
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	out := *p
	out.Permissions = append([]string(nil), p.Permissions...)
	return &out
}

// HasPermission reports whether the principal holds the capability
func (p *Principal) HasPermission(capability string) bool {
	if p == nil {
		return false
	}
	for _, perm := range p.Permissions {
		if perm == capability {
			return true
		}
	}
	return false
}

// IsAdmin returns true if the principal has the admin role
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

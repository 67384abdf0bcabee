package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole represents the internal role of a platform user
type UserRole string

const (
	RoleAdmin  UserRole = "ADMIN"
	RoleTrader UserRole = "TRADER"
	RoleViewer UserRole = "VIEWER"
)

// UserStatus represents whether an account may authenticate
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User represents a stored account record.
// RawRole is kept exactly as the store holds it and is resolved to a UserRole
// on every login and refresh.
type User struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	DisplayName  string     `json:"display_name" db:"display_name"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	RawRole      string     `json:"role" db:"role"`
	Status       UserStatus `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates a new active User instance
func NewUser(username, displayName, email, passwordHash, rawRole string) *User {
	now := time.Now().UTC()
	return &User{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: passwordHash,
		RawRole:      rawRole,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsActive returns true if the account may authenticate
func (u *User) IsActive() bool {
	return u.Status == "" || u.Status == UserStatusActive
}

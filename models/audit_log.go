package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the kind of authentication or authorization decision
type AuditAction string

const (
	AuditActionLoginSuccess     AuditAction = "login_success"
	AuditActionLoginFailure     AuditAction = "login_failure"
	AuditActionLockoutTriggered AuditAction = "lockout_triggered"
	AuditActionTokenIssued      AuditAction = "token_issued"
	AuditActionTokenRefreshed   AuditAction = "token_refreshed"
	AuditActionTokenRevoked     AuditAction = "token_revoked"
	AuditActionAccessDenied     AuditAction = "access_denied"
	AuditActionLogout           AuditAction = "logout"
	AuditActionSystemFailure    AuditAction = "system_failure"
)

// AuditOutcome is the result recorded with an audit entry
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
	AuditOutcomeDenied  AuditOutcome = "denied"
	AuditOutcomeError   AuditOutcome = "error"
)

// AuditLog represents an append-only audit trail entry.
// Entries are built once through the With* helpers and never mutated after
// being handed to the audit service.
type AuditLog struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Action      AuditAction     `json:"action" db:"action"`
	Outcome     AuditOutcome    `json:"outcome" db:"outcome"`
	PrincipalID *string         `json:"principal_id,omitempty" db:"principal_id"`
	Username    string          `json:"username,omitempty" db:"username"`
	TokenID     *string         `json:"token_id,omitempty" db:"token_id"`
	Reason      string          `json:"reason,omitempty" db:"reason"`
	Details     json.RawMessage `json:"details,omitempty" db:"details"` // JSONB for flexible metadata
	IPAddress   string          `json:"ip_address" db:"ip_address"`
	UserAgent   string          `json:"user_agent" db:"user_agent"`
	RequestID   string          `json:"request_id" db:"request_id"`
	Path        string          `json:"path,omitempty" db:"path"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance stamped in UTC
func NewAuditLog(action AuditAction, outcome AuditOutcome) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		Action:    action,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
}

// WithPrincipal sets the principal identifier
func (a *AuditLog) WithPrincipal(principalID string) *AuditLog {
	if principalID != "" {
		a.PrincipalID = &principalID
	}
	return a
}

// WithUsername sets the username that was presented
func (a *AuditLog) WithUsername(username string) *AuditLog {
	a.Username = username
	return a
}

// WithToken sets the token identifier
func (a *AuditLog) WithToken(tokenID string) *AuditLog {
	if tokenID != "" {
		a.TokenID = &tokenID
	}
	return a
}

// WithReason sets the internal reason for the decision
func (a *AuditLog) WithReason(reason string) *AuditLog {
	a.Reason = reason
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress, userAgent, path string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	a.Path = path
	return a
}

// RequestSource describes where an authentication attempt came from
type RequestSource struct {
	RequestID string
	IPAddress string
	UserAgent string
	Path      string
}

// WithSource sets request metadata from a RequestSource
func (a *AuditLog) WithSource(src RequestSource) *AuditLog {
	return a.WithRequest(src.RequestID, src.IPAddress, src.UserAgent, src.Path)
}

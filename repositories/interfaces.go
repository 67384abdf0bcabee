package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/trading-auth/models"
)

// ErrNotFound is returned by lookups that matched no row
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// UserRepository is the credential store lookup used by the authentication core.
// Implementations return ErrNotFound (possibly wrapped) when no account matches.
type UserRepository interface {
	// GetByUsername retrieves a user by login name
	GetByUsername(ctx context.Context, username string) (*models.User, error)

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// Create stores a new user
	Create(ctx context.Context, user *models.User) error
}

// AuditFilter narrows an audit log listing
type AuditFilter struct {
	PrincipalID string
	Action      models.AuditAction
	Since       time.Time
	Limit       int
	Offset      int
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// InsertBatch inserts several entries atomically
	InsertBatch(ctx context.Context, logs []*models.AuditLog) error

	// List retrieves audit logs newest first
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users     UserRepository
	AuditLogs AuditRepository
}

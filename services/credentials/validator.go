// Package credentials checks username/password pairs against the user store
// and resolves principals for token refresh.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/repositories"
	"github.com/upb/trading-auth/services"
	"github.com/upb/trading-auth/services/roles"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// DefaultLookupTimeout bounds a single user store lookup
const DefaultLookupTimeout = 200 * time.Millisecond

// Option configures a Validator
type Option func(*Validator)

// WithLookupTimeout overrides the store lookup deadline
func WithLookupTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.lookupTimeout = d
		}
	}
}

// WithBcryptCost sets the cost of the dummy hash compared when a user is
// missing. It should match the cost of stored hashes.
func WithBcryptCost(cost int) Option {
	return func(v *Validator) {
		v.cost = cost
	}
}

// Validator authenticates username/password pairs
type Validator struct {
	users         repositories.UserRepository
	logger        *zap.Logger
	lookupTimeout time.Duration
	cost          int
	dummyHash     []byte
}

// NewValidator creates a Validator over the given user store
func NewValidator(users repositories.UserRepository, logger *zap.Logger, opts ...Option) (*Validator, error) {
	if users == nil {
		return nil, errors.New("user repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Validator{
		users:         users,
		logger:        logger,
		lookupTimeout: DefaultLookupTimeout,
		cost:          bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(v)
	}

	// The dummy hash is derived from an unguessable value so that it can
	// never match a presented password.
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to seed dummy hash: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(seed)), v.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to build dummy hash: %w", err)
	}
	v.dummyHash = hash

	return v, nil
}

// Validate checks the credentials and returns the resolved principal.
// Unknown users, wrong passwords and disabled accounts all yield
// services.ErrInvalidCredentials; store faults yield ErrSystemUnavailable.
func (v *Validator) Validate(ctx context.Context, username, password string) (*models.Principal, error) {
	if username == "" || password == "" {
		v.burn(password)
		return nil, services.ErrInvalidCredentials
	}

	user, err := v.lookup(ctx, username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			v.burn(password)
			return nil, services.ErrInvalidCredentials
		}
		v.logger.Error("credential lookup failed",
			zap.String("username", username),
			zap.Error(err))
		return nil, services.WrapUnavailable(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			v.logger.Error("stored password hash unusable",
				zap.String("user_id", user.ID.String()),
				zap.Error(err))
		}
		return nil, services.ErrInvalidCredentials
	}

	if !user.IsActive() {
		return nil, services.ErrInvalidCredentials
	}

	return roles.PrincipalFor(user), nil
}

// ResolvePrincipal re-reads a principal by id so role changes apply on refresh
func (v *Validator) ResolvePrincipal(ctx context.Context, principalID string) (*models.Principal, error) {
	id, err := uuid.Parse(principalID)
	if err != nil {
		return nil, services.ErrInvalidCredentials
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	user, err := v.users.GetByID(lookupCtx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrInvalidCredentials
		}
		v.logger.Error("principal lookup failed",
			zap.String("principal_id", principalID),
			zap.Error(err))
		return nil, services.WrapUnavailable(err)
	}
	if !user.IsActive() {
		return nil, services.ErrInvalidCredentials
	}

	return roles.PrincipalFor(user), nil
}

func (v *Validator) lookup(ctx context.Context, username string) (*models.User, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	user, err := v.users.GetByUsername(lookupCtx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, repositories.ErrNotFound
	}
	return user, nil
}

// burn spends one bcrypt comparison so a missing user costs the same as a
// wrong password
func (v *Validator) burn(password string) {
	_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
}

// Package memory provides an in-process user and audit store for development
// and tests. It is safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/repositories"
	"golang.org/x/crypto/bcrypt"
)

// SeedUser describes an account created at startup
type SeedUser struct {
	Username    string
	Password    string
	DisplayName string
	Email       string
	Role        string
}

// DevUsers are the development accounts the gateway ships with
var DevUsers = []SeedUser{
	{Username: "admin", Password: "password", DisplayName: "Administrator", Email: "admin@example.com", Role: "admin"},
	{Username: "trader1", Password: "trader123", DisplayName: "Trader One", Email: "trader1@example.com", Role: "trader"},
	{Username: "viewer1", Password: "viewer123", DisplayName: "Viewer One", Email: "viewer1@example.com", Role: "viewer"},
}

// UserRepository implements repositories.UserRepository in memory
type UserRepository struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*models.User
	byUsername map[string]uuid.UUID
}

// NewUserRepository creates an empty user repository
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:       make(map[uuid.UUID]*models.User),
		byUsername: make(map[string]uuid.UUID),
	}
}

// NewSeededUserRepository creates a repository holding the given accounts,
// hashing each password with bcrypt at the given cost
func NewSeededUserRepository(seeds []SeedUser, cost int) (*UserRepository, error) {
	repo := NewUserRepository()
	for _, seed := range seeds {
		user, err := BuildUser(seed, cost)
		if err != nil {
			return nil, err
		}
		if err := repo.Create(context.Background(), user); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// BuildUser hashes a seed account into a storable user
func BuildUser(seed SeedUser, cost int) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), cost)
	if err != nil {
		return nil, fmt.Errorf("hash password for %s: %w", seed.Username, err)
	}
	return models.NewUser(seed.Username, seed.DisplayName, seed.Email, string(hash), seed.Role), nil
}

// Create stores a copy of the user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	key := normalize(user.Username)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byUsername[key]; exists {
		return fmt.Errorf("user %q already exists", user.Username)
	}
	stored := *user
	r.byID[user.ID] = &stored
	r.byUsername[key] = user.ID
	return nil
}

// GetByUsername retrieves a user by login name, case-insensitively
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUsername[normalize(username)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	out := *r.byID[id]
	return &out, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	out := *user
	return &out, nil
}

// SetStatus changes the account status of an existing user
func (r *UserRepository) SetStatus(id uuid.UUID, status models.UserStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[id]
	if !ok {
		return repositories.ErrNotFound
	}
	user.Status = status
	return nil
}

// SetRole changes the stored raw role of an existing user
func (r *UserRepository) SetRole(id uuid.UUID, rawRole string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[id]
	if !ok {
		return repositories.ErrNotFound
	}
	user.RawRole = rawRole
	return nil
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

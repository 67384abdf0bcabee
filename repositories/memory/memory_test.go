package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/repositories"
	"golang.org/x/crypto/bcrypt"
)

func TestNewSeededUserRepository(t *testing.T) {
	repo, err := NewSeededUserRepository(DevUsers, bcrypt.MinCost)
	require.NoError(t, err)

	ctx := context.Background()
	for _, seed := range DevUsers {
		t.Run(seed.Username, func(t *testing.T) {
			user, err := repo.GetByUsername(ctx, seed.Username)
			require.NoError(t, err)
			assert.Equal(t, seed.Role, user.RawRole)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(seed.Password)))

			byID, err := repo.GetByID(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, user.Username, byID.Username)
		})
	}
}

func TestUserRepository_Lookup(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()
	user := models.NewUser("Trader1", "T", "t@example.com", "h", "trader")
	require.NoError(t, repo.Create(ctx, user))

	t.Run("case insensitive", func(t *testing.T) {
		got, err := repo.GetByUsername(ctx, " trader1 ")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		assert.Error(t, repo.Create(ctx, models.NewUser("trader1", "", "", "h", "viewer")))
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := repo.GetByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
		_, err = repo.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("returned copies are detached", func(t *testing.T) {
		got, err := repo.GetByUsername(ctx, "trader1")
		require.NoError(t, err)
		got.RawRole = "admin"

		again, err := repo.GetByUsername(ctx, "trader1")
		require.NoError(t, err)
		assert.Equal(t, "trader", again.RawRole)
	})

	t.Run("status and role updates", func(t *testing.T) {
		require.NoError(t, repo.SetRole(user.ID, "viewer"))
		require.NoError(t, repo.SetStatus(user.ID, models.UserStatusDisabled))

		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "viewer", got.RawRole)
		assert.False(t, got.IsActive())
		assert.ErrorIs(t, repo.SetRole(uuid.New(), "x"), repositories.ErrNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := repo.GetByUsername(cctx, "trader1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAuditRepository_List(t *testing.T) {
	repo := NewAuditRepository()
	ctx := context.Background()
	base := time.Now().UTC()

	first := models.NewAuditLog(models.AuditActionLoginSuccess, models.AuditOutcomeSuccess).WithPrincipal("u1")
	first.Timestamp = base
	second := models.NewAuditLog(models.AuditActionLogout, models.AuditOutcomeSuccess).WithPrincipal("u1")
	second.Timestamp = base.Add(time.Second)
	other := models.NewAuditLog(models.AuditActionLoginFailure, models.AuditOutcomeFailure)
	other.Timestamp = base.Add(2 * time.Second)

	require.NoError(t, repo.Insert(ctx, first))
	require.NoError(t, repo.InsertBatch(ctx, []*models.AuditLog{second, other}))
	assert.Equal(t, 3, repo.Len())

	logs, err := repo.List(ctx, repositories.AuditFilter{PrincipalID: "u1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, second.ID, logs[0].ID, "newest first")

	logs, err = repo.List(ctx, repositories.AuditFilter{Action: models.AuditActionLoginFailure})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	logs, err = repo.List(ctx, repositories.AuditFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, second.ID, logs[0].ID)

	logs, err = repo.List(ctx, repositories.AuditFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

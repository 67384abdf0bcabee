package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/trading-auth/config"
	"github.com/upb/trading-auth/handlers"
	"github.com/upb/trading-auth/internal/observability"
	"github.com/upb/trading-auth/middleware"
	"github.com/upb/trading-auth/repositories"
	"github.com/upb/trading-auth/repositories/memory"
	"github.com/upb/trading-auth/repositories/postgres"
	"github.com/upb/trading-auth/services/audit"
	"github.com/upb/trading-auth/services/auth"
	"github.com/upb/trading-auth/services/credentials"
	"github.com/upb/trading-auth/services/lockout"
	"github.com/upb/trading-auth/services/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// throttleSweepInterval is how often idle per-IP limiters are dropped
const throttleSweepInterval = time.Minute

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Storage. RepoFactory and Redis are nil when running on in-memory stores.
	RepoFactory *postgres.RepositoryFactory
	Redis       *redis.Client
	Users       repositories.UserRepository
	AuditLogs   repositories.AuditRepository

	// Authentication core
	Revocations token.RevocationSet
	Validator   *credentials.Validator
	Tokens      *token.Service
	Guard       *lockout.Guard
	Audit       *audit.Service
	Auth        *auth.Service

	// HTTP layer
	Session       *middleware.SessionMiddleware
	LoginThrottle *middleware.IPThrottle
	AuthHandler   *handlers.AuthHandler
	AuditHandler  *handlers.AuditHandler
	HealthHandler *handlers.HealthHandler

	memRevocations *token.MemoryRevocationSet
}

// NewDependencies creates and wires up all application dependencies.
// Background workers are started; Close stops them.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initRevocations(ctx, cfg); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize revocation store: %w", err)
	}

	if err := deps.initAuth(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize authentication: %w", err)
	}

	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initStorage connects the user and audit stores
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		if !cfg.Auth.SeedDevUsers {
			return fmt.Errorf("no database configured and development users disabled")
		}
		users, err := memory.NewSeededUserRepository(memory.DevUsers, bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		d.Users = users
		d.AuditLogs = memory.NewAuditRepository()
		d.Logger.Warn("no database configured, using in-memory stores with development users")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	repos := factory.NewRepositories()
	d.Users = repos.Users
	d.AuditLogs = repos.AuditLogs

	if cfg.Auth.SeedDevUsers && !cfg.IsProduction() {
		if err := seedUsers(ctx, d.Users, memory.DevUsers); err != nil {
			return fmt.Errorf("failed to seed development users: %w", err)
		}
	}

	d.Logger.Info("repositories initialized",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initRevocations selects the shared Redis set or the process-local one
func (d *Dependencies) initRevocations(ctx context.Context, cfg *config.Config) error {
	if !cfg.Redis.Enabled {
		mem := token.NewMemoryRevocationSet(d.Logger)
		mem.Start(cfg.Auth.PruneInterval)
		d.memRevocations = mem
		d.Revocations = mem
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.Redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Revocations = token.NewRedisRevocationSet(client, cfg.Redis.KeyPrefix)
	d.Logger.Info("redis revocation store connected", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// initAuth wires the credential validator, token service, lockout guard,
// audit pipeline and the authentication boundary
func (d *Dependencies) initAuth(cfg *config.Config) error {
	validator, err := credentials.NewValidator(d.Users, d.Logger,
		credentials.WithLookupTimeout(cfg.Auth.LookupTimeout))
	if err != nil {
		return err
	}
	d.Validator = validator

	keys, err := NewKeyring(cfg.Auth)
	if err != nil {
		return err
	}

	tokens, err := token.NewService(keys, token.Config{
		Issuer:     cfg.Auth.Issuer,
		SessionTTL: cfg.Auth.SessionTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, d.Revocations, d.Logger, token.WithResolver(validator))
	if err != nil {
		return err
	}
	d.Tokens = tokens

	d.Guard = lockout.NewGuard(
		lockout.WithThreshold(cfg.Lockout.Threshold),
		lockout.WithWindow(cfg.Lockout.Window),
		lockout.WithLockoutDuration(cfg.Lockout.Duration),
		lockout.WithMaxLockout(cfg.Lockout.MaxDuration),
		lockout.WithPolicy(lockout.Policy(cfg.Lockout.Policy)),
		lockout.WithLogger(d.Logger),
	)
	d.Guard.Start(cfg.Lockout.SweepInterval)

	d.Audit = audit.NewService(d.AuditLogs, d.Logger, audit.Config{
		BufferSize:   cfg.Audit.BufferSize,
		WorkerCount:  cfg.Audit.Workers,
		MaxRetries:   cfg.Audit.MaxRetries,
		RetryBackoff: cfg.Audit.RetryBackoff,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}, audit.WithMetrics(d.Metrics))
	if err := d.Audit.Start(); err != nil {
		return err
	}

	svc, err := auth.NewService(validator, tokens, d.Guard, d.Audit, d.Logger,
		auth.WithMetrics(d.Metrics),
		auth.WithGranularity(auth.Granularity(cfg.Lockout.Granularity)))
	if err != nil {
		return err
	}
	d.Auth = svc

	d.Logger.Info("authentication core initialized",
		zap.String("key_id", keys.CurrentID()),
		zap.Duration("session_ttl", cfg.Auth.SessionTTL),
		zap.Int("lockout_threshold", cfg.Lockout.Threshold),
		zap.String("lockout_granularity", cfg.Lockout.Granularity))
	return nil
}

// initHTTP builds the middleware and handlers
func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.Session = middleware.NewSessionMiddleware(d.Auth, DefaultRoutePolicy(), d.Audit, d.Metrics,
		middleware.SessionConfig{
			CookieName:     cfg.Auth.CookieName,
			LoginPath:      cfg.Auth.LoginPath,
			PublicPaths:    cfg.Auth.PublicPaths,
			PublicPrefixes: cfg.Auth.PublicPrefixes,
		}, d.Logger)

	d.LoginThrottle = middleware.NewIPThrottle(cfg.Lockout.IPRatePerSec, cfg.Lockout.IPBurst, cfg.Lockout.IPThrottleIdle, d.Logger)
	d.LoginThrottle.Start(throttleSweepInterval)

	d.AuthHandler = handlers.NewAuthHandler(d.Auth, handlers.CookieConfig{
		Name:   cfg.Auth.CookieName,
		Secure: cfg.Server.TLS.Enabled || cfg.IsProduction(),
	}, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.AuditLogs, d.Logger)

	var db *sql.DB
	if d.RepoFactory != nil {
		db = d.RepoFactory.GetDB().DB
	}
	var cache handlers.Pinger
	if shared, ok := d.Revocations.(*token.RedisRevocationSet); ok {
		cache = shared
	}
	d.HealthHandler = handlers.NewHealthHandler(db, cache, d.Logger)
}

// NewKeyring builds the signing keyring from the auth configuration
func NewKeyring(cfg config.AuthConfig) (*token.Keyring, error) {
	current := token.Key{ID: cfg.KeyID, Secret: []byte(cfg.Secret)}
	var previous *token.Key
	if cfg.PreviousSecret != "" {
		previous = &token.Key{ID: cfg.PreviousKeyID, Secret: []byte(cfg.PreviousSecret)}
	}
	return token.NewKeyring(current, previous)
}

// seedUsers creates the given accounts unless they already exist
func seedUsers(ctx context.Context, users repositories.UserRepository, seeds []memory.SeedUser) error {
	for _, seed := range seeds {
		_, err := users.GetByUsername(ctx, seed.Username)
		if err == nil {
			continue
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
		user, err := memory.BuildUser(seed, bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if err := users.Create(ctx, user); err != nil {
			return err
		}
	}
	return nil
}

// Close gracefully shuts down all dependencies. Audit entries still
// buffered are flushed before the stores close.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.LoginThrottle != nil {
		d.LoginThrottle.Stop()
	}
	if d.Guard != nil {
		d.Guard.Stop()
	}
	if d.memRevocations != nil {
		d.memRevocations.Stop()
	}

	if d.Audit != nil {
		timeout := d.Config.Audit.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush audit log: %w", err))
		} else {
			d.Logger.Info("audit log flushed")
		}
	}

	errs = append(errs, d.closeStorage()...)

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}

func (d *Dependencies) closeStorage() []error {
	var errs []error
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}
	return errs
}

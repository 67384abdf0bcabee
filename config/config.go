package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxClockSkew is the largest verification leeway the gateway accepts
const MaxClockSkew = 5 * time.Second

// minSecretBytes is the minimum signing secret length in production
const minSecretBytes = 32

// Lockout backoff policies
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Lockout key granularities
const (
	GranularityPrincipal = "principal"
	GranularityAddress   = "address"
	GranularityBoth      = "both"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit logs. When nil, audit uses main DB.
	Auth          AuthConfig
	Lockout       LockoutConfig
	Redis         RedisConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
// With neither DATABASE_URL nor DB_HOST set the gateway runs on the in-memory user store.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AuthConfig holds token signing and session settings
type AuthConfig struct {
	Secret         string
	KeyID          string
	PreviousSecret string // accepted for verification only, during key rotation
	PreviousKeyID  string
	Issuer         string
	SessionTTL     time.Duration
	RefreshTTL     time.Duration
	ClockSkew      time.Duration
	CookieName     string
	LoginPath      string
	LookupTimeout  time.Duration
	PruneInterval  time.Duration
	PublicPaths    []string
	PublicPrefixes []string
	SeedDevUsers   bool
}

// LockoutConfig holds failed-attempt lockout and login throttling settings
type LockoutConfig struct {
	Threshold      int
	Window         time.Duration
	Duration       time.Duration
	MaxDuration    time.Duration
	Policy         string // fixed or exponential
	Granularity    string // principal, address or both
	SweepInterval  time.Duration
	IPRatePerSec   float64
	IPBurst        int
	IPThrottleIdle time.Duration
}

// RedisConfig holds the shared revocation store settings
type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// AuditConfig holds audit pipeline settings
type AuditConfig struct {
	BufferSize      int
	Workers         int
	MaxRetries      int
	RetryBackoff    time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
	MetricsPath    string
	// MetricsAddr is the internal listener for the metrics endpoint. When
	// empty, metrics are served on the main router to audit readers only.
	MetricsAddr string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Auth: AuthConfig{
			Secret:         getEnv("AUTH_SECRET", ""),
			KeyID:          getEnv("AUTH_KEY_ID", "k1"),
			PreviousSecret: getEnv("AUTH_PREVIOUS_SECRET", ""),
			PreviousKeyID:  getEnv("AUTH_PREVIOUS_KEY_ID", ""),
			Issuer:         getEnv("AUTH_ISSUER", "trading-auth"),
			SessionTTL:     getEnvAsDuration("AUTH_SESSION_TTL", time.Hour),
			RefreshTTL:     getEnvAsDuration("AUTH_REFRESH_TTL", 7*24*time.Hour),
			ClockSkew:      getEnvAsDuration("AUTH_CLOCK_SKEW", MaxClockSkew),
			CookieName:     getEnv("AUTH_COOKIE_NAME", "session"),
			LoginPath:      getEnv("AUTH_LOGIN_PATH", "/login"),
			LookupTimeout:  getEnvAsDuration("AUTH_LOOKUP_TIMEOUT", 200*time.Millisecond),
			PruneInterval:  getEnvAsDuration("AUTH_REVOCATION_PRUNE_INTERVAL", time.Minute),
			PublicPaths:    getEnvAsSlice("AUTH_PUBLIC_PATHS", []string{"/login", "/healthz", "/readyz", "/api/v1/auth/login", "/api/v1/auth/refresh"}),
			PublicPrefixes: getEnvAsSlice("AUTH_PUBLIC_PREFIXES", []string{"/static/"}),
			SeedDevUsers:   getEnvAsBool("AUTH_SEED_DEV_USERS", true),
		},
		Lockout: LockoutConfig{
			Threshold:      getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			Window:         getEnvAsDuration("LOCKOUT_WINDOW", 15*time.Minute),
			Duration:       getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			MaxDuration:    getEnvAsDuration("LOCKOUT_MAX_DURATION", 24*time.Hour),
			Policy:         strings.ToLower(getEnv("LOCKOUT_POLICY", BackoffFixed)),
			Granularity:    strings.ToLower(getEnv("LOCKOUT_GRANULARITY", GranularityBoth)),
			SweepInterval:  getEnvAsDuration("LOCKOUT_SWEEP_INTERVAL", 5*time.Minute),
			IPRatePerSec:   getEnvAsFloat("LOGIN_RATE_PER_SECOND", 2),
			IPBurst:        getEnvAsInt("LOGIN_RATE_BURST", 10),
			IPThrottleIdle: getEnvAsDuration("LOGIN_RATE_IDLE_TTL", 10*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:   getEnvAsBool("REDIS_ENABLED", false),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "auth:revoked:"),
		},
		Audit: AuditConfig{
			BufferSize:      getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			Workers:         getEnvAsInt("AUDIT_WORKERS", 4),
			MaxRetries:      getEnvAsInt("AUDIT_MAX_RETRIES", 3),
			RetryBackoff:    getEnvAsDuration("AUDIT_RETRY_BACKOFF", 100*time.Millisecond),
			WriteTimeout:    getEnvAsDuration("AUDIT_WRITE_TIMEOUT", 5*time.Second),
			ShutdownTimeout: getEnvAsDuration("AUDIT_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
			MetricsAddr:    getEnv("METRICS_ADDR", "127.0.0.1:9090"),
		},
	}

	// Development runs get an ephemeral secret; tokens die with the process.
	if cfg.Auth.Secret == "" && !cfg.IsProduction() {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate development secret: %w", err)
		}
		cfg.Auth.Secret = secret
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.IsProduction() && !c.Database.Enabled() {
		return fmt.Errorf("database configuration required in production: set DATABASE_URL or DB_HOST")
	}

	// Auth validation
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if c.IsProduction() && len(c.Auth.Secret) < minSecretBytes {
		return fmt.Errorf("auth secret must be at least %d bytes in production", minSecretBytes)
	}
	if c.Auth.PreviousSecret != "" && c.Auth.PreviousKeyID == "" {
		return fmt.Errorf("previous key id is required when a previous secret is set")
	}
	if c.Auth.PreviousKeyID != "" && c.Auth.PreviousKeyID == c.Auth.KeyID {
		return fmt.Errorf("previous key id must differ from current key id")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.RefreshTTL <= c.Auth.SessionTTL {
		return fmt.Errorf("refresh TTL (%s) must exceed session TTL (%s)", c.Auth.RefreshTTL, c.Auth.SessionTTL)
	}
	if c.Auth.ClockSkew < 0 || c.Auth.ClockSkew > MaxClockSkew {
		return fmt.Errorf("clock skew must be between 0 and %s", MaxClockSkew)
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("session cookie name is required")
	}

	// Lockout validation
	if c.Lockout.Threshold <= 0 {
		return fmt.Errorf("lockout threshold must be positive")
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("lockout window and duration must be positive")
	}
	if c.Lockout.MaxDuration < c.Lockout.Duration {
		return fmt.Errorf("lockout max duration must be at least the base duration")
	}
	switch c.Lockout.Policy {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown lockout policy %q", c.Lockout.Policy)
	}
	switch c.Lockout.Granularity {
	case GranularityPrincipal, GranularityAddress, GranularityBoth:
	default:
		return fmt.Errorf("unknown lockout granularity %q", c.Lockout.Granularity)
	}

	// Audit validation
	if c.Audit.BufferSize <= 0 || c.Audit.Workers <= 0 {
		return fmt.Errorf("audit buffer size and workers must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}


// Enabled reports whether a PostgreSQL store is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "auth"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "trading_auth"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func randomSecret() (string, error) {
	buf := make([]byte, minSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma separated value, dropping empty items
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Usage counter backends.
const (
	QuotaBackendRedis    = "redis"
	QuotaBackendPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database   DatabaseConfig
	TenantPool TenantPoolConfig
	Redis      RedisConfig
	Quota      QuotaConfig
	Server     ServerConfig
	SelfHosted bool
}

// DatabaseConfig holds PostgreSQL connection settings for the shared pool.
type DatabaseConfig struct {
	Host             string
	Port             int
	User             string
	Password         string //nolint:gosec // G117: DB connection config
	DBName           string
	SSLMode          string
	MaxConns         int
	MinConns         int
	CheckoutTimeout  time.Duration
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	IdleTimeout      time.Duration
	AutoMigrate      bool
}

// TenantPoolConfig sizes the dedicated schema-per-tenant pools.
type TenantPoolConfig struct {
	MaxConns    int
	MinConns    int
	CacheSize   int
	IdleTimeout time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// QuotaConfig selects where usage counters live.
type QuotaConfig struct {
	Backend string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string
	RateLimitBurst int
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// the DB password must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("TENANTD_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("TENANTD_DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMinConns, err := getEnvInt("TENANTD_DB_MIN_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	checkoutTimeout, err := getEnvDuration("TENANTD_DB_CHECKOUT_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	statementTimeout, err := getEnvDuration("TENANTD_DB_STATEMENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	lockTimeout, err := getEnvDuration("TENANTD_DB_LOCK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	idleTimeout, err := getEnvDuration("TENANTD_DB_IDLE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	autoMigrate, err := getEnvBool("TENANTD_DB_AUTO_MIGRATE", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tenantMaxConns, err := getEnvInt("TENANTD_TENANT_POOL_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tenantMinConns, err := getEnvInt("TENANTD_TENANT_POOL_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tenantCacheSize, err := getEnvInt("TENANTD_TENANT_POOL_CACHE_SIZE", 64)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tenantIdle, err := getEnvDuration("TENANTD_TENANT_POOL_IDLE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("TENANTD_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("TENANTD_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("TENANTD_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("TENANTD_RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	selfHosted, err := getEnvBool("TENANTD_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("TENANTD_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:             getEnv("TENANTD_DB_HOST", "localhost"),
			Port:             dbPort,
			User:             getEnv("TENANTD_DB_USER", "tenantd"),
			Password:         getEnv("TENANTD_DB_PASSWORD", ""),
			DBName:           getEnv("TENANTD_DB_NAME", "tenantd_dev"),
			SSLMode:          getEnv("TENANTD_DB_SSLMODE", "disable"),
			MaxConns:         dbMaxConns,
			MinConns:         dbMinConns,
			CheckoutTimeout:  checkoutTimeout,
			StatementTimeout: statementTimeout,
			LockTimeout:      lockTimeout,
			IdleTimeout:      idleTimeout,
			AutoMigrate:      autoMigrate,
		},
		TenantPool: TenantPoolConfig{
			MaxConns:    tenantMaxConns,
			MinConns:    tenantMinConns,
			CacheSize:   tenantCacheSize,
			IdleTimeout: tenantIdle,
		},
		Redis: RedisConfig{
			Addr:     getEnv("TENANTD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("TENANTD_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Quota: QuotaConfig{
			Backend: strings.ToLower(getEnv("TENANTD_QUOTA_BACKEND", QuotaBackendRedis)),
		},
		Server: ServerConfig{
			Addr:           getEnv("TENANTD_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    corsOrigins,
			RateLimitBurst: burst,
		},
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// DB SSL mode warning for non-self-hosted deployments.
	if c.Database.SSLMode == "disable" && !c.SelfHosted {
		log.Warn().Msg("TENANTD_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("TENANTD_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 || c.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("TENANTD_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("TENANTD_DB_MIN_CONNS must be 0-%d, got %d", c.Database.MaxConns, c.Database.MinConns)
	}
	if c.Database.CheckoutTimeout <= 0 {
		return fmt.Errorf("TENANTD_DB_CHECKOUT_TIMEOUT must be positive, got %s", c.Database.CheckoutTimeout)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("TENANTD_DB_STATEMENT_TIMEOUT must not be negative, got %s", c.Database.StatementTimeout)
	}
	if c.Database.LockTimeout < 0 {
		return fmt.Errorf("TENANTD_DB_LOCK_TIMEOUT must not be negative, got %s", c.Database.LockTimeout)
	}
	if c.TenantPool.MaxConns < 1 || c.TenantPool.MaxConns > math.MaxInt32 {
		return fmt.Errorf("TENANTD_TENANT_POOL_MAX_CONNS must be >= 1, got %d", c.TenantPool.MaxConns)
	}
	if c.TenantPool.MinConns < 0 || c.TenantPool.MinConns > c.TenantPool.MaxConns {
		return fmt.Errorf("TENANTD_TENANT_POOL_MIN_CONNS must be 0-%d, got %d", c.TenantPool.MaxConns, c.TenantPool.MinConns)
	}
	if c.TenantPool.CacheSize < 1 {
		return fmt.Errorf("TENANTD_TENANT_POOL_CACHE_SIZE must be >= 1, got %d", c.TenantPool.CacheSize)
	}
	if c.TenantPool.IdleTimeout <= 0 {
		return fmt.Errorf("TENANTD_TENANT_POOL_IDLE_TIMEOUT must be positive, got %s", c.TenantPool.IdleTimeout)
	}
	if c.Quota.Backend != QuotaBackendRedis && c.Quota.Backend != QuotaBackendPostgres {
		return fmt.Errorf("TENANTD_QUOTA_BACKEND must be %q or %q, got %q", QuotaBackendRedis, QuotaBackendPostgres, c.Quota.Backend)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("TENANTD_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("TENANTD_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("TENANTD_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

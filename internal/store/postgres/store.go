package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/tenancy"
)

//go:embed schema.sql
var schemaSQL string

type PoolConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	StatementTimeout time.Duration
	LockTimeout      time.Duration
	IdleTimeout      time.Duration

	// SearchPath overrides the server default for every connection.
	SearchPath string
}

// NewPool opens and pings a pgx pool. Timeouts are applied as runtime
// parameters so they hold for every statement on every connection.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres.NewPool: parse config: %w", err)
	}

	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.IdleTimeout > 0 {
		pcfg.MaxConnIdleTime = cfg.IdleTimeout
	}

	params := pcfg.ConnConfig.RuntimeParams
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	if cfg.LockTimeout > 0 {
		params["lock_timeout"] = strconv.FormatInt(cfg.LockTimeout.Milliseconds(), 10)
	}
	if cfg.SearchPath != "" {
		params["search_path"] = cfg.SearchPath
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.NewPool: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.NewPool: ping: %w", err)
	}

	return pool, nil
}

// TenantPoolFactory opens dedicated pools for schema-per-tenant deployments.
// Each pool inherits base with the tenant schema first on the search path.
func TenantPoolFactory(base PoolConfig) tenancy.TenantPoolFactory {
	return func(ctx context.Context, _, schema string) (tenancy.Pool, error) {
		cfg := base
		cfg.SearchPath = pgx.Identifier{schema}.Sanitize() + ",public"

		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres.TenantPoolFactory: %w", err)
		}
		return NewTenancyPool(pool), nil
	}
}

// TenancyPool adapts a pgxpool.Pool to tenancy.Pool.
type TenancyPool struct {
	pool *pgxpool.Pool
}

func NewTenancyPool(pool *pgxpool.Pool) *TenancyPool {
	return &TenancyPool{pool: pool}
}

func (p *TenancyPool) Acquire(ctx context.Context) (tenancy.PooledConn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledConn{Conn: conn}, nil
}

func (p *TenancyPool) Stat() tenancy.PoolStat {
	s := p.pool.Stat()
	return tenancy.PoolStat{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
	}
}

func (p *TenancyPool) Close() {
	p.pool.Close()
}

type pooledConn struct {
	*pgxpool.Conn
}

// Destroy takes the connection out of the pool and closes it.
func (c *pooledConn) Destroy(ctx context.Context) error {
	return c.Hijack().Close(ctx)
}

type Store struct {
	pool    *pgxpool.Pool
	tenants *TenantRepo
}

func New(ctx context.Context, cfg PoolConfig) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: %w", err)
	}

	return NewWithPool(pool), nil
}

func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:    pool,
		tenants: NewTenantRepo(pool),
	}
}

// EnsureSchema creates the tenant and usage tables and their RLS policy.
// Every statement is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres.EnsureSchema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// TenancyPool returns the shared pool wrapped for tenancy.ConnectionPool.
func (s *Store) TenancyPool() *TenancyPool {
	return NewTenancyPool(s.pool)
}

func (s *Store) Tenants() domain.TenantRepository {
	return s.tenants
}

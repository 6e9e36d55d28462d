package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/metrics"
)

const (
	DefaultCheckoutTimeout       = 2 * time.Second
	DefaultCleanupTimeout        = 5 * time.Second
	DefaultMaxTenantPools        = 64
	DefaultTenantPoolIdleTimeout = 10 * time.Minute
)

var ErrConnReleased = errors.New("tenancy: connection already released")

// TenantLookup resolves a tenant id to its current record.
type TenantLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
}

type Options struct {
	// CheckoutTimeout bounds the wait for a free connection.
	CheckoutTimeout time.Duration

	// CleanupTimeout bounds clear, rollback and destroy on the way out. They
	// run detached from the caller's cancellation.
	CleanupTimeout time.Duration

	// TenantPoolFactory builds dedicated schema-per-tenant pools. Nil
	// disables TenantPool.
	TenantPoolFactory     TenantPoolFactory
	MaxTenantPools        int
	TenantPoolIdleTimeout time.Duration

	// Tenants, when set, is consulted before a tenant context is applied.
	// Unknown and soft-deleted tenants never get a connection.
	Tenants TenantLookup

	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.CheckoutTimeout <= 0 {
		o.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	if o.MaxTenantPools <= 0 {
		o.MaxTenantPools = DefaultMaxTenantPools
	}
	if o.TenantPoolIdleTimeout < 0 {
		o.TenantPoolIdleTimeout = 0
	}
}

// ConnectionPool wraps a shared Pool so that every checkout carries exactly
// one tenant context and every release clears it first. Raw connections are
// never handed out.
type ConnectionPool struct {
	primary     Pool
	opts        Options
	metrics     *metrics.Metrics
	tenantPools *tenantPools

	closeOnce sync.Once
	closed    atomic.Bool

	checkouts atomic.Int64
	releases  atomic.Int64
	destroyed atomic.Int64
}

// Stats counts checkouts over the pool's lifetime.
type Stats struct {
	Checkouts   int64
	Releases    int64
	Destroyed   int64
	TenantPools int
	Primary     PoolStat
}

func NewConnectionPool(primary Pool, opts Options) *ConnectionPool {
	opts.setDefaults()

	p := &ConnectionPool{
		primary: primary,
		opts:    opts,
		metrics: opts.Metrics,
	}
	if opts.TenantPoolFactory != nil {
		p.tenantPools = newTenantPools(opts.TenantPoolFactory, opts.MaxTenantPools, opts.TenantPoolIdleTimeout, opts.Metrics)
	}

	return p
}

// GetConnection checks out a connection armed with tenantID's context. The
// caller must Release it.
func (p *ConnectionPool) GetConnection(ctx context.Context, tenantID uuid.UUID) (*TenantConn, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("tenancy.GetConnection: %w", &ContextApplicationError{Op: OpSet, Err: errNilTenant})
	}
	if err := p.checkLive(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("tenancy.GetConnection: %w", err)
	}

	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenancy.GetConnection: %w", err)
	}

	if err := SetSessionTenantContext(ctx, conn, tenantID); err != nil {
		p.metrics.ContextFailure(OpSet)
		log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("tenancy.GetConnection: failed to apply tenant context")
		p.destroy(ctx, conn)
		return nil, fmt.Errorf("tenancy.GetConnection: %w", err)
	}

	return &TenantConn{pool: p, conn: conn, tenantID: tenantID}, nil
}

// Exec runs one statement under tenantID's context.
func (p *ConnectionPool) Exec(ctx context.Context, tenantID uuid.UUID, sql string, args ...any) (tag pgconn.CommandTag, err error) {
	conn, err := p.GetConnection(ctx, tenantID)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("tenancy.Exec: %w", err)
	}
	defer func() {
		if relErr := conn.Release(ctx); relErr != nil {
			err = errors.Join(err, fmt.Errorf("tenancy.Exec: %w", relErr))
		}
	}()

	tag, err = conn.Exec(ctx, sql, args...)
	if err != nil {
		return tag, fmt.Errorf("tenancy.Exec: %w", err)
	}

	return tag, nil
}

// QueryRow runs a single-row query under tenantID's context and hands the
// row to scan before the connection is released.
func (p *ConnectionPool) QueryRow(ctx context.Context, tenantID uuid.UUID, scan func(pgx.Row) error, sql string, args ...any) (err error) {
	conn, err := p.GetConnection(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenancy.QueryRow: %w", err)
	}
	defer func() {
		if relErr := conn.Release(ctx); relErr != nil {
			err = errors.Join(err, fmt.Errorf("tenancy.QueryRow: %w", relErr))
		}
	}()

	return scan(conn.QueryRow(ctx, sql, args...))
}

// Query runs sql under tenantID's context and collects every row with scan.
// The rows are fully read before the connection is released.
func Query[T any](ctx context.Context, p *ConnectionPool, tenantID uuid.UUID, scan pgx.RowToFunc[T], sql string, args ...any) (out []T, err error) {
	conn, err := p.GetConnection(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Query: %w", err)
	}
	defer func() {
		if relErr := conn.Release(ctx); relErr != nil {
			err = errors.Join(err, fmt.Errorf("tenancy.Query: %w", relErr))
		}
	}()

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Query: %w", err)
	}

	out, err = pgx.CollectRows(rows, scan)
	if err != nil {
		return nil, fmt.Errorf("tenancy.Query: collect: %w", err)
	}

	return out, nil
}

// Transaction runs fn inside BEGIN/COMMIT with tenantID applied as the first
// statement of the transaction. Any error from fn, or a panic, rolls back.
// fn's error is returned as is.
func (p *ConnectionPool) Transaction(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx Conn) error) (err error) {
	if tenantID == uuid.Nil {
		return fmt.Errorf("tenancy.Transaction: %w", &ContextApplicationError{Op: OpSet, Err: errNilTenant})
	}
	if err := p.checkLive(ctx, tenantID); err != nil {
		return fmt.Errorf("tenancy.Transaction: %w", err)
	}

	conn, err := p.acquire(ctx)
	if err != nil {
		return fmt.Errorf("tenancy.Transaction: %w", err)
	}
	defer func() {
		if relErr := p.release(ctx, conn); relErr != nil {
			err = errors.Join(err, fmt.Errorf("tenancy.Transaction: %w", relErr))
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tenancy.Transaction: begin: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rbCtx, cancel := p.cleanupContext(ctx)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Error().Err(rbErr).Str("tenant_id", tenantID.String()).Msg("tenancy.Transaction: rollback failed")
		}
	}()

	if err := SetTenantContext(ctx, tx, tenantID); err != nil {
		p.metrics.ContextFailure(OpSet)
		return fmt.Errorf("tenancy.Transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tenancy.Transaction: commit: %w", err)
	}
	committed = true

	return nil
}

// TenantPool returns the dedicated pool for a schema-per-tenant deployment,
// creating it on first use. Concurrent callers for the same slug share one
// pool.
func (p *ConnectionPool) TenantPool(ctx context.Context, slug string) (Pool, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("tenancy.TenantPool: %w", ErrPoolClosed)
	}
	if p.tenantPools == nil {
		return nil, errors.New("tenancy.TenantPool: no tenant pool factory configured")
	}

	pool, err := p.tenantPools.get(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("tenancy.TenantPool: %w", err)
	}

	return pool, nil
}

// Close closes the primary pool and every cached tenant pool. Safe to call
// more than once.
func (p *ConnectionPool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.tenantPools != nil {
			p.tenantPools.close()
		}
		p.primary.Close()
	})
}

func (p *ConnectionPool) Stats() Stats {
	s := Stats{
		Checkouts: p.checkouts.Load(),
		Releases:  p.releases.Load(),
		Destroyed: p.destroyed.Load(),
		Primary:   p.primary.Stat(),
	}
	if p.tenantPools != nil {
		s.TenantPools = p.tenantPools.len()
	}
	return s
}

// Ping checks out one connection and confirms it carries no tenant context.
// A connection that still carries one is destroyed.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return fmt.Errorf("tenancy.Ping: %w", err)
	}

	id, ok, err := CurrentTenant(ctx, conn)
	if err != nil {
		p.destroy(ctx, conn)
		return fmt.Errorf("tenancy.Ping: %w", err)
	}
	if ok {
		p.metrics.ContextFailure(OpClear)
		log.Error().Str("tenant_id", id.String()).Msg("tenancy.Ping: idle connection carried a tenant context")
		p.destroy(ctx, conn)
		return fmt.Errorf("tenancy.Ping: %w", &ContextApplicationError{Op: OpClear, TenantID: id, Err: errStaleContext})
	}

	conn.Release()
	p.releases.Add(1)

	return nil
}

// checkLive fails for tenants that are unknown or soft-deleted. Without a
// TenantLookup every id passes.
func (p *ConnectionPool) checkLive(ctx context.Context, tenantID uuid.UUID) error {
	if p.opts.Tenants == nil {
		return nil
	}

	t, err := p.opts.Tenants.FindByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("lookup tenant: %w", err)
	}
	if err := t.Live(); err != nil {
		log.Warn().Str("tenant_id", tenantID.String()).Msg("tenancy.checkLive: refused context for deleted tenant")
		return err
	}

	return nil
}

func (p *ConnectionPool) acquire(ctx context.Context) (PooledConn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.CheckoutTimeout)
	defer cancel()

	conn, err := p.primary.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			p.metrics.Checkout(metrics.ResultExhausted)
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, p.opts.CheckoutTimeout)
		}
		p.metrics.Checkout(metrics.ResultError)
		return nil, fmt.Errorf("acquire: %w", err)
	}

	p.checkouts.Add(1)
	p.metrics.Checkout(metrics.ResultOK)

	return conn, nil
}

// release clears the tenant context and returns conn to the pool. When the
// clear fails the connection is destroyed instead.
func (p *ConnectionPool) release(ctx context.Context, conn PooledConn) error {
	cctx, cancel := p.cleanupContext(ctx)
	defer cancel()

	if err := ClearTenantContext(cctx, conn); err != nil {
		p.metrics.ContextFailure(OpClear)
		log.Error().Err(err).Msg("tenancy.release: failed to clear tenant context")
		p.destroy(cctx, conn)
		return err
	}

	conn.Release()
	p.releases.Add(1)

	return nil
}

func (p *ConnectionPool) destroy(ctx context.Context, conn PooledConn) {
	cctx, cancel := p.cleanupContext(ctx)
	defer cancel()

	if err := conn.Destroy(cctx); err != nil {
		log.Warn().Err(err).Msg("tenancy.destroy: close connection")
	}
	p.destroyed.Add(1)
	p.metrics.ConnectionDestroyed()
	log.Warn().Msg("tenancy.destroy: connection closed instead of returned to pool")
}

func (p *ConnectionPool) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.opts.CleanupTimeout)
}

// TenantConn is a checked-out connection carrying one tenant's context.
type TenantConn struct {
	pool     *ConnectionPool
	conn     PooledConn
	tenantID uuid.UUID
	released atomic.Bool
}

func (c *TenantConn) TenantID() uuid.UUID {
	return c.tenantID
}

func (c *TenantConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if c.released.Load() {
		return pgconn.CommandTag{}, ErrConnReleased
	}
	return c.conn.Exec(ctx, sql, args...)
}

func (c *TenantConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if c.released.Load() {
		return nil, ErrConnReleased
	}
	return c.conn.Query(ctx, sql, args...)
}

func (c *TenantConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if c.released.Load() {
		return errRow{err: ErrConnReleased}
	}
	return c.conn.QueryRow(ctx, sql, args...)
}

// Release clears the tenant context and returns the connection. Only the
// first call does anything.
func (c *TenantConn) Release(ctx context.Context) error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	return c.pool.release(ctx, c.conn)
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}

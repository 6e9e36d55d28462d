package tenancy_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/tenancy"
)

var errBoom = errors.New("boom")

// fakeConn is an in-memory PooledConn that records every statement and
// tracks the tenant setting the way Postgres scopes it.
type fakeConn struct {
	id   int
	pool *fakePool

	mu        sync.Mutex
	log       []string
	session   string
	local     string
	inTx      bool
	destroyed bool

	setErr     error
	setReadsAs *string
	clearErr   error
	execErr    error
	commitErr  error
	rows       [][]any
}

func (c *fakeConn) record(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, entry)
}

// Log returns the recorded statements.
func (c *fakeConn) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *fakeConn) Last() string {
	l := c.Log()
	if len(l) == 0 {
		return ""
	}
	return l[len(l)-1]
}

// current returns the tenant the next statement would see.
func (c *fakeConn) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx && c.local != "" {
		return c.local
	}
	return c.session
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.HasPrefix(sql, "RESET") {
		c.record("RESET")
		if c.clearErr != nil {
			return pgconn.CommandTag{}, c.clearErr
		}
		c.mu.Lock()
		c.session = ""
		c.local = ""
		c.mu.Unlock()
		return pgconn.NewCommandTag("RESET"), nil
	}

	c.record(fmt.Sprintf("EXEC %s tenant=%s", sql, c.current()))
	if c.execErr != nil {
		return pgconn.CommandTag{}, c.execErr
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (c *fakeConn) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	c.record(fmt.Sprintf("QUERY %s tenant=%s", sql, c.current()))
	if c.execErr != nil {
		return nil, c.execErr
	}
	return &fakeRows{rows: c.rows, idx: -1}, nil
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "set_config"):
		id, _ := args[0].(string)
		local, _ := args[1].(bool)
		c.record(fmt.Sprintf("SET %s local=%t", id, local))
		if c.setErr != nil {
			return fakeRow{err: c.setErr}
		}
		c.mu.Lock()
		if local {
			if c.inTx {
				c.local = id
			}
		} else {
			c.session = id
		}
		c.mu.Unlock()
		if c.setReadsAs != nil {
			return fakeRow{values: []any{*c.setReadsAs}}
		}
		return fakeRow{values: []any{id}}

	case strings.Contains(sql, "current_setting"):
		c.record("SHOW")
		cur := c.current()
		if cur == "" {
			return fakeRow{values: []any{(*string)(nil)}}
		}
		return fakeRow{values: []any{&cur}}
	}

	c.record(fmt.Sprintf("QUERYROW %s tenant=%s", sql, c.current()))
	if c.execErr != nil {
		return fakeRow{err: c.execErr}
	}
	return fakeRow{values: []any{int64(42)}}
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	c.record("BEGIN")
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	return &fakeTx{conn: c}, nil
}

func (c *fakeConn) Release() {
	c.record("RELEASE")
	c.pool.put(c)
}

func (c *fakeConn) Destroy(context.Context) error {
	c.record("DESTROY")
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.pool.replace()
	return nil
}

func (c *fakeConn) endTx(entry string) {
	c.record(entry)
	c.mu.Lock()
	c.inTx = false
	c.local = ""
	c.mu.Unlock()
}

// fakeTx scopes statements to its connection. Methods the pool does not use
// panic through the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	conn   *fakeConn
	closed bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.conn.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.conn.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.conn.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.conn.endTx("COMMIT")
	return t.conn.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.conn.endTx("ROLLBACK")
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case **string:
			*p = r.values[i].(*string)
		case *int64:
			*p = r.values[i].(int64)
		default:
			return fmt.Errorf("fakeRow: unsupported dest %T", d)
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	return fakeRow{values: r.rows[r.idx]}.Scan(dest...)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.idx], nil
}

// fakePool hands out a fixed set of fakeConns. Acquire blocks until one is
// free or ctx is done.
type fakePool struct {
	idle   chan *fakeConn
	mu     sync.Mutex
	all    []*fakeConn
	next   int
	closed bool
	closes int
}

func newFakePool(size int) *fakePool {
	p := &fakePool{idle: make(chan *fakeConn, size)}
	for range size {
		p.idle <- p.newConn()
	}
	return p
}

func (p *fakePool) newConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	c := &fakeConn{id: p.next, pool: p}
	p.all = append(p.all, c)
	return c
}

func (p *fakePool) conn(i int) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.all[i]
}

func (p *fakePool) put(c *fakeConn) {
	p.idle <- c
}

func (p *fakePool) replace() {
	p.idle <- p.newConn()
}

func (p *fakePool) Acquire(ctx context.Context) (tenancy.PooledConn, error) {
	select {
	case c := <-p.idle:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePool) Stat() tenancy.PoolStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := int32(len(p.idle))
	total := int32(cap(p.idle))
	return tenancy.PoolStat{
		TotalConns:    total,
		IdleConns:     idle,
		AcquiredConns: total - idle,
		MaxConns:      total,
	}
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closes++
}

func (p *fakePool) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeTenants is a read-only tenant registry.
type fakeTenants map[uuid.UUID]*domain.Tenant

func (f fakeTenants) FindByID(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	t, ok := f[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func registeredTenant(id uuid.UUID, slug string) *domain.Tenant {
	return domain.TenantFromPersistence(domain.TenantRecord{
		ID:     id,
		Name:   slug,
		Slug:   slug,
		Tier:   domain.TierStarter,
		Status: domain.TenantStatusActive,
		Quotas: domain.TierQuotas[domain.TierStarter],
		Config: domain.DefaultTenantConfig(),
	})
}

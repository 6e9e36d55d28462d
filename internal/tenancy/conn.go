package tenancy

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the statement surface shared by pooled connections and
// transactions. *pgxpool.Conn, *pgx.Conn and pgx.Tx all satisfy it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PooledConn is a connection checked out of a Pool.
type PooledConn interface {
	Conn
	Begin(ctx context.Context) (pgx.Tx, error)

	// Release returns the connection to its pool.
	Release()

	// Destroy closes the physical connection so it never goes back to the
	// pool. Used when the tenant context on it cannot be confirmed clean.
	Destroy(ctx context.Context) error
}

// PoolStat is a point-in-time snapshot of a Pool.
type PoolStat struct {
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32
	MaxConns      int32
}

// Pool hands out physical connections. Acquire blocks until a connection is
// free or ctx is done.
type Pool interface {
	Acquire(ctx context.Context) (PooledConn, error)
	Stat() PoolStat
	Close()
}

// Package postgres implements the storage.Store interface (spec §6.3)
// against PostgreSQL via pgx, following and161185-goph-keeper's
// repository/pool split so the pool can be swapped for pgxmock in tests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is a minimal abstraction over a Postgres connection pool,
// implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// DB wraps a pgx pool to satisfy repository constructors.
type DB struct{ Pool PgxPool }

// Dial opens a connection pool for dsn, retrying with backoff since the
// server and the database commonly start concurrently in a compose/k8s
// environment (teacher agent's use of cenkalti/backoff for discovery
// retries is repurposed here for the same "transient unavailability on
// startup" problem).
func Dial(ctx context.Context, dsn string) (*DB, error) {
	var pool *pgxpool.Pool
	op := func() error {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("dial postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() { db.Pool.Close() }

// Package postgres implements the write store, the outbox and the read store
// on PostgreSQL.
package postgres

import (
	"context"

	"github.com/go-faster/errors"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-cqrs/internal/domain/order"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}

	return pool, nil
}

// RunMigrations executes an embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

const uniqueViolation = "23505"

// Constraint names from db/migrations/001_write.sql.
const (
	ordersPKey           = "orders_pkey"
	ordersOrderNumberKey = "orders_order_number_key"
)

func isUniqueViolation(err error) bool {
	_, ok := uniqueViolationOn(err)
	return ok
}

// uniqueViolationOn returns the violated constraint of a unique violation.
func uniqueViolationOn(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return "", false
	}
	return pgErr.ConstraintName, true
}

// createError maps an order insert failure to the repository contract.
func createError(err error) error {
	constraint, ok := uniqueViolationOn(err)
	switch {
	case !ok:
		return errors.Wrap(err, "insert order")
	case constraint == ordersPKey:
		return order.ErrAlreadyExists
	case constraint == ordersOrderNumberKey:
		return order.ErrOrderNumberTaken
	default:
		return errors.Wrapf(err, "insert order: unique constraint %q", constraint)
	}
}

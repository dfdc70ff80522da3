package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/event"
)

const (
	orderColumns = `id, user_id, user_email, user_name, order_number, status, items, total_amount,
		shipping_address, billing_address, cancellation_reason, notes, payment_id, payment_method,
		created_at, updated_at, completed_at, cancelled_at, version`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM order_write.orders WHERE id = $1`

	createOrderSQL = `INSERT INTO order_write.orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	updateOrderSQL = `UPDATE order_write.orders SET
			status = $3, cancellation_reason = $4, notes = $5, payment_id = $6, payment_method = $7,
			updated_at = $8, completed_at = $9, cancelled_at = $10, version = $11
		WHERE id = $1 AND version = $2`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM order_write.orders WHERE id = $1)`

	insertOutboxSQL = `INSERT INTO order_write.outbox
		(event_id, event_type, order_id, sequence, payload, occurred_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Every
// write inserts the accompanying events into the outbox in the same
// transaction.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Get returns a single order by its identifier.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	return o, nil
}

// Create persists a new order and its events.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, events []event.Envelope) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "marshal order items")
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createOrderSQL,
			o.ID, o.UserID, o.Customer.Email, o.Customer.Name, o.OrderNumber, o.Status.String(),
			itemsJSON, o.TotalAmount, o.ShippingAddress, o.BillingAddress, o.CancellationReason,
			o.Notes, o.PaymentID, o.PaymentMethod, o.CreatedAt, o.UpdatedAt, o.CompletedAt,
			o.CancelledAt, o.Version,
		); err != nil {
			return createError(err)
		}
		return insertEvents(ctx, tx, events)
	})
	if err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	return nil
}

// Update persists o if the stored version equals expectedVersion.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order, expectedVersion int64, events []event.Envelope) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateOrderSQL,
			o.ID, expectedVersion, o.Status.String(), o.CancellationReason, o.Notes, o.PaymentID,
			o.PaymentMethod, o.UpdatedAt, o.CompletedAt, o.CancelledAt, o.Version,
		)
		if err != nil {
			return errors.Wrap(err, "update order")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, orderExistsSQL, o.ID).Scan(&exists); err != nil {
				return errors.Wrap(err, "check order")
			}
			if !exists {
				return order.ErrOrderNotFound
			}
			return order.ErrVersionConflict
		}
		return insertEvents(ctx, tx, events)
	})
	if err != nil {
		return errors.Wrapf(err, "update order %q", o.ID)
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []event.Envelope) error {
	for _, env := range events {
		if _, err := tx.Exec(ctx, insertOutboxSQL,
			env.EventID, string(env.Type), env.OrderID, env.Sequence, env.Payload, env.Timestamp, env.Timestamp,
		); err != nil {
			if isUniqueViolation(err) {
				return order.ErrVersionConflict
			}
			return errors.Wrapf(err, "insert outbox event %s", env.EventID)
		}
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o         order.Order
		status    string
		itemsJSON []byte
		total     decimal.Decimal
		completed *time.Time
		cancelled *time.Time
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &o.Customer.Email, &o.Customer.Name, &o.OrderNumber, &status, &itemsJSON,
		&total, &o.ShippingAddress, &o.BillingAddress, &o.CancellationReason, &o.Notes, &o.PaymentID,
		&o.PaymentMethod, &o.CreatedAt, &o.UpdatedAt, &completed, &cancelled, &o.Version,
	); err != nil {
		return nil, err
	}

	st, err := order.ParseStatus(status)
	if err != nil {
		return nil, errors.Wrapf(err, "order %q", o.ID)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, errors.Wrapf(err, "unmarshal items of order %q", o.ID)
	}
	o.Status = st
	o.TotalAmount = total
	o.CompletedAt = completed
	o.CancelledAt = cancelled
	return &o, nil
}

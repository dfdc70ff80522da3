package postgres

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-cqrs/internal/domain/order"
)

func TestCreateError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{
			name:   "duplicate id",
			err:    &pgconn.PgError{Code: uniqueViolation, ConstraintName: ordersPKey},
			target: order.ErrAlreadyExists,
		},
		{
			name:   "duplicate order number",
			err:    &pgconn.PgError{Code: uniqueViolation, ConstraintName: ordersOrderNumberKey},
			target: order.ErrOrderNumberTaken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := createError(errors.Wrap(tt.err, "exec"))
			require.ErrorIs(t, err, tt.target)
		})
	}

	t.Run("other constraint", func(t *testing.T) {
		err := createError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "orders_other_key"})
		assert.NotErrorIs(t, err, order.ErrAlreadyExists)
		assert.NotErrorIs(t, err, order.ErrOrderNumberTaken)
		assert.Contains(t, err.Error(), "orders_other_key")
	})

	t.Run("not a unique violation", func(t *testing.T) {
		err := createError(&pgconn.PgError{Code: "23514", ConstraintName: "orders_total_amount_check"})
		assert.NotErrorIs(t, err, order.ErrAlreadyExists)
		assert.NotErrorIs(t, err, order.ErrOrderNumberTaken)
	})
}

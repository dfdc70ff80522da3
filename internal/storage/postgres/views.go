package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

const (
	viewColumns = `order_id, user_id, user_email, user_name, order_number, status, items, item_count,
		total_amount, shipping_address, billing_address, notes, cancellation_reason, payment_status,
		payment_id, payment_method, estimated_delivery, shipped_at, created_at, updated_at,
		completed_at, cancelled_at, last_sequence, projected_at`

	getViewSQL = `SELECT ` + viewColumns + ` FROM order_read.order_views WHERE order_id = $1`

	lockViewSQL = getViewSQL + ` FOR UPDATE`

	upsertViewSQL = `INSERT INTO order_read.order_views (` + viewColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (order_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			user_email = EXCLUDED.user_email,
			user_name = EXCLUDED.user_name,
			order_number = EXCLUDED.order_number,
			status = EXCLUDED.status,
			items = EXCLUDED.items,
			item_count = EXCLUDED.item_count,
			total_amount = EXCLUDED.total_amount,
			shipping_address = EXCLUDED.shipping_address,
			billing_address = EXCLUDED.billing_address,
			notes = EXCLUDED.notes,
			cancellation_reason = EXCLUDED.cancellation_reason,
			payment_status = EXCLUDED.payment_status,
			payment_id = EXCLUDED.payment_id,
			payment_method = EXCLUDED.payment_method,
			estimated_delivery = EXCLUDED.estimated_delivery,
			shipped_at = EXCLUDED.shipped_at,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			cancelled_at = EXCLUDED.cancelled_at,
			last_sequence = EXCLUDED.last_sequence,
			projected_at = EXCLUDED.projected_at`

	markProcessedSQL = `INSERT INTO order_read.processed_events (event_id, order_id) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`

	seenSQL = `SELECT EXISTS (SELECT 1 FROM order_read.processed_events WHERE event_id = $1)`

	revenueExpr = `COALESCE(SUM(total_amount) FILTER (WHERE status IN ('PAID', 'DELIVERED')), 0)`
)

// sortColumns maps whitelisted sort keys to columns. Text keys sort
// bytewise to match the in-memory store.
var sortColumns = map[readmodel.SortField]string{
	readmodel.SortCreatedAt:   "created_at",
	readmodel.SortUpdatedAt:   "updated_at",
	readmodel.SortTotalAmount: "total_amount",
	readmodel.SortOrderNumber: `order_number COLLATE "C"`,
	readmodel.SortStatus:      `status COLLATE "C"`,
}

var _ readmodel.Store = (*ViewStore)(nil)

// ViewStore implements readmodel.Store backed by PostgreSQL.
type ViewStore struct {
	pool *pgxpool.Pool
}

// NewViewStore returns a ViewStore that uses the given pool.
func NewViewStore(pool *pgxpool.Pool) *ViewStore {
	return &ViewStore{pool: pool}
}

// Apply marks env processed, runs fn on the locked current view and stores
// the result in one transaction.
func (s *ViewStore) Apply(ctx context.Context, env event.Envelope, fn readmodel.ApplyFunc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markProcessedSQL, env.EventID, env.OrderID)
		if err != nil {
			return errors.Wrapf(err, "mark event %s processed", env.EventID)
		}
		if tag.RowsAffected() == 0 {
			return readmodel.ErrDuplicate
		}

		rows, err := tx.Query(ctx, lockViewSQL, env.OrderID)
		if err != nil {
			return errors.Wrapf(err, "lock view %q", env.OrderID)
		}
		cur, err := pgx.CollectExactlyOneRow(rows, scanView)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			cur = nil
		case err != nil:
			return errors.Wrapf(err, "lock view %q", env.OrderID)
		}

		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}
		return upsertView(ctx, tx, next)
	})
}

// Seen reports whether eventID was processed.
func (s *ViewStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	if err := s.pool.QueryRow(ctx, seenSQL, eventID).Scan(&seen); err != nil {
		return false, errors.Wrapf(err, "check event %s", eventID)
	}
	return seen, nil
}

// Get returns the view of orderID.
func (s *ViewStore) Get(ctx context.Context, orderID string) (*readmodel.OrderView, error) {
	rows, err := s.pool.Query(ctx, getViewSQL, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "get view %q", orderID)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanView)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, readmodel.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get view %q", orderID)
	}
	return v, nil
}

// List returns the page of views selected by f.
func (s *ViewStore) List(ctx context.Context, f readmodel.Filter) (readmodel.Page, error) {
	var w where
	w.filter(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM order_read.order_views`+w.sql(), w.args...).Scan(&total); err != nil {
		return readmodel.Page{}, errors.Wrap(err, "count views")
	}

	column, ok := sortColumns[f.Sort]
	if !ok {
		column = sortColumns[readmodel.SortCreatedAt]
	}
	dir := " ASC"
	if f.Desc {
		dir = " DESC"
	}
	args := append(w.args, f.Size, f.Offset())
	query := `SELECT ` + viewColumns + ` FROM order_read.order_views` + w.sql() +
		` ORDER BY ` + column + dir + `, order_id` + dir +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return readmodel.Page{}, errors.Wrap(err, "list views")
	}
	views, err := pgx.CollectRows(rows, scanView)
	if err != nil {
		return readmodel.Page{}, errors.Wrap(err, "scan views")
	}

	items := make([]readmodel.OrderView, len(views))
	for i, v := range views {
		items[i] = *v
	}
	return readmodel.NewPage(items, total, f.Page, f.Size), nil
}

// Analytics aggregates the views selected by f.
func (s *ViewStore) Analytics(ctx context.Context, f readmodel.AnalyticsFilter) (readmodel.Analytics, error) {
	var w where
	w.filter(readmodel.Filter{UserID: f.UserID, From: f.From, To: f.To})

	res := readmodel.Analytics{ByStatus: make(map[order.Status]int)}
	var asOf *time.Time
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), `+revenueExpr+`, MAX(projected_at) FROM order_read.order_views`+w.sql(), w.args...,
	).Scan(&res.OrderCount, &res.TotalRevenue, &asOf); err != nil {
		return readmodel.Analytics{}, errors.Wrap(err, "aggregate views")
	}
	if asOf != nil {
		res.AsOf = asOf.UTC()
	}
	res.AverageOrderValue = readmodel.AverageOrderValue(res.TotalRevenue, res.OrderCount)

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM order_read.order_views`+w.sql()+` GROUP BY status`, w.args...)
	if err != nil {
		return readmodel.Analytics{}, errors.Wrap(err, "count views by status")
	}
	var (
		status string
		count  int
	)
	if _, err := pgx.ForEachRow(rows, []any{&status, &count}, func() error {
		st, err := order.ParseStatus(status)
		if err != nil {
			return err
		}
		res.ByStatus[st] = count
		return nil
	}); err != nil {
		return readmodel.Analytics{}, errors.Wrap(err, "scan status counts")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, COUNT(*), `+revenueExpr+`
		FROM order_read.order_views`+w.sql()+` GROUP BY day ORDER BY day`, w.args...)
	if err != nil {
		return readmodel.Analytics{}, errors.Wrap(err, "bucket views by day")
	}
	res.Daily, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (readmodel.DailyBucket, error) {
		var b readmodel.DailyBucket
		err := row.Scan(&b.Date, &b.OrderCount, &b.Revenue)
		b.Date = time.Date(b.Date.Year(), b.Date.Month(), b.Date.Day(), 0, 0, 0, 0, time.UTC)
		return b, err
	})
	if err != nil {
		return readmodel.Analytics{}, errors.Wrap(err, "scan daily buckets")
	}
	return res, nil
}

// where accumulates filter predicates and their positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) filter(f readmodel.Filter) {
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if len(f.Statuses) > 0 {
		names := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			names[i] = st.String()
		}
		w.add("status = ANY(?)", names)
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at <= ?", f.To)
	}
	if f.Search != "" {
		w.add(`(order_number ILIKE ? OR user_email ILIKE ?)`, "%"+escapeLike(f.Search)+"%")
	}
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type itemRow struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

func upsertView(ctx context.Context, tx pgx.Tx, v *readmodel.OrderView) error {
	items := make([]itemRow, len(v.Items))
	for i, it := range v.Items {
		items[i] = itemRow(it)
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return errors.Wrap(err, "marshal view items")
	}
	if _, err := tx.Exec(ctx, upsertViewSQL,
		v.ID, v.UserID, v.UserEmail, v.UserName, v.OrderNumber, v.Status.String(), itemsJSON, v.ItemCount,
		v.TotalAmount, v.ShippingAddress, v.BillingAddress, v.Notes, v.CancellationReason,
		string(v.PaymentStatus), v.PaymentID, v.PaymentMethod, v.EstimatedDelivery, v.ShippedAt,
		v.CreatedAt, v.UpdatedAt, v.CompletedAt, v.CancelledAt, v.LastSequence, v.ProjectedAt,
	); err != nil {
		return errors.Wrapf(err, "upsert view %q", v.ID)
	}
	return nil
}

func scanView(row pgx.CollectableRow) (*readmodel.OrderView, error) {
	var (
		v             readmodel.OrderView
		status        string
		paymentStatus string
		itemsJSON     []byte
	)
	if err := row.Scan(
		&v.ID, &v.UserID, &v.UserEmail, &v.UserName, &v.OrderNumber, &status, &itemsJSON, &v.ItemCount,
		&v.TotalAmount, &v.ShippingAddress, &v.BillingAddress, &v.Notes, &v.CancellationReason,
		&paymentStatus, &v.PaymentID, &v.PaymentMethod, &v.EstimatedDelivery, &v.ShippedAt,
		&v.CreatedAt, &v.UpdatedAt, &v.CompletedAt, &v.CancelledAt, &v.LastSequence, &v.ProjectedAt,
	); err != nil {
		return nil, err
	}

	st, err := order.ParseStatus(status)
	if err != nil {
		return nil, errors.Wrapf(err, "view %q", v.ID)
	}
	var items []itemRow
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return nil, errors.Wrapf(err, "unmarshal items of view %q", v.ID)
	}
	v.Items = make([]readmodel.ItemView, len(items))
	for i, it := range items {
		v.Items[i] = readmodel.ItemView(it)
	}
	v.Status = st
	v.PaymentStatus = readmodel.PaymentStatus(paymentStatus)
	return &v, nil
}

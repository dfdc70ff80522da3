//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/order-cqrs/db"
	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/outbox"
	"github.com/xenking/order-cqrs/internal/projection"
	"github.com/xenking/order-cqrs/internal/readmodel"
	"github.com/xenking/order-cqrs/internal/storage/postgres"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "orders",
				"POSTGRES_PASSWORD": "orders",
				"POSTGRES_DB":       "orders",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("start postgres: %v", err)
		return 1
	}
	defer func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := ctr.Host(ctx)
	if err != nil {
		log.Printf("container host: %v", err)
		return 1
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("container port: %v", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://orders:orders@%s:%s/orders?sslmode=disable", host, port.Port())
	testPool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Printf("connect: %v", err)
		return 1
	}
	defer testPool.Close()

	for _, schema := range []string{db.WriteSchema, db.ReadSchema} {
		if err := postgres.RunMigrations(ctx, testPool, schema); err != nil {
			log.Printf("migrate: %v", err)
			return 1
		}
	}

	return m.Run()
}

// --- Helpers ---

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func truncate(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `TRUNCATE
		order_write.orders, order_write.outbox, order_read.order_views, order_read.processed_events`)
	require.NoError(t, err)
}

func newService(t *testing.T, repo order.Repository) *order.Service {
	t.Helper()
	svc, err := order.NewService(repo, order.ServiceOptions{Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	return svc
}

func createOrder(t *testing.T, svc *order.Service, user string) *order.Order {
	t.Helper()
	o, err := svc.CreateOrder(context.Background(), order.CreateOrder{
		Issuer:   order.Issuer{UserID: user},
		Customer: order.Customer{Email: user + "@example.com", Name: user},
		Items: []order.Item{
			{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
			{ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00")},
		},
		ShippingAddress: "1 Main St",
		BillingAddress:  "1 Main St",
	})
	require.NoError(t, err)
	return o
}

// --- Tests ---

func TestOrderRepository_RoundTrip(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := postgres.NewOrderRepository(testPool)
	svc := newService(t, repo)

	o := createOrder(t, svc, "u1")

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.True(t, decimal.RequireFromString("25.00").Equal(got.TotalAmount))
	assert.Len(t, got.Items, 2)
	assert.Equal(t, int64(1), got.Version)

	_, err = svc.UpdateOrderStatus(ctx, order.UpdateOrderStatus{OrderID: o.ID, NewStatus: order.StatusConfirmed})
	require.NoError(t, err)

	got, err = repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Equal(t, int64(2), got.Version)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestOrderRepository_CreateDuplicates(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := postgres.NewOrderRepository(testPool)
	o := createOrder(t, newService(t, repo), "u1")

	sameID := o.Clone()
	sameID.OrderNumber = "ORD-other"
	require.ErrorIs(t, repo.Create(ctx, sameID, nil), order.ErrAlreadyExists)

	sameNumber := o.Clone()
	sameNumber.ID = "other-id"
	require.ErrorIs(t, repo.Create(ctx, sameNumber, nil), order.ErrOrderNumberTaken)

	// A second instance with the same clock issues the same first number and
	// must pick a fresh one.
	other := createOrder(t, newService(t, repo), "u2")
	assert.NotEqual(t, o.OrderNumber, other.OrderNumber)
	got, err := repo.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.OrderNumber, got.OrderNumber)
}

func TestOrderRepository_VersionConflict(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := postgres.NewOrderRepository(testPool)
	o := createOrder(t, newService(t, repo), "u1")

	stale, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	stale.Status = order.StatusConfirmed
	stale.Version = 2

	err = repo.Update(ctx, stale, 5, nil)
	require.ErrorIs(t, err, order.ErrVersionConflict)

	stale.ID = "missing"
	err = repo.Update(ctx, stale, 1, nil)
	require.ErrorIs(t, err, order.ErrOrderNotFound)

	err = repo.Create(ctx, o, nil)
	require.ErrorIs(t, err, order.ErrAlreadyExists)
}

func TestOutboxStore_Lifecycle(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	svc := newService(t, postgres.NewOrderRepository(testPool))
	store := postgres.NewOutboxStore(testPool)

	o := createOrder(t, svc, "u1")
	_, err := svc.UpdateOrderStatus(ctx, order.UpdateOrderStatus{OrderID: o.ID, NewStatus: order.StatusConfirmed})
	require.NoError(t, err)

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, event.OrderCreated, pending[0].Event.Type)
	assert.Equal(t, int64(1), pending[0].Event.Sequence)
	assert.Equal(t, event.OrderStatusUpdated, pending[1].Event.Type)

	require.NoError(t, store.MarkRetry(ctx, pending[0].ID, 1, testNow.Add(time.Second), "broker down"))
	sum, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pending)
	assert.Equal(t, 1, sum.Failing)

	require.NoError(t, store.MarkSent(ctx, pending[0].ID, testNow))
	pending, err = store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	events, err := store.EventsAfter(ctx, o.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Sequence)

	var scanned []int64
	require.NoError(t, store.Scan(ctx, 1, func(rec outbox.Record) error {
		scanned = append(scanned, rec.Event.Sequence)
		return nil
	}))
	assert.Equal(t, []int64{1, 2}, scanned)
}

func TestViewStore_ProjectsAndQueries(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	svc := newService(t, postgres.NewOrderRepository(testPool))
	events := postgres.NewOutboxStore(testPool)
	views := postgres.NewViewStore(testPool)

	p, err := projection.New(views, projection.Options{
		Source:         events,
		ExpectedEvents: 1000,
		Now:            func() time.Time { return testNow },
	})
	require.NoError(t, err)

	paid := createOrder(t, svc, "u1")
	for _, st := range []order.Status{order.StatusConfirmed, order.StatusPaymentProcessing, order.StatusPaid} {
		_, err := svc.UpdateOrderStatus(ctx, order.UpdateOrderStatus{OrderID: paid.ID, NewStatus: st})
		require.NoError(t, err)
	}
	createOrder(t, svc, "u1")
	createOrder(t, svc, "u2")

	var logged []event.Envelope
	require.NoError(t, events.Scan(ctx, 100, func(rec outbox.Record) error {
		logged = append(logged, rec.Event)
		return nil
	}))
	for _, env := range logged {
		require.NoError(t, p.Handle(ctx, env))
	}
	// Redelivery is absorbed.
	require.NoError(t, p.Handle(ctx, logged[0]))
	require.ErrorIs(t, views.Apply(ctx, logged[0], func(*readmodel.OrderView) (*readmodel.OrderView, error) {
		return nil, nil
	}), readmodel.ErrDuplicate)

	v, err := views.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, v.Status)
	assert.Equal(t, int64(4), v.LastSequence)
	assert.Len(t, v.Items, 2)
	assert.True(t, decimal.RequireFromString("20.00").Equal(v.Items[0].Subtotal))

	seen, err := views.Seen(ctx, logged[0].EventID)
	require.NoError(t, err)
	assert.True(t, seen)

	page, err := views.List(ctx, readmodel.Filter{
		UserID: "u1",
		Sort:   readmodel.SortOrderNumber,
		Size:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	require.Len(t, page.Items, 1)
	assert.Equal(t, paid.ID, page.Items[0].ID)

	page, err = views.List(ctx, readmodel.Filter{Search: "U2@EXAMPLE", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)

	page, err = views.List(ctx, readmodel.Filter{Statuses: []order.Status{order.StatusPaid}, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)

	res, err := views.Analytics(ctx, readmodel.AnalyticsFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.OrderCount)
	assert.True(t, decimal.RequireFromString("25.00").Equal(res.TotalRevenue))
	assert.True(t, decimal.RequireFromString("12.50").Equal(res.AverageOrderValue))
	assert.Equal(t, 1, res.ByStatus[order.StatusPaid])
	assert.Equal(t, 1, res.ByStatus[order.StatusPending])
	require.Len(t, res.Daily, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), res.Daily[0].Date)
	assert.Equal(t, 2, res.Daily[0].OrderCount)
}

package order

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-cqrs/internal/event"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*Order
	events []event.Envelope

	// createErrs and updateErrs are consumed one per call.
	createErrs []error
	updateErrs []error
	// commitThenFail stores the order and still returns an error.
	commitThenFail error
	// beforeUpdate runs once with the stored order before the version check.
	beforeUpdate func(stored *Order)
	// block makes Get wait for context cancellation.
	block bool
	gets  int
}

func newMockOrderRepo(orders ...*Order) *mockOrderRepo {
	m := &mockOrderRepo{orders: make(map[string]*Order)}
	for _, o := range orders {
		m.orders[o.ID] = o.Clone()
	}
	return m
}

func (m *mockOrderRepo) Get(ctx context.Context, id string) (*Order, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order, events []event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrAlreadyExists
	}
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return err
		}
	}
	m.orders[o.ID] = o.Clone()
	m.events = append(m.events, events...)
	if err := m.commitThenFail; err != nil {
		m.commitThenFail = nil
		return err
	}
	return nil
}

func (m *mockOrderRepo) Update(_ context.Context, o *Order, expectedVersion int64, events []event.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updateErrs) > 0 {
		err := m.updateErrs[0]
		m.updateErrs = m.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if m.beforeUpdate != nil {
		m.beforeUpdate(stored)
		m.beforeUpdate = nil
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.orders[o.ID] = o.Clone()
	m.events = append(m.events, events...)
	return nil
}

// --- Helpers ---

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	var (
		mu  sync.Mutex
		seq int
	)
	svc, err := NewService(repo, ServiceOptions{
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Now:            func() time.Time { return testNow },
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return "id-" + strconv.Itoa(seq)
		},
	})
	require.NoError(t, err)
	return svc
}

func newTestOrder(id string, status Status) *Order {
	return &Order{
		ID:              id,
		UserID:          "u1",
		OrderNumber:     "ORD-1",
		Status:          status,
		Items:           testItems(),
		TotalAmount:     decimal.RequireFromString("25.00"),
		ShippingAddress: "1 Main St",
		BillingAddress:  "1 Main St",
		CreatedAt:       testNow.Add(-time.Hour),
		UpdatedAt:       testNow.Add(-time.Hour),
		Version:         1,
	}
}

func testItems() []Item {
	return []Item{
		{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00")},
	}
}

func validCreate() CreateOrder {
	return CreateOrder{
		Issuer:          Issuer{UserID: "u1"},
		Customer:        Customer{Email: "u1@example.com", Name: "User One"},
		Items:           testItems(),
		ShippingAddress: "1 Main St",
		BillingAddress:  "1 Main St",
	}
}

// --- Tests ---

func TestCreateOrder_ComputesTotal(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(t, repo)

	o, err := svc.CreateOrder(context.Background(), validCreate())
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("25.00").Equal(o.TotalAmount))
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(1), o.Version)
	assert.Equal(t, "u1", o.UserID)
	assert.Regexp(t, `^ORD-\d+$`, o.OrderNumber)

	require.Len(t, repo.events, 1)
	env := repo.events[0]
	assert.Equal(t, event.OrderCreated, env.Type)
	assert.Equal(t, o.ID, env.OrderID)
	assert.Equal(t, int64(1), env.Sequence)

	payload, err := DecodePayload(env)
	require.NoError(t, err)
	created, ok := payload.(CreatedPayload)
	require.True(t, ok)
	assert.Len(t, created.Items, 2)
	assert.Equal(t, "u1@example.com", created.UserEmail)
	assert.True(t, o.TotalAmount.Equal(created.TotalAmount))
}

func TestCreateOrder_EmptyItems(t *testing.T) {
	svc := newTestService(t, newMockOrderRepo())

	cmd := validCreate()
	cmd.Items = nil
	_, err := svc.CreateOrder(context.Background(), cmd)
	require.ErrorIs(t, err, ErrEmptyOrder)
	assert.Equal(t, KindValidation, Kind(err))
}

func TestCreateOrder_InvalidItem(t *testing.T) {
	tests := []struct {
		name  string
		item  Item
		field string
	}{
		{"zero quantity", Item{ProductID: "p1", Quantity: 0, UnitPrice: decimal.NewFromInt(1)}, "quantity"},
		{"negative quantity", Item{ProductID: "p1", Quantity: -1, UnitPrice: decimal.NewFromInt(1)}, "quantity"},
		{"zero price", Item{ProductID: "p1", Quantity: 1, UnitPrice: decimal.Zero}, "unitPrice"},
		{"negative price", Item{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(-3)}, "unitPrice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockOrderRepo()
			svc := newTestService(t, repo)

			cmd := validCreate()
			cmd.Items = append(cmd.Items, tt.item)
			_, err := svc.CreateOrder(context.Background(), cmd)

			var itemErr *InvalidItemError
			require.ErrorAs(t, err, &itemErr)
			assert.Equal(t, 2, itemErr.Index)
			assert.Equal(t, "p1", itemErr.ProductID)
			assert.Equal(t, tt.field, itemErr.Field)
			assert.Empty(t, repo.orders)
		})
	}
}

func TestCreateOrder_MissingAddress(t *testing.T) {
	svc := newTestService(t, newMockOrderRepo())

	cmd := validCreate()
	cmd.BillingAddress = "  "
	_, err := svc.CreateOrder(context.Background(), cmd)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "billingAddress", valErr.Field)
}

func TestCreateOrder_RetryAfterAmbiguousCommit(t *testing.T) {
	repo := newMockOrderRepo()
	repo.commitThenFail = errors.New("connection reset")
	svc := newTestService(t, repo)

	o, err := svc.CreateOrder(context.Background(), validCreate())
	require.NoError(t, err)
	assert.Len(t, repo.orders, 1)
	assert.Len(t, repo.events, 1)
	assert.Contains(t, repo.orders, o.ID)
}

func TestCreateOrder_DuplicateOnRetryWithoutCommit(t *testing.T) {
	repo := newMockOrderRepo()
	repo.createErrs = []error{errors.New("connection reset"), ErrAlreadyExists}
	svc := newTestService(t, repo)

	o, err := svc.CreateOrder(context.Background(), validCreate())
	require.NoError(t, err)
	require.Contains(t, repo.orders, o.ID)
	assert.Len(t, repo.orders, 1)
	assert.Len(t, repo.events, 1)
}

func TestCreateOrder_DuplicateOnFirstAttempt(t *testing.T) {
	// NewID issues "id-1" first, which the store already holds.
	repo := newMockOrderRepo(newTestOrder("id-1", StatusPending))
	svc := newTestService(t, repo)

	_, err := svc.CreateOrder(context.Background(), validCreate())
	require.ErrorIs(t, err, ErrAlreadyExists)

	var infraErr *InfrastructureError
	require.ErrorAs(t, err, &infraErr)
	assert.Equal(t, 1, infraErr.Attempts)
	assert.Empty(t, repo.events)
}

func TestCreateOrder_OrderNumberTaken(t *testing.T) {
	tests := []struct {
		name string
		errs []error
	}{
		{"first attempt", []error{ErrOrderNumberTaken}},
		{"after transient failure", []error{errors.New("connection reset"), ErrOrderNumberTaken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockOrderRepo()
			repo.createErrs = tt.errs
			svc := newTestService(t, repo)
			taken := "ORD-" + strconv.FormatInt(testNow.UnixMilli(), 10)

			o, err := svc.CreateOrder(context.Background(), validCreate())
			require.NoError(t, err)
			assert.NotEqual(t, taken, o.OrderNumber)
			require.Contains(t, repo.orders, o.ID)
			assert.Equal(t, o.OrderNumber, repo.orders[o.ID].OrderNumber)

			require.Len(t, repo.events, 1)
			payload, err := DecodePayload(repo.events[0])
			require.NoError(t, err)
			assert.Equal(t, o.OrderNumber, payload.(CreatedPayload).OrderNumber)
		})
	}
}

func TestCreateOrder_InfrastructureErrorAfterRetries(t *testing.T) {
	boom := errors.New("db down")
	repo := newMockOrderRepo()
	repo.createErrs = []error{boom, boom, boom}
	svc := newTestService(t, repo)

	_, err := svc.CreateOrder(context.Background(), validCreate())

	var infraErr *InfrastructureError
	require.ErrorAs(t, err, &infraErr)
	assert.Equal(t, 3, infraErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, KindUnavailable, Kind(err))
	assert.True(t, Kind(err).Retryable())
	assert.Empty(t, repo.orders)
}

func TestUpdateOrderStatus_TransitionTable(t *testing.T) {
	for _, from := range Statuses {
		for _, to := range Statuses {
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				repo := newMockOrderRepo(newTestOrder("o1", from))
				svc := newTestService(t, repo)

				o, err := svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{
					Issuer:    Issuer{UserID: "admin", Admin: true},
					OrderID:   "o1",
					NewStatus: to,
					Reason:    "test",
				})

				if CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, o.Status)
					assert.Equal(t, testNow, o.UpdatedAt)
					assert.Equal(t, int64(2), o.Version)
					require.Len(t, repo.events, 1)
					assert.Equal(t, int64(2), repo.events[0].Sequence)
					if to == StatusCancelled {
						require.NotNil(t, o.CancelledAt)
						assert.Equal(t, "test", o.CancellationReason)
						assert.Equal(t, "test", repo.orders["o1"].CancellationReason)
					} else {
						assert.Empty(t, o.CancellationReason)
					}
					return
				}

				require.Error(t, err)
				assert.Equal(t, KindConflict, Kind(err))
				if to == StatusCancelled {
					var cancelErr *IllegalCancellationError
					require.ErrorAs(t, err, &cancelErr)
					assert.Equal(t, from, cancelErr.Status)
				} else {
					var transErr *InvalidTransitionError
					require.ErrorAs(t, err, &transErr)
					assert.Equal(t, from, transErr.From)
					assert.Equal(t, to, transErr.To)
				}
				assert.Equal(t, from, repo.orders["o1"].Status)
				assert.Empty(t, repo.events)
			})
		}
	}
}

func TestUpdateOrderStatus_SetsCompletedAt(t *testing.T) {
	repo := newMockOrderRepo(newTestOrder("o1", StatusShipped))
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{
		Issuer: Issuer{UserID: "admin", Admin: true}, OrderID: "o1", NewStatus: StatusDelivered,
	})
	require.NoError(t, err)
	require.NotNil(t, o.CompletedAt)
	assert.Equal(t, testNow, *o.CompletedAt)

	payload, err := DecodePayload(repo.events[0])
	require.NoError(t, err)
	assert.Equal(t, "admin", payload.(StatusUpdatedPayload).UpdatedBy)
}

func TestUpdateOrderStatus_NotFound(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(t, repo)

	_, err := svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{OrderID: "missing", NewStatus: StatusConfirmed})
	require.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, 1, repo.gets, "not found must not be retried")
}

func TestUpdateOrderStatus_InvalidStatus(t *testing.T) {
	svc := newTestService(t, newMockOrderRepo())

	_, err := svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{OrderID: "o1"})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "status", valErr.Field)
}

func TestUpdateOrderStatus_VersionConflictReloads(t *testing.T) {
	repo := newMockOrderRepo(newTestOrder("o1", StatusPending))
	repo.beforeUpdate = func(stored *Order) {
		stored.Notes = "edited concurrently"
		stored.Version++
	}
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{OrderID: "o1", NewStatus: StatusConfirmed})
	require.NoError(t, err)
	assert.Equal(t, int64(3), o.Version)
	assert.Equal(t, "edited concurrently", o.Notes)
	assert.Equal(t, 2, repo.gets)
}

func TestUpdateOrderStatus_ConcurrentWritersNeverLoseTransition(t *testing.T) {
	repo := newMockOrderRepo(newTestOrder("o1", StatusPending))
	svc := newTestService(t, repo)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		okCount  int
		conflict int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{OrderID: "o1", NewStatus: StatusConfirmed})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				okCount++
			} else if Kind(err) == KindConflict {
				conflict++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, conflict)
	assert.Len(t, repo.events, 1)
}

func TestUpdateOrderStatus_Timeout(t *testing.T) {
	repo := newMockOrderRepo()
	repo.block = true
	svc, err := NewService(repo, ServiceOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{OrderID: "o1", NewStatus: StatusConfirmed})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTimeout, Kind(err))
}

func TestUpdateOrderStatus_TransientErrorRetried(t *testing.T) {
	repo := newMockOrderRepo(newTestOrder("o1", StatusPending))
	repo.updateErrs = []error{errors.New("deadlock detected")}
	svc := newTestService(t, repo)

	o, err := svc.UpdateOrderStatus(context.Background(), UpdateOrderStatus{OrderID: "o1", NewStatus: StatusConfirmed})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Len(t, repo.events, 1)
}

func TestCancelOrder(t *testing.T) {
	for _, from := range Statuses {
		t.Run(from.String(), func(t *testing.T) {
			repo := newMockOrderRepo(newTestOrder("o1", from))
			svc := newTestService(t, repo)

			o, err := svc.CancelOrder(context.Background(), CancelOrder{
				Issuer:          Issuer{UserID: "u1"},
				OrderID:         "o1",
				Reason:          "changed mind",
				RefundRequested: true,
			})

			if !from.Cancellable() {
				var cancelErr *IllegalCancellationError
				require.ErrorAs(t, err, &cancelErr)
				assert.Equal(t, from, cancelErr.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, o.Status)
			assert.Equal(t, "changed mind", o.CancellationReason)
			require.NotNil(t, o.CancelledAt)

			require.Len(t, repo.events, 1)
			payload, err := DecodePayload(repo.events[0])
			require.NoError(t, err)
			cancelled := payload.(CancelledPayload)
			assert.True(t, cancelled.RefundRequested)
			assert.Equal(t, from, cancelled.OldStatus)
		})
	}
}

func TestCancelOrder_Ownership(t *testing.T) {
	tests := []struct {
		name    string
		issuer  Issuer
		wantErr error
	}{
		{"owner", Issuer{UserID: "u1"}, nil},
		{"admin", Issuer{UserID: "ops", Admin: true}, nil},
		{"stranger", Issuer{UserID: "u2"}, ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, newMockOrderRepo(newTestOrder("o1", StatusPending)))

			_, err := svc.CancelOrder(context.Background(), CancelOrder{Issuer: tt.issuer, OrderID: "o1"})
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfirmOrderPayment(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		amount  string
		wantErr func(t *testing.T, err error)
	}{
		{name: "from payment processing", from: StatusPaymentProcessing, amount: "25.00"},
		{name: "from confirmed", from: StatusConfirmed, amount: "25"},
		{
			name: "amount mismatch", from: StatusPaymentProcessing, amount: "24.99",
			wantErr: func(t *testing.T, err error) {
				var mismatch *AmountMismatchError
				require.ErrorAs(t, err, &mismatch)
				assert.True(t, decimal.RequireFromString("25.00").Equal(mismatch.Expected))
				assert.True(t, decimal.RequireFromString("24.99").Equal(mismatch.Actual))
			},
		},
		{
			name: "from pending", from: StatusPending, amount: "25.00",
			wantErr: func(t *testing.T, err error) {
				var transErr *InvalidTransitionError
				require.ErrorAs(t, err, &transErr)
				assert.Equal(t, StatusPending, transErr.From)
				assert.Equal(t, StatusPaid, transErr.To)
			},
		},
		{
			name: "already paid", from: StatusPaid, amount: "25.00",
			wantErr: func(t *testing.T, err error) {
				var transErr *InvalidTransitionError
				require.ErrorAs(t, err, &transErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockOrderRepo(newTestOrder("o1", tt.from))
			svc := newTestService(t, repo)

			o, err := svc.ConfirmOrderPayment(context.Background(), ConfirmOrderPayment{
				Issuer:        Issuer{UserID: "payments", Admin: true},
				OrderID:       "o1",
				PaymentID:     "pay-1",
				Amount:        decimal.RequireFromString(tt.amount),
				PaymentMethod: "card",
			})
			if tt.wantErr != nil {
				tt.wantErr(t, err)
				assert.Empty(t, repo.events)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusPaid, o.Status)
			assert.Equal(t, "pay-1", o.PaymentID)
			assert.Equal(t, int64(2), o.Version)

			require.Len(t, repo.events, 1)
			assert.Equal(t, event.OrderPaymentConfirmed, repo.events[0].Type)
			payload, err := DecodePayload(repo.events[0])
			require.NoError(t, err)
			assert.Equal(t, tt.from, payload.(PaymentConfirmedPayload).OldStatus)
		})
	}
}

func TestNumberGenerator_Monotonic(t *testing.T) {
	var g NumberGenerator
	first := g.Next(testNow)
	second := g.Next(testNow)
	third := g.Next(testNow.Add(-time.Minute))

	assert.Equal(t, "ORD-1709294400000", first)
	assert.Equal(t, "ORD-1709294400001", second)
	assert.Equal(t, "ORD-1709294400002", third)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" payment_processing ")
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentProcessing, st)

	_, err = ParseStatus("LOST")
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "status", valErr.Field)
}

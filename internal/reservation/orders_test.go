package reservation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/payments"
	"github.com/bookyard/circulation/internal/principal"
)

func registerStock(t *testing.T, env *testEnv, id string, capacity int64) {
	t.Helper()
	require.NoError(t, env.manager.RegisterItem(context.Background(), ledger.ItemSpec{
		ID: id, Kind: db.KindStockUnit, Title: "Item " + id, Capacity: capacityPtr(capacity),
	}, admin))
}

func TestCreateOrder(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerStock(t, env, "stock-1", 10)
	require.NoError(t, env.manager.RegisterItem(ctx, ledger.ItemSpec{
		ID: "ebook-1", Kind: db.KindStockUnit, Title: "Dune (ebook)", Digital: true,
	}, admin))

	order, err := env.manager.CreateOrder(ctx, []OrderLine{
		{ItemID: "stock-1", Quantity: 2, UnitPriceCents: 1500},
		{ItemID: "ebook-1", Quantity: 1, UnitPriceCents: 999},
	}, customer)
	require.NoError(t, err)

	assert.Equal(t, db.OrderAwaitingPayment, order.State)
	assert.Equal(t, int64(3999), order.TotalCents)
	assert.Equal(t, "USD", order.Currency)
	assert.NotEmpty(t, order.PaymentRef)
	require.Len(t, order.Lines, 2)
	assert.NotEmpty(t, order.Lines[0].HoldTokenID)

	// The stock was claimed up front
	item, err := env.manager.ItemAvailability(ctx, "stock-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(8), *item.Available())

	// The gateway saw exactly one checkout for the full amount
	require.Len(t, env.gateway.requests, 1)
	assert.Equal(t, order.PaymentRef, env.gateway.requests[0].PaymentRef)
	assert.Equal(t, int64(3999), env.gateway.requests[0].AmountCents)
	assert.Equal(t, "USD", env.gateway.requests[0].Currency)
}

func TestCreateOrderValidation(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		lines []OrderLine
	}{
		{"no lines", nil},
		{"missing item id", []OrderLine{{Quantity: 1, UnitPriceCents: 100}}},
		{"zero quantity", []OrderLine{{ItemID: "stock-1", Quantity: 0, UnitPriceCents: 100}}},
		{"negative price", []OrderLine{{ItemID: "stock-1", Quantity: 1, UnitPriceCents: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.CreateOrder(ctx, tt.lines, customer)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerStock(t, env, "stock-1", 10)
	registerStock(t, env, "stock-2", 1)

	_, err := env.manager.CreateOrder(ctx, []OrderLine{
		{ItemID: "stock-1", Quantity: 2, UnitPriceCents: 1500},
		{ItemID: "stock-2", Quantity: 5, UnitPriceCents: 800},
	}, customer)

	var oos *ledger.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "stock-2", oos.ItemID)
	assert.Equal(t, int64(5), oos.Requested)
	assert.Equal(t, int64(1), oos.Available)

	// The hold taken for the first line was rolled back
	item, err := env.manager.ItemAvailability(ctx, "stock-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(10), *item.Available())

	// No order row was written
	var count int64
	require.NoError(t, env.db.Model(&db.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	// And the gateway was never called
	assert.Empty(t, env.gateway.requests)
}

func TestCreateOrderGatewayDown(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerStock(t, env, "stock-1", 10)
	env.gateway.fail = true

	_, err := env.manager.CreateOrder(ctx, []OrderLine{
		{ItemID: "stock-1", Quantity: 2, UnitPriceCents: 1500},
	}, customer)
	assert.ErrorIs(t, err, payments.ErrGatewayUnavailable)

	// Stock went back to the pool
	item, err := env.manager.ItemAvailability(ctx, "stock-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(10), *item.Available())

	// The aborted order is on record as cancelled
	var txs []db.Transaction
	require.NoError(t, env.db.Find(&txs).Error)
	require.Len(t, txs, 1)
	assert.Equal(t, db.OrderCancelled, txs[0].State)
}

func TestCancelOrder(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerStock(t, env, "stock-1", 10)

	order, err := env.manager.CreateOrder(ctx, []OrderLine{
		{ItemID: "stock-1", Quantity: 3, UnitPriceCents: 1500},
	}, customer)
	require.NoError(t, err)

	cancelled, err := env.manager.CancelOrder(ctx, order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, db.OrderCancelled, cancelled.State)

	item, err := env.manager.ItemAvailability(ctx, "stock-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(10), *item.Available())

	assert.Contains(t, env.sink.events, events.EventTypeOrderCancelled)
}

func TestCancelOrderSettled(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerStock(t, env, "stock-1", 10)

	order, err := env.manager.CreateOrder(ctx, []OrderLine{
		{ItemID: "stock-1", Quantity: 1, UnitPriceCents: 1500},
	}, customer)
	require.NoError(t, err)

	// Payment lands before the cancel
	moved, err := env.orders.Transition(ctx, order.ID, []db.OrderState{db.OrderAwaitingPayment}, db.OrderPaid, nil)
	require.NoError(t, err)
	require.True(t, moved)

	_, err = env.manager.CancelOrder(ctx, order.ID, customer)
	assert.ErrorIs(t, err, ErrNotCancellable)

	// The stock stays claimed
	item, err := env.manager.ItemAvailability(ctx, "stock-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(9), *item.Available())
}

func TestCancelOrderOwnership(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerStock(t, env, "stock-1", 10)

	order, err := env.manager.CreateOrder(ctx, []OrderLine{
		{ItemID: "stock-1", Quantity: 1, UnitPriceCents: 1500},
	}, customer)
	require.NoError(t, err)

	other := principal.Principal{ID: "cust-2", Role: principal.RoleCustomer}
	_, err = env.manager.CancelOrder(ctx, order.ID, other)
	assert.ErrorIs(t, err, principal.ErrUnauthorized)
}

func TestGetOrderOwnership(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerStock(t, env, "stock-1", 10)

	order, err := env.manager.CreateOrder(ctx, []OrderLine{
		{ItemID: "stock-1", Quantity: 1, UnitPriceCents: 1500},
	}, customer)
	require.NoError(t, err)

	got, grants, err := env.manager.GetOrder(ctx, order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Empty(t, grants)

	other := principal.Principal{ID: "cust-2", Role: principal.RoleCustomer}
	_, _, err = env.manager.GetOrder(ctx, order.ID, other)
	assert.ErrorIs(t, err, principal.ErrUnauthorized)
}

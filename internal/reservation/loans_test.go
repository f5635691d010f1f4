package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/principal"
)

func registerCopy(t *testing.T, env *testEnv, id string) {
	t.Helper()
	require.NoError(t, env.manager.RegisterItem(context.Background(), ledger.ItemSpec{
		ID: id, Kind: db.KindCopy, Title: "Dune", Capacity: capacityPtr(1),
	}, admin))
}

func TestBorrowAndReturn(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerCopy(t, env, "copy-1")

	rec, err := env.manager.Borrow(ctx, "copy-1", customer)
	require.NoError(t, err)
	assert.Equal(t, db.LoanActive, rec.State)
	assert.Equal(t, "cust-1", rec.PrincipalID)
	assert.WithinDuration(t, time.Now().UTC().Add(14*24*time.Hour), rec.DueAt, time.Minute)

	// The copy left the pool
	item, err := env.manager.ItemAvailability(ctx, "copy-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *item.Available())

	returned, err := env.manager.Return(ctx, rec.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, db.LoanReturned, returned.State)
	require.NotNil(t, returned.ReturnedAt)

	// And came back
	item, err = env.manager.ItemAvailability(ctx, "copy-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), *item.Available())

	assert.Contains(t, env.sink.events, events.EventTypeLoanReturned)
}

func TestBorrowConflict(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerCopy(t, env, "copy-1")

	first, err := env.manager.Borrow(ctx, "copy-1", customer)
	require.NoError(t, err)

	other := principal.Principal{ID: "cust-2", Role: principal.RoleCustomer}
	_, err = env.manager.Borrow(ctx, "copy-1", other)
	assert.ErrorIs(t, err, ErrUnavailable)

	// The losing attempt left the first loan untouched
	rec, err := env.manager.GetLoan(ctx, first.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, db.LoanActive, rec.State)

	item, err := env.manager.ItemAvailability(ctx, "copy-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *item.Available())
}

func TestBorrowNotLoanable(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	require.NoError(t, env.manager.RegisterItem(ctx, ledger.ItemSpec{
		ID: "stock-1", Kind: db.KindStockUnit, Title: "Mug", Capacity: capacityPtr(10),
	}, admin))

	_, err := env.manager.Borrow(ctx, "stock-1", customer)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBorrowUnknownItem(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	_, err := env.manager.Borrow(ctx, "nonexistent", customer)
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)
}

func TestReturnTwice(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerCopy(t, env, "copy-1")

	rec, err := env.manager.Borrow(ctx, "copy-1", customer)
	require.NoError(t, err)

	_, err = env.manager.Return(ctx, rec.ID, customer)
	require.NoError(t, err)

	_, err = env.manager.Return(ctx, rec.ID, customer)
	assert.ErrorIs(t, err, ErrAlreadyReturned)

	// The double return did not free the copy twice
	item, err := env.manager.ItemAvailability(ctx, "copy-1", customer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), *item.Available())
}

func TestReturnOwnership(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerCopy(t, env, "copy-1")

	rec, err := env.manager.Borrow(ctx, "copy-1", customer)
	require.NoError(t, err)

	// A stranger cannot return someone else's loan
	other := principal.Principal{ID: "cust-2", Role: principal.RoleCustomer}
	_, err = env.manager.Return(ctx, rec.ID, other)
	assert.ErrorIs(t, err, principal.ErrUnauthorized)

	// Admins can
	returned, err := env.manager.Return(ctx, rec.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, db.LoanReturned, returned.State)
}

func TestGetLoanOwnership(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerCopy(t, env, "copy-1")

	rec, err := env.manager.Borrow(ctx, "copy-1", customer)
	require.NoError(t, err)

	other := principal.Principal{ID: "cust-2", Role: principal.RoleCustomer}
	_, err = env.manager.GetLoan(ctx, rec.ID, other)
	assert.ErrorIs(t, err, principal.ErrUnauthorized)

	got, err := env.manager.GetLoan(ctx, rec.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

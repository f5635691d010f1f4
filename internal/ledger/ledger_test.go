package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/pkg/logger"
)

func setupLedger(t *testing.T) (*Ledger, *sqlx.DB) {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// A single connection keeps every caller on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)

	// Run migrations
	err = gormDB.AutoMigrate(&db.InventoryItem{}, &db.HoldToken{})
	require.NoError(t, err)

	pool := sqlx.NewDb(sqlDB, "sqlite3")
	log := logger.NewLogger("test", "info")

	return New(pool, log), pool
}

func capacityPtr(n int64) *int64 {
	return &n
}

func TestRegisterItem(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	err := led.RegisterItem(ctx, ItemSpec{ID: "copy-1", Kind: db.KindCopy, Title: "Dune", Capacity: capacityPtr(1)})
	assert.NoError(t, err)

	item, err := led.Availability(ctx, "copy-1")
	require.NoError(t, err)
	assert.Equal(t, db.KindCopy, item.Kind)
	assert.Equal(t, int64(1), *item.Capacity)
	assert.Equal(t, int64(0), item.ReservedUnits)
	assert.Equal(t, int64(1), *item.Available())

	// Re-registering updates the row in place
	err = led.RegisterItem(ctx, ItemSpec{ID: "copy-1", Kind: db.KindCopy, Title: "Dune (1965)", Capacity: capacityPtr(1)})
	assert.NoError(t, err)

	item, err = led.Availability(ctx, "copy-1")
	require.NoError(t, err)
	assert.Equal(t, "Dune (1965)", item.Title)
}

func TestRegisterItemCapacityBelowHeld(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Poster", Capacity: capacityPtr(5)}))

	_, err := led.Reserve(ctx, "stock-1", 3)
	require.NoError(t, err)

	// Shrinking below the units currently held is rejected whole
	err = led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Poster", Capacity: capacityPtr(2)})
	assert.ErrorIs(t, err, ErrCapacityBelowHeld)

	item, err := led.Availability(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), *item.Capacity)

	// Shrinking to exactly the held units is allowed
	err = led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Poster", Capacity: capacityPtr(3)})
	assert.NoError(t, err)

	item, err = led.Availability(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), *item.Available())
}

func TestReserveAndRelease(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Mug", Capacity: capacityPtr(10)}))

	hold, err := led.Reserve(ctx, "stock-1", 4)
	require.NoError(t, err)
	assert.Equal(t, db.HoldHeld, hold.State)
	assert.Equal(t, int64(4), hold.Quantity)

	item, err := led.Availability(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), item.ReservedUnits)
	assert.Equal(t, int64(6), *item.Available())

	// Releasing returns the units to the pool
	require.NoError(t, led.Release(ctx, hold.ID))

	item, err = led.Availability(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.ReservedUnits)
	assert.Equal(t, int64(10), *item.Available())
}

func TestReserveOutOfStock(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "copy-1", Kind: db.KindCopy, Title: "Dune", Capacity: capacityPtr(1)}))

	_, err := led.Reserve(ctx, "copy-1", 1)
	require.NoError(t, err)

	_, err = led.Reserve(ctx, "copy-1", 1)
	var oos *OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "copy-1", oos.ItemID)
	assert.Equal(t, int64(1), oos.Requested)
	assert.Equal(t, int64(0), oos.Available)
}

func TestReserveUnknownItem(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	_, err := led.Reserve(ctx, "nonexistent", 1)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestReserveUnlimitedCapacity(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "ebook-1", Kind: db.KindStockUnit, Title: "Dune (ebook)", Digital: true}))

	for i := 0; i < 5; i++ {
		_, err := led.Reserve(ctx, "ebook-1", 100)
		require.NoError(t, err)
	}

	item, err := led.Availability(ctx, "ebook-1")
	require.NoError(t, err)
	assert.Nil(t, item.Capacity)
	assert.Nil(t, item.Available())
	assert.Equal(t, int64(500), item.ReservedUnits)
}

func TestReleaseIdempotent(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Mug", Capacity: capacityPtr(10)}))

	hold, err := led.Reserve(ctx, "stock-1", 4)
	require.NoError(t, err)

	require.NoError(t, led.Release(ctx, hold.ID))
	// A second release is a no-op, not a second decrement
	require.NoError(t, led.Release(ctx, hold.ID))

	item, err := led.Availability(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.ReservedUnits)
}

func TestCommitLifecycle(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Mug", Capacity: capacityPtr(10)}))

	hold, err := led.Reserve(ctx, "stock-1", 4)
	require.NoError(t, err)

	require.NoError(t, led.Commit(ctx, hold.ID))

	// Committed units stay consumed
	item, err := led.Availability(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), item.ReservedUnits)

	// Committing again converges
	assert.NoError(t, led.Commit(ctx, hold.ID))

	// Releasing a committed hold is an error
	assert.ErrorIs(t, led.Release(ctx, hold.ID), ErrAlreadyCommitted)
}

func TestCommitAfterRelease(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Mug", Capacity: capacityPtr(10)}))

	hold, err := led.Reserve(ctx, "stock-1", 2)
	require.NoError(t, err)
	require.NoError(t, led.Release(ctx, hold.ID))

	assert.ErrorIs(t, led.Commit(ctx, hold.ID), ErrAlreadyReleased)
}

func TestUnknownToken(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	assert.ErrorIs(t, led.Release(ctx, "nonexistent"), ErrTokenNotFound)
	assert.ErrorIs(t, led.Commit(ctx, "nonexistent"), ErrTokenNotFound)
}

func TestConcurrentReserveSingleCopy(t *testing.T) {
	led, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "copy-1", Kind: db.KindCopy, Title: "Dune", Capacity: capacityPtr(1)}))

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := led.Reserve(ctx, "copy-1", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		var oos *OutOfStockError
		assert.ErrorAs(t, err, &oos)
	}
	assert.Equal(t, 1, won)

	item, err := led.Availability(ctx, "copy-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.ReservedUnits)
}

func TestReleaseExpiredHolds(t *testing.T) {
	led, pool := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, led.RegisterItem(ctx, ItemSpec{ID: "stock-1", Kind: db.KindStockUnit, Title: "Mug", Capacity: capacityPtr(10)}))

	orphan, err := led.Reserve(ctx, "stock-1", 2)
	require.NoError(t, err)
	live, err := led.Reserve(ctx, "stock-1", 3)
	require.NoError(t, err)
	fresh, err := led.Reserve(ctx, "stock-1", 1)
	require.NoError(t, err)

	// Age the first two holds past the cutoff
	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err = pool.ExecContext(ctx, pool.Rebind(`UPDATE hold_tokens SET created_at = ? WHERE id IN (?, ?)`), old, orphan.ID, live.ID)
	require.NoError(t, err)

	released, err := led.ReleaseExpiredHolds(ctx, time.Now().UTC().Add(-time.Hour), []string{live.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// Only the orphan was reclaimed
	item, err := led.Availability(ctx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), item.ReservedUnits)

	var state string
	require.NoError(t, pool.GetContext(ctx, &state, pool.Rebind(`SELECT state FROM hold_tokens WHERE id = ?`), live.ID))
	assert.Equal(t, string(db.HoldHeld), state)
	require.NoError(t, pool.GetContext(ctx, &state, pool.Rebind(`SELECT state FROM hold_tokens WHERE id = ?`), fresh.ID))
	assert.Equal(t, string(db.HoldHeld), state)
}

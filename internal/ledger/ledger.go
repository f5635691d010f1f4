// Package ledger implements the shared availability ledger. Every loan and
// every order line holds units through here; the counter update is a single
// conditional statement so concurrent callers can never oversell an item.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/bookyard/circulation/internal/db"
)

var (
	ErrItemNotFound      = errors.New("inventory item not found")
	ErrTokenNotFound     = errors.New("hold token not found")
	ErrAlreadyCommitted  = errors.New("hold already committed")
	ErrAlreadyReleased   = errors.New("hold already released")
	ErrCapacityBelowHeld = errors.New("capacity below currently reserved units")
)

// OutOfStockError is returned when an item exists but has fewer free units
// than requested.
type OutOfStockError struct {
	ItemID    string
	Requested int64
	Available int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: available=%d, requested=%d", e.ItemID, e.Available, e.Requested)
}

// ItemSpec describes an item to register or update. Capacity nil means
// unlimited.
type ItemSpec struct {
	ID       string
	Kind     db.ItemKind
	Title    string
	Capacity *int64
	Digital  bool
}

// Ledger mediates all reserved-unit accounting.
type Ledger struct {
	db  *sqlx.DB
	log *zap.Logger
}

// New creates a ledger over the given pool
func New(pool *sqlx.DB, log *zap.Logger) *Ledger {
	return &Ledger{db: pool, log: log}
}

// RegisterItem creates or updates an item. Capacity may never drop below the
// units currently reserved; such updates are rejected whole.
func (l *Ledger) RegisterItem(ctx context.Context, spec ItemSpec) error {
	now := time.Now().UTC()
	query := l.db.Rebind(`
		INSERT INTO inventory_items (id, kind, title, capacity, reserved_units, digital, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			capacity = excluded.capacity,
			digital = excluded.digital,
			updated_at = excluded.updated_at
		WHERE excluded.capacity IS NULL OR excluded.capacity >= inventory_items.reserved_units`)

	result, err := l.db.ExecContext(ctx, query, spec.ID, spec.Kind, spec.Title, spec.Capacity, spec.Digital, now, now)
	if err != nil {
		return fmt.Errorf("failed to register item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrCapacityBelowHeld
	}

	l.log.Info("item registered",
		zap.String("item_id", spec.ID),
		zap.String("kind", string(spec.Kind)),
		zap.Bool("digital", spec.Digital))
	return nil
}

// Reserve atomically claims quantity units of an item and returns the hold
// token backing the claim. The claim succeeds only if the item's free units
// cover the request at the instant of the update.
func (l *Ledger) Reserve(ctx context.Context, itemID string, quantity int64) (*db.HoldToken, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid reserve quantity %d", quantity)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reserve: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	claim := tx.Rebind(`
		UPDATE inventory_items
		SET reserved_units = reserved_units + ?, updated_at = ?
		WHERE id = ? AND (capacity IS NULL OR capacity - reserved_units >= ?)`)

	result, err := tx.ExecContext(ctx, claim, quantity, now, itemID, quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve units: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		// Distinguish a missing item from exhausted stock.
		var capacity sql.NullInt64
		var reserved int64
		row := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT capacity, reserved_units FROM inventory_items WHERE id = ?`), itemID)
		if err := row.Scan(&capacity, &reserved); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrItemNotFound
			}
			return nil, fmt.Errorf("failed to inspect item: %w", err)
		}
		available := int64(0)
		if capacity.Valid {
			available = capacity.Int64 - reserved
		}
		return nil, &OutOfStockError{ItemID: itemID, Requested: quantity, Available: available}
	}

	token := &db.HoldToken{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		Quantity:  quantity,
		State:     db.HoldHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}

	insert := tx.Rebind(`
		INSERT INTO hold_tokens (id, item_id, quantity, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, token.ID, token.ItemID, token.Quantity, token.State, token.CreatedAt, token.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to record hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reserve: %w", err)
	}

	l.log.Debug("units reserved",
		zap.String("item_id", itemID),
		zap.Int64("quantity", quantity),
		zap.String("token_id", token.ID))
	return token, nil
}

// Release returns a hold's units to the pool. Releasing an already released
// token is a no-op; releasing a committed token is an error because those
// units left the pool for good.
func (l *Ledger) Release(ctx context.Context, tokenID string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback()

	var itemID string
	var quantity int64
	var state db.HoldState
	row := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT item_id, quantity, state FROM hold_tokens WHERE id = ?`), tokenID)
	if err := row.Scan(&itemID, &quantity, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to load hold: %w", err)
	}

	switch state {
	case db.HoldReleased:
		return nil
	case db.HoldCommitted:
		return ErrAlreadyCommitted
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE hold_tokens SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
		db.HoldReleased, now, tokenID, db.HoldHeld)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// A concurrent caller settled the token between our read and the
		// guarded update. Re-read to report the settled state.
		var current db.HoldState
		if err := tx.QueryRowxContext(ctx, tx.Rebind(`SELECT state FROM hold_tokens WHERE id = ?`), tokenID).Scan(&current); err != nil {
			return fmt.Errorf("failed to re-read hold: %w", err)
		}
		if current == db.HoldReleased {
			return nil
		}
		return ErrAlreadyCommitted
	}

	decrement := tx.Rebind(`UPDATE inventory_items SET reserved_units = reserved_units - ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, decrement, quantity, now, itemID); err != nil {
		return fmt.Errorf("failed to return units: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}

	l.log.Debug("hold released",
		zap.String("item_id", itemID),
		zap.Int64("quantity", quantity),
		zap.String("token_id", tokenID))
	return nil
}

// Commit settles a hold permanently. The counter does not move: committed
// units stay consumed. Committing a committed token is a no-op; committing a
// released token is an error.
func (l *Ledger) Commit(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	result, err := l.db.ExecContext(ctx,
		l.db.Rebind(`UPDATE hold_tokens SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
		db.HoldCommitted, now, tokenID, db.HoldHeld)
	if err != nil {
		return fmt.Errorf("failed to commit hold: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 1 {
		l.log.Debug("hold committed", zap.String("token_id", tokenID))
		return nil
	}

	var state db.HoldState
	row := l.db.QueryRowxContext(ctx, l.db.Rebind(`SELECT state FROM hold_tokens WHERE id = ?`), tokenID)
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to load hold: %w", err)
	}

	switch state {
	case db.HoldCommitted:
		return nil
	case db.HoldReleased:
		return ErrAlreadyReleased
	}
	return fmt.Errorf("hold %s in unexpected state %s", tokenID, state)
}

// Availability returns the ledger row for an item.
func (l *Ledger) Availability(ctx context.Context, itemID string) (*db.InventoryItem, error) {
	query := l.db.Rebind(`
		SELECT id, kind, title, capacity, reserved_units, digital, created_at, updated_at
		FROM inventory_items WHERE id = ?`)
	row := l.db.QueryRowxContext(ctx, query, itemID)

	var item db.InventoryItem
	var capacity sql.NullInt64
	if err := row.Scan(&item.ID, &item.Kind, &item.Title, &capacity, &item.ReservedUnits, &item.Digital, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	if capacity.Valid {
		item.Capacity = &capacity.Int64
	}
	return &item, nil
}

// ReleaseExpiredHolds releases every hold still HELD past the cutoff whose
// token is not in liveTokens. Recovery path for holds orphaned by a crash
// between the ledger write and the owning record's write.
func (l *Ledger) ReleaseExpiredHolds(ctx context.Context, cutoff time.Time, liveTokens []string) (int, error) {
	query := `SELECT id FROM hold_tokens WHERE state = ? AND created_at < ?`
	args := []interface{}{db.HoldHeld, cutoff}
	if len(liveTokens) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND id NOT IN (?)`, db.HoldHeld, cutoff, liveTokens)
		if err != nil {
			return 0, fmt.Errorf("failed to build orphan query: %w", err)
		}
	}

	var ids []string
	if err := l.db.SelectContext(ctx, &ids, l.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to scan for orphaned holds: %w", err)
	}

	released := 0
	for _, id := range ids {
		if err := l.Release(ctx, id); err != nil {
			l.log.Warn("failed to release orphaned hold", zap.String("token_id", id), zap.Error(err))
			continue
		}
		released++
	}

	if released > 0 {
		l.log.Info("orphaned holds released", zap.Int("count", released), zap.Time("cutoff", cutoff))
	}
	return released, nil
}

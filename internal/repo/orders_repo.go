package repo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookyard/circulation/internal/db"
)

var (
	// ErrOrderNotFound is returned when a transaction is not found
	ErrOrderNotFound = errors.New("order not found")
)

// OrderRepository handles purchase transaction persistence
type OrderRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(database *db.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{
		db:  database,
		log: logger,
	}
}

// Create persists a transaction together with its lines
func (r *OrderRepository) Create(ctx context.Context, tx *db.Transaction) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		r.log.Error("Failed to create transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get retrieves a transaction with its lines
func (r *OrderRepository) Get(ctx context.Context, id string) (*db.Transaction, error) {
	var tx db.Transaction
	err := r.db.WithContext(ctx).Preload("Lines").Where("id = ?", id).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		r.log.Error("Failed to get transaction", zap.String("transaction_id", id), zap.Error(err))
		return nil, err
	}

	return &tx, nil
}

// GetByPaymentRef retrieves the transaction behind a gateway payment reference
func (r *OrderRepository) GetByPaymentRef(ctx context.Context, ref string) (*db.Transaction, error) {
	var tx db.Transaction
	err := r.db.WithContext(ctx).Preload("Lines").Where("payment_ref = ?", ref).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		r.log.Error("Failed to get transaction by payment ref", zap.String("payment_ref", ref), zap.Error(err))
		return nil, err
	}

	return &tx, nil
}

// Transition moves a transaction from one of the given states to the target
// state. It returns false when the transaction was in none of the from
// states, in which case nothing was written.
func (r *OrderRepository) Transition(ctx context.Context, id string, from []db.OrderState, to db.OrderState, completedAt *time.Time) (bool, error) {
	return r.TransitionTx(r.db.WithContext(ctx), id, from, to, completedAt)
}

// TransitionTx is Transition inside a caller-supplied database transaction
func (r *OrderRepository) TransitionTx(tx *gorm.DB, id string, from []db.OrderState, to db.OrderState, completedAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"state": to}
	if completedAt != nil {
		updates["completed_at"] = completedAt
	}

	result := tx.Model(&db.Transaction{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		r.log.Error("Failed to transition transaction",
			zap.String("transaction_id", id),
			zap.String("to", string(to)),
			zap.Error(result.Error))
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// StalePending returns transactions still waiting on payment past the cutoff
func (r *OrderRepository) StalePending(ctx context.Context, cutoff time.Time) ([]*db.Transaction, error) {
	var txs []*db.Transaction
	err := r.db.WithContext(ctx).Preload("Lines").
		Where("state IN ? AND created_at < ?", []db.OrderState{db.OrderCreated, db.OrderAwaitingPayment}, cutoff).
		Order("created_at").
		Find(&txs).Error
	if err != nil {
		r.log.Error("Failed to list stale pending transactions", zap.Error(err))
		return nil, err
	}

	return txs, nil
}

// StuckPaid returns transactions that settled but whose fulfilment never
// finished
func (r *OrderRepository) StuckPaid(ctx context.Context, cutoff time.Time) ([]*db.Transaction, error) {
	var txs []*db.Transaction
	err := r.db.WithContext(ctx).Preload("Lines").
		Where("state = ? AND updated_at < ?", db.OrderPaid, cutoff).
		Order("updated_at").
		Find(&txs).Error
	if err != nil {
		r.log.Error("Failed to list stuck paid transactions", zap.Error(err))
		return nil, err
	}

	return txs, nil
}

// LiveTokenIDs returns hold tokens referenced by non-terminal transactions
func (r *OrderRepository) LiveTokenIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&db.TransactionLine{}).
		Joins("JOIN transactions ON transactions.id = transaction_lines.transaction_id").
		Where("transactions.state IN ?", []db.OrderState{db.OrderCreated, db.OrderAwaitingPayment, db.OrderPaid}).
		Pluck("transaction_lines.hold_token_id", &ids).Error
	if err != nil {
		r.log.Error("Failed to list live order tokens", zap.Error(err))
		return nil, err
	}

	return ids, nil
}

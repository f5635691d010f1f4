package repo

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookyard/circulation/internal/db"
)

var (
	// ErrDuplicateEvent is returned when an idempotency key was seen before
	ErrDuplicateEvent = errors.New("payment event already recorded")

	// ErrEventNotFound is returned when no event matches the lookup
	ErrEventNotFound = errors.New("payment event not found")
)

// PaymentEventRepository handles the append-only payment event log
type PaymentEventRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewPaymentEventRepository creates a new payment event repository
func NewPaymentEventRepository(database *db.DB, logger *zap.Logger) *PaymentEventRepository {
	return &PaymentEventRepository{
		db:  database,
		log: logger,
	}
}

// Append records a payment event. The unique idempotency key turns a
// redelivered webhook into ErrDuplicateEvent instead of a second row.
func (r *PaymentEventRepository) Append(ctx context.Context, ev *db.PaymentEvent) error {
	return r.AppendTx(r.db.WithContext(ctx), ev)
}

// AppendTx is Append inside a caller-supplied database transaction
func (r *PaymentEventRepository) AppendTx(tx *gorm.DB, ev *db.PaymentEvent) error {
	if err := tx.Create(ev).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		r.log.Error("Failed to append payment event",
			zap.String("idempotency_key", ev.IdempotencyKey),
			zap.Error(err))
		return err
	}
	return nil
}

// FindByIdempotencyKey returns the event previously recorded under the key
func (r *PaymentEventRepository) FindByIdempotencyKey(ctx context.Context, key string) (*db.PaymentEvent, error) {
	var ev db.PaymentEvent
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		r.log.Error("Failed to look up payment event", zap.String("idempotency_key", key), zap.Error(err))
		return nil, err
	}

	return &ev, nil
}

// ListByTransaction returns all events recorded for a transaction in arrival
// order
func (r *PaymentEventRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*db.PaymentEvent, error) {
	var evs []*db.PaymentEvent
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("received_at").
		Find(&evs).Error
	if err != nil {
		r.log.Error("Failed to list payment events", zap.String("transaction_id", transactionID), zap.Error(err))
		return nil, err
	}

	return evs, nil
}

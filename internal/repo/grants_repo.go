package repo

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/bookyard/circulation/internal/db"
)

// RetrievalGrantRepository handles digital retrieval grants
type RetrievalGrantRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewRetrievalGrantRepository creates a new retrieval grant repository
func NewRetrievalGrantRepository(database *db.DB, logger *zap.Logger) *RetrievalGrantRepository {
	return &RetrievalGrantRepository{
		db:  database,
		log: logger,
	}
}

// Issue records a grant. Re-issuing for the same transaction and item is a
// no-op so fulfilment repair can run again safely.
func (r *RetrievalGrantRepository) Issue(ctx context.Context, grant *db.RetrievalGrant) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(grant).Error
	if err != nil {
		r.log.Error("Failed to issue retrieval grant",
			zap.String("transaction_id", grant.TransactionID),
			zap.String("item_id", grant.ItemID),
			zap.Error(err))
		return err
	}
	return nil
}

// ListByTransaction returns the grants issued for a transaction
func (r *RetrievalGrantRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*db.RetrievalGrant, error) {
	var grants []*db.RetrievalGrant
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("issued_at").
		Find(&grants).Error
	if err != nil {
		r.log.Error("Failed to list retrieval grants", zap.String("transaction_id", transactionID), zap.Error(err))
		return nil, err
	}

	return grants, nil
}

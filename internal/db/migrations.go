package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(
		&InventoryItem{},
		&HoldToken{},
		&Reservation{},
		&Transaction{},
		&TransactionLine{},
		&PaymentEvent{},
		&RetrievalGrant{},
	); err != nil {
		return err
	}

	// Create additional indexes if not exists
	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB) error {
	// Partial indexes covering the sweeper scans
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_reservations_due_sweep ON reservations(due_at) WHERE state = 'ACTIVE'`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_pending_sweep ON transactions(created_at) WHERE state IN ('CREATED', 'AWAITING_PAYMENT')`,

		`CREATE INDEX IF NOT EXISTS idx_hold_tokens_orphan_sweep ON hold_tokens(created_at) WHERE state = 'HELD'`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}

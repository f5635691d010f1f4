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
	// ErrLoanNotFound is returned when a reservation is not found
	ErrLoanNotFound = errors.New("loan not found")
)

// LoanRepository handles loan reservation persistence
type LoanRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewLoanRepository creates a new loan repository
func NewLoanRepository(database *db.DB, logger *zap.Logger) *LoanRepository {
	return &LoanRepository{
		db:  database,
		log: logger,
	}
}

// Create persists a new reservation
func (r *LoanRepository) Create(ctx context.Context, rec *db.Reservation) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		r.log.Error("Failed to create reservation", zap.String("reservation_id", rec.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get retrieves a reservation by ID
func (r *LoanRepository) Get(ctx context.Context, id string) (*db.Reservation, error) {
	var rec db.Reservation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoanNotFound
		}
		r.log.Error("Failed to get reservation", zap.String("reservation_id", id), zap.Error(err))
		return nil, err
	}

	return &rec, nil
}

// Transition moves a reservation from one of the given states to the target
// state. It returns false when the reservation was in none of the from
// states, in which case nothing was written.
func (r *LoanRepository) Transition(ctx context.Context, id string, from []db.LoanState, to db.LoanState, returnedAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"state": to}
	if returnedAt != nil {
		updates["returned_at"] = returnedAt
	}

	result := r.db.WithContext(ctx).Model(&db.Reservation{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		r.log.Error("Failed to transition reservation",
			zap.String("reservation_id", id),
			zap.String("to", string(to)),
			zap.Error(result.Error))
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// DueBefore returns active reservations whose due date has passed
func (r *LoanRepository) DueBefore(ctx context.Context, t time.Time) ([]*db.Reservation, error) {
	var recs []*db.Reservation
	err := r.db.WithContext(ctx).
		Where("state = ? AND due_at < ?", db.LoanActive, t).
		Order("due_at").
		Find(&recs).Error
	if err != nil {
		r.log.Error("Failed to list overdue reservations", zap.Error(err))
		return nil, err
	}

	return recs, nil
}

// LiveTokenIDs returns the hold tokens backing loans that are still out
func (r *LoanRepository) LiveTokenIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&db.Reservation{}).
		Where("state IN ?", []db.LoanState{db.LoanActive, db.LoanOverdue}).
		Pluck("hold_token_id", &ids).Error
	if err != nil {
		r.log.Error("Failed to list live loan tokens", zap.Error(err))
		return nil, err
	}

	return ids, nil
}

package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/metrics"
	"github.com/bookyard/circulation/internal/principal"
)

// Borrow hands one copy of an item to the principal for the loan period.
func (m *Manager) Borrow(ctx context.Context, itemID string, p principal.Principal) (*db.Reservation, error) {
	if !principal.Allowed(p.Role, principal.OpBorrow) {
		return nil, principal.ErrUnauthorized
	}
	if itemID == "" {
		return nil, validationf("item id is required")
	}

	item, err := m.ledger.Availability(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Kind != db.KindCopy {
		return nil, validationf("item %s is not loanable", itemID)
	}

	hold, err := m.ledger.Reserve(ctx, itemID, 1)
	if err != nil {
		var oos *ledger.OutOfStockError
		if errors.As(err, &oos) {
			return nil, fmt.Errorf("%w: item %s is on loan", ErrUnavailable, itemID)
		}
		return nil, err
	}

	now := time.Now().UTC()
	rec := &db.Reservation{
		ID:          uuid.New().String(),
		ItemID:      itemID,
		PrincipalID: p.ID,
		HoldTokenID: hold.ID,
		State:       db.LoanActive,
		DueAt:       now.Add(m.settings.LoanPeriod),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.loans.Create(ctx, rec); err != nil {
		if relErr := m.ledger.Release(ctx, hold.ID); relErr != nil {
			m.log.Error("Failed to release hold after create failure",
				zap.String("token_id", hold.ID),
				zap.Error(relErr))
		}
		return nil, err
	}

	metrics.LoansBorrowed.Inc()
	m.log.Info("Copy loaned",
		zap.String("reservation_id", rec.ID),
		zap.String("item_id", itemID),
		zap.String("principal_id", p.ID),
		zap.Time("due_at", rec.DueAt))
	return rec, nil
}

// Return settles a loan and frees the copy. Works from ACTIVE and OVERDUE
// alike; a second return reports ErrAlreadyReturned.
func (m *Manager) Return(ctx context.Context, reservationID string, p principal.Principal) (*db.Reservation, error) {
	if !principal.Allowed(p.Role, principal.OpReturn) {
		return nil, principal.ErrUnauthorized
	}

	rec, err := m.loans.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !p.CanActOn(rec.PrincipalID) {
		return nil, principal.ErrUnauthorized
	}
	if rec.State == db.LoanReturned {
		return nil, ErrAlreadyReturned
	}

	now := time.Now().UTC()
	moved, err := m.loans.Transition(ctx, reservationID, []db.LoanState{db.LoanActive, db.LoanOverdue}, db.LoanReturned, &now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrAlreadyReturned
	}

	if err := m.ledger.Release(ctx, rec.HoldTokenID); err != nil {
		// The copy stays blocked until the orphan sweep catches the token.
		m.log.Error("Failed to release returned copy",
			zap.String("reservation_id", reservationID),
			zap.String("token_id", rec.HoldTokenID),
			zap.Error(err))
	}

	payload := map[string]interface{}{
		"reservation_id": rec.ID,
		"item_id":        rec.ItemID,
		"principal_id":   rec.PrincipalID,
	}
	if err := m.sink.Publish(ctx, events.EventTypeLoanReturned, payload); err != nil {
		m.log.Warn("Failed to publish return event", zap.String("reservation_id", rec.ID), zap.Error(err))
	}

	metrics.LoansReturned.Inc()
	m.log.Info("Copy returned",
		zap.String("reservation_id", rec.ID),
		zap.String("item_id", rec.ItemID))

	rec.State = db.LoanReturned
	rec.ReturnedAt = &now
	return rec, nil
}

// GetLoan returns a reservation visible to the principal
func (m *Manager) GetLoan(ctx context.Context, reservationID string, p principal.Principal) (*db.Reservation, error) {
	if !principal.Allowed(p.Role, principal.OpGetLoan) {
		return nil, principal.ErrUnauthorized
	}

	rec, err := m.loans.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !p.CanActOn(rec.PrincipalID) {
		return nil, principal.ErrUnauthorized
	}

	return rec, nil
}

// Package sweeper is the periodic repair loop. It flags overdue loans,
// expires orders nobody paid for, finishes interrupted fulfilments, and
// reclaims holds orphaned by crashes. Every pass is idempotent; a missed
// tick only delays repair.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/metrics"
	"github.com/bookyard/circulation/internal/payments"
	"github.com/bookyard/circulation/internal/repo"
)

// Sweeper runs the repair passes on a fixed interval.
type Sweeper struct {
	loans        *repo.LoanRepository
	orders       *repo.OrderRepository
	ledger       *ledger.Ledger
	reconciler   *payments.Reconciler
	sink         events.Sink
	interval     time.Duration
	orderTimeout time.Duration
	log          *zap.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(loans *repo.LoanRepository, orders *repo.OrderRepository, led *ledger.Ledger, reconciler *payments.Reconciler, sink events.Sink, interval, orderTimeout time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		loans:        loans,
		orders:       orders,
		ledger:       led,
		reconciler:   reconciler,
		sink:         sink,
		interval:     interval,
		orderTimeout: orderTimeout,
		log:          log,
	}
}

// Start runs the sweep loop until the context is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("order_timeout", s.orderTimeout))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx, time.Now().UTC())
		}
	}
}

// SweepOnce runs all passes relative to now. Pass failures are logged and do
// not stop the remaining passes.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) {
	if err := s.flagOverdueLoans(ctx, now); err != nil {
		s.log.Error("Overdue pass failed", zap.Error(err))
	}
	if err := s.expirePendingOrders(ctx, now); err != nil {
		s.log.Error("Expiry pass failed", zap.Error(err))
	}
	if err := s.repairPaidOrders(ctx, now); err != nil {
		s.log.Error("Repair pass failed", zap.Error(err))
	}
	if err := s.reclaimOrphanedHolds(ctx, now); err != nil {
		s.log.Error("Orphan pass failed", zap.Error(err))
	}
	metrics.SweepRuns.Inc()
}

// flagOverdueLoans moves past-due active loans to OVERDUE and notifies. The
// copy stays unavailable until it is actually returned.
func (s *Sweeper) flagOverdueLoans(ctx context.Context, now time.Time) error {
	due, err := s.loans.DueBefore(ctx, now)
	if err != nil {
		return err
	}

	for _, rec := range due {
		moved, err := s.loans.Transition(ctx, rec.ID, []db.LoanState{db.LoanActive}, db.LoanOverdue, nil)
		if err != nil {
			s.log.Error("Failed to flag loan overdue", zap.String("reservation_id", rec.ID), zap.Error(err))
			continue
		}
		if !moved {
			// Returned between the scan and the update.
			continue
		}

		metrics.LoansOverdue.Inc()
		payload := map[string]interface{}{
			"reservation_id": rec.ID,
			"item_id":        rec.ItemID,
			"principal_id":   rec.PrincipalID,
			"due_at":         rec.DueAt.Format(time.RFC3339),
		}
		if err := s.sink.Publish(ctx, events.EventTypeLoanOverdue, payload); err != nil {
			s.log.Warn("Failed to publish overdue event", zap.String("reservation_id", rec.ID), zap.Error(err))
		}

		s.log.Info("Loan flagged overdue",
			zap.String("reservation_id", rec.ID),
			zap.String("item_id", rec.ItemID),
			zap.Time("due_at", rec.DueAt))
	}

	return nil
}

// expirePendingOrders voids orders still unpaid past the timeout and returns
// their stock.
func (s *Sweeper) expirePendingOrders(ctx context.Context, now time.Time) error {
	stale, err := s.orders.StalePending(ctx, now.Add(-s.orderTimeout))
	if err != nil {
		return err
	}

	for _, order := range stale {
		moved, err := s.orders.Transition(ctx, order.ID, []db.OrderState{db.OrderCreated, db.OrderAwaitingPayment}, db.OrderExpired, nil)
		if err != nil {
			s.log.Error("Failed to expire order", zap.String("transaction_id", order.ID), zap.Error(err))
			continue
		}
		if !moved {
			// Settled between the scan and the update.
			continue
		}

		for _, line := range order.Lines {
			if err := s.ledger.Release(ctx, line.HoldTokenID); err != nil {
				s.log.Error("Failed to release expired hold",
					zap.String("transaction_id", order.ID),
					zap.String("token_id", line.HoldTokenID),
					zap.Error(err))
			}
		}

		metrics.OrdersSettled.WithLabelValues("expired").Inc()
		payload := map[string]interface{}{
			"transaction_id": order.ID,
			"principal_id":   order.PrincipalID,
		}
		if err := s.sink.Publish(ctx, events.EventTypeOrderExpired, payload); err != nil {
			s.log.Warn("Failed to publish expiry event", zap.String("transaction_id", order.ID), zap.Error(err))
		}

		s.log.Info("Order expired",
			zap.String("transaction_id", order.ID),
			zap.Time("created_at", order.CreatedAt))
	}

	return nil
}

// repairPaidOrders finishes fulfilment for orders whose confirmation was
// absorbed but whose settlement was interrupted.
func (s *Sweeper) repairPaidOrders(ctx context.Context, now time.Time) error {
	stuck, err := s.orders.StuckPaid(ctx, now.Add(-s.interval))
	if err != nil {
		return err
	}

	for _, order := range stuck {
		if err := s.reconciler.Fulfill(ctx, order); err != nil {
			s.log.Error("Failed to repair paid order", zap.String("transaction_id", order.ID), zap.Error(err))
			continue
		}
		s.log.Info("Paid order repaired", zap.String("transaction_id", order.ID))
	}

	return nil
}

// reclaimOrphanedHolds releases stale holds no live loan or order claims.
func (s *Sweeper) reclaimOrphanedHolds(ctx context.Context, now time.Time) error {
	live, err := s.loans.LiveTokenIDs(ctx)
	if err != nil {
		return err
	}
	orderTokens, err := s.orders.LiveTokenIDs(ctx)
	if err != nil {
		return err
	}
	live = append(live, orderTokens...)

	released, err := s.ledger.ReleaseExpiredHolds(ctx, now.Add(-s.orderTimeout), live)
	if err != nil {
		return err
	}
	if released > 0 {
		metrics.HoldsReclaimed.Add(float64(released))
	}

	return nil
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/metrics"
	"github.com/bookyard/circulation/internal/repo"
)

// Outcome is the gateway's verdict on a payment.
type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeDeclined  Outcome = "DECLINED"
	OutcomeRefunded  Outcome = "REFUNDED"
)

// Valid reports whether the outcome is one the reconciler understands
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeConfirmed, OutcomeDeclined, OutcomeRefunded:
		return true
	}
	return false
}

var (
	// ErrUnknownTransaction means no order carries the payment reference
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrMalformedEvent means the notification was missing required fields
	ErrMalformedEvent = errors.New("malformed payment event")

	errStateUnchanged = errors.New("state unchanged")
)

// Result describes how a notification was absorbed.
type Result struct {
	Outcome   Outcome
	State     db.OrderState
	Applied   bool // the event moved the order's state
	Duplicate bool // the idempotency key was seen before
	Anomaly   bool // the event arrived for a settled order and was logged only
}

// Disposition returns the label used in logs and metrics
func (r *Result) Disposition() string {
	switch {
	case r.Duplicate:
		return metrics.DispositionDuplicate
	case r.Applied:
		return metrics.DispositionApplied
	case r.Anomaly:
		return metrics.DispositionAnomaly
	}
	return metrics.DispositionRecorded
}

// Reconciler absorbs gateway notifications into order state exactly once.
// The state transition and the event append share one database transaction;
// stock settlement follows and is idempotent, so the sweeper can finish any
// half-done fulfilment.
type Reconciler struct {
	db     *db.DB
	orders *repo.OrderRepository
	events *repo.PaymentEventRepository
	grants *repo.RetrievalGrantRepository
	ledger *ledger.Ledger
	sink   events.Sink
	log    *zap.Logger
}

// NewReconciler creates a new payment reconciler
func NewReconciler(database *db.DB, orders *repo.OrderRepository, eventLog *repo.PaymentEventRepository, grants *repo.RetrievalGrantRepository, led *ledger.Ledger, sink events.Sink, log *zap.Logger) *Reconciler {
	return &Reconciler{
		db:     database,
		orders: orders,
		events: eventLog,
		grants: grants,
		ledger: led,
		sink:   sink,
		log:    log,
	}
}

// Apply absorbs one gateway notification. Redelivery of a processed
// idempotency key returns the recorded result without touching state or
// stock.
func (r *Reconciler) Apply(ctx context.Context, paymentRef string, outcome Outcome, idempotencyKey string) (*Result, error) {
	if paymentRef == "" || idempotencyKey == "" || !outcome.Valid() {
		return nil, ErrMalformedEvent
	}

	order, err := r.orders.GetByPaymentRef(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, repo.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: payment ref %s", ErrUnknownTransaction, paymentRef)
		}
		return nil, err
	}

	if prior, err := r.events.FindByIdempotencyKey(ctx, idempotencyKey); err == nil {
		if prior.TransactionID != order.ID {
			r.log.Warn("Idempotency key reused across transactions",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("recorded_transaction_id", prior.TransactionID),
				zap.String("transaction_id", order.ID))
		}
		res := &Result{Outcome: Outcome(prior.Outcome), State: order.State, Duplicate: true}
		r.finish(res, order.ID, idempotencyKey)
		return res, nil
	} else if !errors.Is(err, repo.ErrEventNotFound) {
		return nil, err
	}

	ev := &db.PaymentEvent{
		EventID:        uuid.New().String(),
		TransactionID:  order.ID,
		Outcome:        string(outcome),
		IdempotencyKey: idempotencyKey,
		ReceivedAt:     time.Now().UTC(),
	}

	var res *Result
	switch outcome {
	case OutcomeConfirmed:
		res, err = r.applyConfirmed(ctx, order, ev)
	case OutcomeDeclined:
		res, err = r.applyDeclined(ctx, order, ev)
	default:
		res, err = r.applyRefunded(ctx, order, ev)
	}
	if err != nil {
		return nil, err
	}

	r.finish(res, order.ID, idempotencyKey)
	return res, nil
}

func (r *Reconciler) finish(res *Result, transactionID, key string) {
	metrics.PaymentEvents.WithLabelValues(string(res.Outcome), res.Disposition()).Inc()
	r.log.Info("Payment event absorbed",
		zap.String("transaction_id", transactionID),
		zap.String("idempotency_key", key),
		zap.String("outcome", string(res.Outcome)),
		zap.String("disposition", res.Disposition()),
		zap.String("state", string(res.State)))
}

// applyTransition runs the state change and the event append in one database
// transaction so a crash cannot record the event without the transition.
// A false return means the order was in none of the from states.
func (r *Reconciler) applyTransition(ctx context.Context, orderID string, ev *db.PaymentEvent, from []db.OrderState, to db.OrderState) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := r.orders.TransitionTx(tx, orderID, from, to, nil)
		if err != nil {
			return err
		}
		if !moved {
			return errStateUnchanged
		}
		return r.events.AppendTx(tx, ev)
	})
	if errors.Is(err, errStateUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) applyConfirmed(ctx context.Context, order *db.Transaction, ev *db.PaymentEvent) (*Result, error) {
	// CREATED is accepted too: the payment reference only exists once
	// checkout was initiated, so a confirmation can race the order's own
	// move to AWAITING_PAYMENT.
	moved, err := r.applyTransition(ctx, order.ID, ev, []db.OrderState{db.OrderCreated, db.OrderAwaitingPayment}, db.OrderPaid)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateEvent) {
			return r.duplicateResult(ctx, order, ev)
		}
		return nil, err
	}
	if !moved {
		return r.recordSettled(ctx, order, ev)
	}

	if err := r.Fulfill(ctx, order); err != nil {
		// PAID is durable; the sweeper finishes fulfilment on its next pass.
		r.log.Error("Fulfilment incomplete, leaving for repair",
			zap.String("transaction_id", order.ID),
			zap.Error(err))
	}

	current, err := r.orders.Get(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeConfirmed, State: current.State, Applied: true}, nil
}

func (r *Reconciler) applyDeclined(ctx context.Context, order *db.Transaction, ev *db.PaymentEvent) (*Result, error) {
	moved, err := r.applyTransition(ctx, order.ID, ev, []db.OrderState{db.OrderCreated, db.OrderAwaitingPayment}, db.OrderDeclined)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateEvent) {
			return r.duplicateResult(ctx, order, ev)
		}
		return nil, err
	}
	if !moved {
		return r.recordSettled(ctx, order, ev)
	}

	for _, line := range order.Lines {
		if err := r.ledger.Release(ctx, line.HoldTokenID); err != nil {
			r.log.Error("Failed to release hold for declined order",
				zap.String("transaction_id", order.ID),
				zap.String("token_id", line.HoldTokenID),
				zap.Error(err))
		}
	}

	metrics.OrdersSettled.WithLabelValues("declined").Inc()
	payload := map[string]interface{}{
		"transaction_id": order.ID,
		"principal_id":   order.PrincipalID,
		"total_cents":    order.TotalCents,
	}
	if err := r.sink.Publish(ctx, events.EventTypeOrderDeclined, payload); err != nil {
		r.log.Warn("Failed to publish decline event", zap.String("transaction_id", order.ID), zap.Error(err))
	}

	return &Result{Outcome: OutcomeDeclined, State: db.OrderDeclined, Applied: true}, nil
}

// applyRefunded records the refund for audit. Refunds are settled on the
// gateway's side; order state does not move.
func (r *Reconciler) applyRefunded(ctx context.Context, order *db.Transaction, ev *db.PaymentEvent) (*Result, error) {
	if err := r.events.Append(ctx, ev); err != nil {
		if errors.Is(err, repo.ErrDuplicateEvent) {
			return r.duplicateResult(ctx, order, ev)
		}
		return nil, err
	}

	r.log.Info("Refund recorded",
		zap.String("transaction_id", order.ID),
		zap.String("payment_ref", order.PaymentRef))
	return &Result{Outcome: OutcomeRefunded, State: order.State}, nil
}

// recordSettled appends the event for audit when the order has already
// settled. A confirmation landing after expiry is called out loudly: the
// customer was charged but the stock already went back.
func (r *Reconciler) recordSettled(ctx context.Context, order *db.Transaction, ev *db.PaymentEvent) (*Result, error) {
	if err := r.events.Append(ctx, ev); err != nil {
		if errors.Is(err, repo.ErrDuplicateEvent) {
			return r.duplicateResult(ctx, order, ev)
		}
		return nil, err
	}

	current, err := r.orders.Get(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	if Outcome(ev.Outcome) == OutcomeConfirmed && current.State == db.OrderExpired {
		r.log.Warn("Payment confirmed after order expiry, refund needed",
			zap.String("transaction_id", order.ID),
			zap.String("payment_ref", order.PaymentRef),
			zap.Int64("total_cents", order.TotalCents))
	} else {
		r.log.Info("Payment event for settled order recorded only",
			zap.String("transaction_id", order.ID),
			zap.String("state", string(current.State)),
			zap.String("outcome", ev.Outcome))
	}

	return &Result{Outcome: Outcome(ev.Outcome), State: current.State, Anomaly: true}, nil
}

func (r *Reconciler) duplicateResult(ctx context.Context, order *db.Transaction, ev *db.PaymentEvent) (*Result, error) {
	current, err := r.orders.Get(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: Outcome(ev.Outcome), State: current.State, Duplicate: true}, nil
}

// Fulfill commits every line's hold, issues retrieval grants for digital
// items, and marks the transaction fulfilled. Every step is idempotent so a
// rerun after partial failure converges.
func (r *Reconciler) Fulfill(ctx context.Context, order *db.Transaction) error {
	for _, line := range order.Lines {
		if err := r.ledger.Commit(ctx, line.HoldTokenID); err != nil {
			return fmt.Errorf("failed to commit hold for item %s: %w", line.ItemID, err)
		}

		item, err := r.ledger.Availability(ctx, line.ItemID)
		if err != nil {
			return fmt.Errorf("failed to load item %s: %w", line.ItemID, err)
		}
		if item.Digital {
			grant := &db.RetrievalGrant{
				ID:            uuid.New().String(),
				TransactionID: order.ID,
				ItemID:        line.ItemID,
				PrincipalID:   order.PrincipalID,
				IssuedAt:      time.Now().UTC(),
			}
			if err := r.grants.Issue(ctx, grant); err != nil {
				return fmt.Errorf("failed to issue grant for item %s: %w", line.ItemID, err)
			}
		}
	}

	now := time.Now().UTC()
	moved, err := r.orders.Transition(ctx, order.ID, []db.OrderState{db.OrderPaid}, db.OrderFulfilled, &now)
	if err != nil {
		return err
	}
	if !moved {
		// Another worker finished first.
		return nil
	}

	metrics.OrdersSettled.WithLabelValues("fulfilled").Inc()
	payload := map[string]interface{}{
		"transaction_id": order.ID,
		"principal_id":   order.PrincipalID,
		"total_cents":    order.TotalCents,
		"currency":       order.Currency,
	}
	if err := r.sink.Publish(ctx, events.EventTypeOrderFulfilled, payload); err != nil {
		r.log.Warn("Failed to publish fulfilment event", zap.String("transaction_id", order.ID), zap.Error(err))
	}

	r.log.Info("Transaction fulfilled",
		zap.String("transaction_id", order.ID),
		zap.String("principal_id", order.PrincipalID))
	return nil
}

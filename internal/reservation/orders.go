package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/metrics"
	"github.com/bookyard/circulation/internal/payments"
	"github.com/bookyard/circulation/internal/principal"
)

// OrderLine is one requested item position.
type OrderLine struct {
	ItemID         string
	Quantity       int64
	UnitPriceCents int64
}

// CreateOrder reserves stock for every line, opens a checkout session with
// the gateway, and parks the order awaiting the verdict. Reservation is all
// or nothing: one unavailable line rolls back every hold taken before it.
func (m *Manager) CreateOrder(ctx context.Context, lines []OrderLine, p principal.Principal) (*db.Transaction, error) {
	if !principal.Allowed(p.Role, principal.OpCreateOrder) {
		return nil, principal.ErrUnauthorized
	}
	if len(lines) == 0 {
		return nil, validationf("order needs at least one line")
	}
	for _, line := range lines {
		if line.ItemID == "" {
			return nil, validationf("line item id is required")
		}
		if line.Quantity <= 0 {
			return nil, validationf("line quantity for item %s must be positive", line.ItemID)
		}
		if line.UnitPriceCents < 0 {
			return nil, validationf("line price for item %s cannot be negative", line.ItemID)
		}
	}

	var holds []*db.HoldToken
	releaseAll := func() {
		for _, h := range holds {
			if err := m.ledger.Release(ctx, h.ID); err != nil {
				m.log.Error("Failed to release hold during rollback",
					zap.String("token_id", h.ID),
					zap.Error(err))
			}
		}
	}

	for _, line := range lines {
		hold, err := m.ledger.Reserve(ctx, line.ItemID, line.Quantity)
		if err != nil {
			releaseAll()
			return nil, err
		}
		holds = append(holds, hold)
	}

	now := time.Now().UTC()
	order := &db.Transaction{
		ID:          uuid.New().String(),
		PrincipalID: p.ID,
		State:       db.OrderCreated,
		PaymentRef:  uuid.New().String(),
		Currency:    m.settings.Currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var total int64
	for i, line := range lines {
		total += line.Quantity * line.UnitPriceCents
		order.Lines = append(order.Lines, db.TransactionLine{
			ID:             uuid.New().String(),
			TransactionID:  order.ID,
			ItemID:         line.ItemID,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			HoldTokenID:    holds[i].ID,
		})
	}
	order.TotalCents = total

	if err := m.orders.Create(ctx, order); err != nil {
		releaseAll()
		return nil, err
	}

	checkout := payments.CheckoutRequest{
		PaymentRef:  order.PaymentRef,
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
	}
	if err := m.gateway.InitiateCheckout(ctx, checkout); err != nil {
		m.abortOrder(ctx, order)
		return nil, err
	}

	moved, err := m.orders.Transition(ctx, order.ID, []db.OrderState{db.OrderCreated}, db.OrderAwaitingPayment, nil)
	if err != nil {
		return nil, err
	}
	if moved {
		order.State = db.OrderAwaitingPayment
	} else {
		// A very fast payment confirmation can move the order first.
		current, err := m.orders.Get(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		order = current
	}

	metrics.OrdersCreated.Inc()
	m.log.Info("Order created",
		zap.String("transaction_id", order.ID),
		zap.String("principal_id", p.ID),
		zap.Int64("total_cents", order.TotalCents),
		zap.Int("lines", len(order.Lines)))
	return order, nil
}

// abortOrder cancels a just-created order whose checkout never opened.
func (m *Manager) abortOrder(ctx context.Context, order *db.Transaction) {
	moved, err := m.orders.Transition(ctx, order.ID, []db.OrderState{db.OrderCreated}, db.OrderCancelled, nil)
	if err != nil || !moved {
		// The sweeper expires it later.
		m.log.Error("Failed to abort order, leaving for sweep",
			zap.String("transaction_id", order.ID),
			zap.Error(err))
		return
	}

	for _, line := range order.Lines {
		if err := m.ledger.Release(ctx, line.HoldTokenID); err != nil {
			m.log.Error("Failed to release hold during abort",
				zap.String("token_id", line.HoldTokenID),
				zap.Error(err))
		}
	}
	metrics.OrdersSettled.WithLabelValues("cancelled").Inc()
}

// CancelOrder voids an order that has not settled and returns its stock.
func (m *Manager) CancelOrder(ctx context.Context, orderID string, p principal.Principal) (*db.Transaction, error) {
	if !principal.Allowed(p.Role, principal.OpCancelOrder) {
		return nil, principal.ErrUnauthorized
	}

	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !p.CanActOn(order.PrincipalID) {
		return nil, principal.ErrUnauthorized
	}

	moved, err := m.orders.Transition(ctx, orderID, []db.OrderState{db.OrderCreated, db.OrderAwaitingPayment}, db.OrderCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: state %s", ErrNotCancellable, order.State)
	}

	for _, line := range order.Lines {
		if err := m.ledger.Release(ctx, line.HoldTokenID); err != nil {
			m.log.Error("Failed to release cancelled hold",
				zap.String("transaction_id", orderID),
				zap.String("token_id", line.HoldTokenID),
				zap.Error(err))
		}
	}

	metrics.OrdersSettled.WithLabelValues("cancelled").Inc()
	payload := map[string]interface{}{
		"transaction_id": order.ID,
		"principal_id":   order.PrincipalID,
	}
	if err := m.sink.Publish(ctx, events.EventTypeOrderCancelled, payload); err != nil {
		m.log.Warn("Failed to publish cancel event", zap.String("transaction_id", orderID), zap.Error(err))
	}

	m.log.Info("Order cancelled",
		zap.String("transaction_id", orderID),
		zap.String("principal_id", p.ID))

	order.State = db.OrderCancelled
	return order, nil
}

// GetOrder returns the transaction with its lines and any retrieval grants
func (m *Manager) GetOrder(ctx context.Context, orderID string, p principal.Principal) (*db.Transaction, []*db.RetrievalGrant, error) {
	if !principal.Allowed(p.Role, principal.OpGetOrder) {
		return nil, nil, principal.ErrUnauthorized
	}

	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !p.CanActOn(order.PrincipalID) {
		return nil, nil, principal.ErrUnauthorized
	}

	grants, err := m.grants.ListByTransaction(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, grants, nil
}

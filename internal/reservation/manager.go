// Package reservation holds the loan and order flows. Both claim units
// through the availability ledger first and write their own records second,
// so a crash between the two leaves an orphaned hold the sweeper reclaims,
// never an oversold item.
package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/payments"
	"github.com/bookyard/circulation/internal/principal"
	"github.com/bookyard/circulation/internal/repo"
)

// Settings carries the tunables for loan and order flows.
type Settings struct {
	LoanPeriod time.Duration
	Currency   string
}

// Manager coordinates loans and orders over the shared ledger.
type Manager struct {
	ledger   *ledger.Ledger
	loans    *repo.LoanRepository
	orders   *repo.OrderRepository
	grants   *repo.RetrievalGrantRepository
	gateway  payments.Gateway
	sink     events.Sink
	settings Settings
	log      *zap.Logger
}

// NewManager creates a new reservation manager
func NewManager(led *ledger.Ledger, loans *repo.LoanRepository, orders *repo.OrderRepository, grants *repo.RetrievalGrantRepository, gateway payments.Gateway, sink events.Sink, settings Settings, log *zap.Logger) *Manager {
	return &Manager{
		ledger:   led,
		loans:    loans,
		orders:   orders,
		grants:   grants,
		gateway:  gateway,
		sink:     sink,
		settings: settings,
		log:      log,
	}
}

// RegisterItem creates or updates an inventory item. Admin only.
func (m *Manager) RegisterItem(ctx context.Context, spec ledger.ItemSpec, p principal.Principal) error {
	if !principal.Allowed(p.Role, principal.OpRegisterItem) {
		return principal.ErrUnauthorized
	}
	if spec.ID == "" || spec.Title == "" {
		return validationf("item id and title are required")
	}

	switch spec.Kind {
	case db.KindCopy:
		if spec.Capacity == nil || (*spec.Capacity != 0 && *spec.Capacity != 1) {
			return validationf("copy items need a capacity of 0 or 1")
		}
	case db.KindStockUnit:
		if spec.Capacity != nil && *spec.Capacity < 0 {
			return validationf("capacity cannot be negative")
		}
	default:
		return validationf("unknown item kind %q", spec.Kind)
	}

	return m.ledger.RegisterItem(ctx, spec)
}

// ItemAvailability returns the ledger row for an item
func (m *Manager) ItemAvailability(ctx context.Context, itemID string, p principal.Principal) (*db.InventoryItem, error) {
	if !principal.Allowed(p.Role, principal.OpGetItem) {
		return nil, principal.ErrUnauthorized
	}
	return m.ledger.Availability(ctx, itemID)
}

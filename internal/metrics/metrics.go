// Package metrics registers the service's Prometheus collectors. Counters
// are package-level so call sites stay one line.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoansBorrowed counts successful borrow operations.
	LoansBorrowed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "loans",
		Name:      "borrowed_total",
		Help:      "Number of copies handed out on loan.",
	})

	// LoansReturned counts successful returns.
	LoansReturned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "loans",
		Name:      "returned_total",
		Help:      "Number of loaned copies returned.",
	})

	// LoansOverdue counts loans flagged overdue by the sweeper.
	LoansOverdue = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "loans",
		Name:      "overdue_total",
		Help:      "Number of loans flagged overdue.",
	})

	// OrdersCreated counts orders accepted for checkout.
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "orders",
		Name:      "created_total",
		Help:      "Number of orders accepted for checkout.",
	})

	// OrdersSettled counts orders reaching a terminal state, by outcome.
	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "orders",
		Name:      "settled_total",
		Help:      "Number of orders reaching a terminal state.",
	}, []string{"outcome"})

	// PaymentEvents counts gateway notifications by outcome and disposition.
	PaymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "payments",
		Name:      "events_total",
		Help:      "Number of payment notifications processed.",
	}, []string{"outcome", "disposition"})

	// SweepRuns counts completed sweeper passes.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Number of completed sweep cycles.",
	})

	// HoldsReclaimed counts orphaned holds released by the sweeper.
	HoldsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "circulation",
		Subsystem: "sweeper",
		Name:      "holds_reclaimed_total",
		Help:      "Number of orphaned holds released.",
	})
)

// Payment event dispositions.
const (
	DispositionApplied   = "applied"
	DispositionDuplicate = "duplicate"
	DispositionAnomaly   = "anomaly"
	DispositionRecorded  = "recorded"
)

package db

import (
	"time"
)

// ItemKind distinguishes loanable physical copies from sellable stock.
type ItemKind string

const (
	KindCopy      ItemKind = "COPY"
	KindStockUnit ItemKind = "STOCK_UNIT"
)

// HoldState is the lifecycle state of a hold token.
type HoldState string

const (
	HoldHeld      HoldState = "HELD"
	HoldCommitted HoldState = "COMMITTED"
	HoldReleased  HoldState = "RELEASED"
)

// LoanState is the lifecycle state of a loan reservation.
type LoanState string

const (
	LoanActive   LoanState = "ACTIVE"
	LoanOverdue  LoanState = "OVERDUE"
	LoanReturned LoanState = "RETURNED"
)

// Terminal reports whether no further transitions are possible.
func (s LoanState) Terminal() bool {
	return s == LoanReturned
}

// OrderState is the lifecycle state of a purchase transaction.
type OrderState string

const (
	OrderCreated         OrderState = "CREATED"
	OrderAwaitingPayment OrderState = "AWAITING_PAYMENT"
	OrderPaid            OrderState = "PAID"
	OrderFulfilled       OrderState = "FULFILLED"
	OrderDeclined        OrderState = "DECLINED"
	OrderExpired         OrderState = "EXPIRED"
	OrderCancelled       OrderState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFulfilled, OrderDeclined, OrderExpired, OrderCancelled:
		return true
	}
	return false
}

// InventoryItem is a row in the atomic availability ledger. Capacity nil
// means unlimited (digital stock); reserved_units never exceeds capacity.
type InventoryItem struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Kind          ItemKind  `gorm:"type:varchar(16);not null" json:"kind"`
	Title         string    `gorm:"type:varchar(255);not null" json:"title"`
	Capacity      *int64    `json:"capacity,omitempty"`
	ReservedUnits int64     `gorm:"not null;default:0" json:"reserved_units"`
	Digital       bool      `gorm:"not null;default:false" json:"digital"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for InventoryItem model
func (InventoryItem) TableName() string {
	return "inventory_items"
}

// Available returns the remaining free units, or nil when capacity is
// unlimited.
func (i *InventoryItem) Available() *int64 {
	if i.Capacity == nil {
		return nil
	}
	n := *i.Capacity - i.ReservedUnits
	return &n
}

// HoldToken records one reservation of units against an inventory item.
type HoldToken struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ItemID    string    `gorm:"type:varchar(64);not null;index:idx_hold_tokens_item" json:"item_id"`
	Quantity  int64     `gorm:"not null" json:"quantity"`
	State     HoldState `gorm:"type:varchar(16);not null;index:idx_hold_tokens_state" json:"state"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for HoldToken model
func (HoldToken) TableName() string {
	return "hold_tokens"
}

// Reservation is a loan of a single copy to a principal.
type Reservation struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ItemID      string     `gorm:"type:varchar(64);not null;index:idx_reservations_item" json:"item_id"`
	PrincipalID string     `gorm:"type:varchar(64);not null;index:idx_reservations_principal" json:"principal_id"`
	HoldTokenID string     `gorm:"type:varchar(36);not null" json:"hold_token_id"`
	State       LoanState  `gorm:"type:varchar(16);not null;index:idx_reservations_state" json:"state"`
	DueAt       time.Time  `gorm:"not null;index:idx_reservations_due_at" json:"due_at"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Reservation model
func (Reservation) TableName() string {
	return "reservations"
}

// Transaction is a purchase order moving through the payment lifecycle.
type Transaction struct {
	ID          string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PrincipalID string            `gorm:"type:varchar(64);not null;index:idx_transactions_principal" json:"principal_id"`
	State       OrderState        `gorm:"type:varchar(20);not null;index:idx_transactions_state" json:"state"`
	PaymentRef  string            `gorm:"type:varchar(64);not null;uniqueIndex:idx_transactions_payment_ref" json:"payment_ref"`
	TotalCents  int64             `gorm:"not null" json:"total_cents"`
	Currency    string            `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	Lines       []TransactionLine `gorm:"foreignKey:TransactionID" json:"lines,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Transaction model
func (Transaction) TableName() string {
	return "transactions"
}

// TransactionLine is one item position within a transaction. It carries the
// hold token backing the reserved units so settlement can commit or release
// exactly what was held.
type TransactionLine struct {
	ID             string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TransactionID  string `gorm:"type:varchar(36);not null;index:idx_transaction_lines_tx" json:"transaction_id"`
	ItemID         string `gorm:"type:varchar(64);not null" json:"item_id"`
	Quantity       int64  `gorm:"not null" json:"quantity"`
	UnitPriceCents int64  `gorm:"not null" json:"unit_price_cents"`
	HoldTokenID    string `gorm:"type:varchar(36);not null" json:"hold_token_id"`
}

// TableName specifies the table name for TransactionLine model
func (TransactionLine) TableName() string {
	return "transaction_lines"
}

// PaymentEvent is an append-only record of a gateway notification. The
// idempotency key is unique so redelivered webhooks insert at most once.
type PaymentEvent struct {
	EventID        string    `gorm:"primaryKey;type:varchar(36)" json:"event_id"`
	TransactionID  string    `gorm:"type:varchar(36);not null;index:idx_payment_events_tx" json:"transaction_id"`
	Outcome        string    `gorm:"type:varchar(16);not null" json:"outcome"`
	IdempotencyKey string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_payment_events_idem_key" json:"idempotency_key"`
	ReceivedAt     time.Time `gorm:"not null" json:"received_at"`
}

// TableName specifies the table name for PaymentEvent model
func (PaymentEvent) TableName() string {
	return "payment_events"
}

// RetrievalGrant entitles a principal to download a digital item bought in a
// fulfilled transaction. The (transaction, item) pair is unique so fulfilment
// repair never issues duplicates.
type RetrievalGrant struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TransactionID string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_retrieval_grants_tx_item,priority:1" json:"transaction_id"`
	ItemID        string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_retrieval_grants_tx_item,priority:2" json:"item_id"`
	PrincipalID   string    `gorm:"type:varchar(64);not null;index:idx_retrieval_grants_principal" json:"principal_id"`
	IssuedAt      time.Time `gorm:"not null" json:"issued_at"`
}

// TableName specifies the table name for RetrievalGrant model
func (RetrievalGrant) TableName() string {
	return "retrieval_grants"
}

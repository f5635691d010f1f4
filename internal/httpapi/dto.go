package httpapi

import (
	"time"

	"github.com/bookyard/circulation/internal/db"
)

type borrowRequest struct {
	ItemID string `json:"item_id"`
}

type loanResponse struct {
	ID          string  `json:"id"`
	ItemID      string  `json:"item_id"`
	PrincipalID string  `json:"principal_id"`
	State       string  `json:"state"`
	DueAt       string  `json:"due_at"`
	ReturnedAt  *string `json:"returned_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toLoanResponse(rec *db.Reservation) loanResponse {
	resp := loanResponse{
		ID:          rec.ID,
		ItemID:      rec.ItemID,
		PrincipalID: rec.PrincipalID,
		State:       string(rec.State),
		DueAt:       rec.DueAt.Format(time.RFC3339),
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ReturnedAt != nil {
		t := rec.ReturnedAt.Format(time.RFC3339)
		resp.ReturnedAt = &t
	}
	return resp
}

type orderLineRequest struct {
	ItemID         string `json:"item_id"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type createOrderRequest struct {
	Lines []orderLineRequest `json:"lines"`
}

type orderLineResponse struct {
	ItemID         string `json:"item_id"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type grantResponse struct {
	ItemID   string `json:"item_id"`
	IssuedAt string `json:"issued_at"`
}

type orderResponse struct {
	ID          string              `json:"id"`
	PrincipalID string              `json:"principal_id"`
	State       string              `json:"state"`
	PaymentRef  string              `json:"payment_ref"`
	TotalCents  int64               `json:"total_cents"`
	Currency    string              `json:"currency"`
	Lines       []orderLineResponse `json:"lines"`
	Grants      []grantResponse     `json:"grants,omitempty"`
	CreatedAt   string              `json:"created_at"`
	CompletedAt *string             `json:"completed_at,omitempty"`
}

func toOrderResponse(order *db.Transaction, grants []*db.RetrievalGrant) orderResponse {
	resp := orderResponse{
		ID:          order.ID,
		PrincipalID: order.PrincipalID,
		State:       string(order.State),
		PaymentRef:  order.PaymentRef,
		TotalCents:  order.TotalCents,
		Currency:    order.Currency,
		Lines:       make([]orderLineResponse, 0, len(order.Lines)),
		CreatedAt:   order.CreatedAt.Format(time.RFC3339),
	}
	for _, line := range order.Lines {
		resp.Lines = append(resp.Lines, orderLineResponse{
			ItemID:         line.ItemID,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}
	for _, g := range grants {
		resp.Grants = append(resp.Grants, grantResponse{
			ItemID:   g.ItemID,
			IssuedAt: g.IssuedAt.Format(time.RFC3339),
		})
	}
	if order.CompletedAt != nil {
		t := order.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	return resp
}

type registerItemRequest struct {
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Capacity *int64 `json:"capacity"`
	Digital  bool   `json:"digital"`
}

type itemResponse struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Title         string `json:"title"`
	Capacity      *int64 `json:"capacity,omitempty"`
	ReservedUnits int64  `json:"reserved_units"`
	Available     *int64 `json:"available,omitempty"`
	Digital       bool   `json:"digital"`
}

func toItemResponse(item *db.InventoryItem) itemResponse {
	return itemResponse{
		ID:            item.ID,
		Kind:          string(item.Kind),
		Title:         item.Title,
		Capacity:      item.Capacity,
		ReservedUnits: item.ReservedUnits,
		Available:     item.Available(),
		Digital:       item.Digital,
	}
}

type webhookRequest struct {
	PaymentRef     string `json:"payment_ref"`
	Outcome        string `json:"outcome"`
	IdempotencyKey string `json:"idempotency_key"`
}

type webhookResponse struct {
	Disposition string `json:"disposition"`
	State       string `json:"state"`
}

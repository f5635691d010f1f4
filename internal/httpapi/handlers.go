package httpapi

import (
	"net/http"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/principal"
	"github.com/bookyard/circulation/internal/reservation"
)

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	var req borrowRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	rec, err := s.manager.Borrow(r.Context(), req.ItemID, p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toLoanResponse(rec))
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	rec, err := s.manager.GetLoan(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toLoanResponse(rec))
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	rec, err := s.manager.Return(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toLoanResponse(rec))
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	var req createOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	lines := make([]reservation.OrderLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, reservation.OrderLine{
			ItemID:         l.ItemID,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
		})
	}

	order, err := s.manager.CreateOrder(r.Context(), lines, p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toOrderResponse(order, nil))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	order, grants, err := s.manager.GetOrder(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toOrderResponse(order, grants))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	order, err := s.manager.CancelOrder(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toOrderResponse(order, nil))
}

func (s *Server) handleRegisterItem(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	var req registerItemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	spec := ledger.ItemSpec{
		ID:       r.PathValue("id"),
		Kind:     db.ItemKind(req.Kind),
		Title:    req.Title,
		Capacity: req.Capacity,
		Digital:  req.Digital,
	}
	if err := s.manager.RegisterItem(r.Context(), spec, p); err != nil {
		s.respondError(w, err)
		return
	}

	item, err := s.manager.ItemAvailability(r.Context(), spec.ID, p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	item, err := s.manager.ItemAvailability(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toItemResponse(item))
}

// Package httpapi exposes the circulation API over HTTP with JSON bodies.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bookyard/circulation/internal/db"
	"github.com/bookyard/circulation/internal/events"
	"github.com/bookyard/circulation/internal/ledger"
	"github.com/bookyard/circulation/internal/payments"
	"github.com/bookyard/circulation/internal/principal"
	"github.com/bookyard/circulation/internal/repo"
	"github.com/bookyard/circulation/internal/reservation"
)

const maxBodyBytes = 1 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server exposes the circulation API.
type Server struct {
	manager    *reservation.Manager
	reconciler *payments.Reconciler
	verifier   payments.SignatureVerifier
	resolver   principal.Resolver
	database   *db.DB
	sink       events.Sink
	log        *zap.Logger
}

// NewServer creates a new API server
func NewServer(manager *reservation.Manager, reconciler *payments.Reconciler, verifier payments.SignatureVerifier, resolver principal.Resolver, database *db.DB, sink events.Sink, log *zap.Logger) *Server {
	return &Server{
		manager:    manager,
		reconciler: reconciler,
		verifier:   verifier,
		resolver:   resolver,
		database:   database,
		sink:       sink,
		log:        log,
	}
}

// Routes returns the configured mux
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/loans", s.authenticated(s.handleBorrow))
	mux.HandleFunc("GET /v1/loans/{id}", s.authenticated(s.handleGetLoan))
	mux.HandleFunc("POST /v1/loans/{id}/return", s.authenticated(s.handleReturn))

	mux.HandleFunc("POST /v1/orders", s.authenticated(s.handleCreateOrder))
	mux.HandleFunc("GET /v1/orders/{id}", s.authenticated(s.handleGetOrder))
	mux.HandleFunc("POST /v1/orders/{id}/cancel", s.authenticated(s.handleCancelOrder))

	mux.HandleFunc("PUT /v1/items/{id}", s.authenticated(s.handleRegisterItem))
	mux.HandleFunc("GET /v1/items/{id}", s.authenticated(s.handleGetItem))

	mux.HandleFunc("POST /v1/payments/webhook", s.handleWebhook)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p principal.Principal)

// authenticated resolves the bearer token before invoking the handler
func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		p, err := s.resolver.Resolve(r.Context(), token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r, p)
	}
}

// handleWebhook absorbs payment notifications from the gateway. The HMAC
// signature over the raw body is checked before the payload is parsed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	signature := r.Header.Get("X-Gateway-Signature")
	if signature == "" || !s.verifier.Verify(body, signature) {
		s.log.Warn("Webhook with bad signature", zap.String("remote_addr", r.RemoteAddr))
		s.writeError(w, http.StatusBadRequest, "bad signature")
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	result, err := s.reconciler.Apply(r.Context(), req.PaymentRef, payments.Outcome(req.Outcome), req.IdempotencyKey)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, webhookResponse{
		Disposition: result.Disposition(),
		State:       string(result.State),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	code := http.StatusOK

	if err := s.database.Ping(); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !s.sink.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// respondError maps domain errors onto HTTP statuses
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var verr *reservation.ValidationError
	var oos *ledger.OutOfStockError

	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, payments.ErrMalformedEvent):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, principal.ErrUnauthenticated):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, principal.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, repo.ErrLoanNotFound),
		errors.Is(err, repo.ErrOrderNotFound),
		errors.Is(err, ledger.ErrItemNotFound),
		errors.Is(err, payments.ErrUnknownTransaction):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &oos):
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     err.Error(),
			"item_id":   oos.ItemID,
			"requested": oos.Requested,
			"available": oos.Available,
		})
	case errors.Is(err, reservation.ErrUnavailable),
		errors.Is(err, reservation.ErrAlreadyReturned),
		errors.Is(err, reservation.ErrNotCancellable),
		errors.Is(err, ledger.ErrCapacityBelowHeld):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payments.ErrGatewayUnavailable):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("Request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

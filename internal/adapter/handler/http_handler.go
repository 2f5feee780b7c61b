package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/core/service"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type HTTPHandler struct {
	transactions *service.TransactionService
	inventory    *service.InventoryService
	log          *zap.Logger
}

type CreateTransactionResponse struct {
	TransactionID  string `json:"transaction_id"`
	SequenceNumber int64  `json:"sequence_number"`
}

type AutoreplenishmentRequest struct {
	Enabled *bool `json:"enabled"`
}

type ErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func NewHTTPHandler(transactions *service.TransactionService, inventory *service.InventoryService, log *zap.Logger) *HTTPHandler {
	return &HTTPHandler{transactions: transactions, inventory: inventory, log: log}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/transactions", h.CreateTransaction)
	mux.HandleFunc("GET /api/v1/transactions/{id}", h.GetTransaction)
	mux.HandleFunc("GET /api/v1/products/{id}", h.GetProduct)
	mux.HandleFunc("PUT /api/v1/products/{id}/autoreplenishment", h.SetAutoreplenishment)
	mux.HandleFunc("PUT /api/v1/products/{id}/stock", h.UpdateStockSettings)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// CreateTransaction commits a manual transaction. Clients may send an
// Idempotency-Key header to make retries safe.
func (h *HTTPHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var draft domain.TransactionDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Kind: string(domain.KindValidation), Message: "invalid request body"})
		return
	}
	draft.Automatic = false

	res, err := h.transactions.CommitRequest(r.Context(), r.Header.Get(IdempotencyKeyHeader), draft)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateTransactionResponse{
		TransactionID:  res.TransactionID,
		SequenceNumber: res.SequenceNumber,
	})
}

func (h *HTTPHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.inventory.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.inventory.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) SetAutoreplenishment(w http.ResponseWriter, r *http.Request) {
	var req AutoreplenishmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Kind: string(domain.KindValidation), Message: "enabled is required"})
		return
	}

	if err := h.inventory.SetAutoreplenishment(r.Context(), r.PathValue("id"), *req.Enabled); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) UpdateStockSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.StockSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Kind: string(domain.KindValidation), Message: "invalid request body"})
		return
	}

	if err := h.inventory.UpdateStockSettings(r.Context(), r.PathValue("id"), settings); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError tells "fix your input" apart from "retry" through the
// status code and the retryable flag.
func (h *HTTPHandler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, body)
}

func errorResponse(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, ErrorBody{Kind: "duplicate_request", Message: "duplicate request"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Kind: "not_found", Message: err.Error()}
	}

	kind := domain.KindOf(err)
	body := ErrorBody{Kind: string(kind), Message: err.Error(), Retryable: kind.Retryable()}
	switch kind {
	case domain.KindValidation:
		if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrReplenishmentInFlight) {
			return http.StatusUnprocessableEntity, body
		}
		return http.StatusBadRequest, body
	case domain.KindConflict:
		return http.StatusConflict, body
	case domain.KindUnsupportedUnit:
		return http.StatusBadRequest, body
	}
	body.Message = "store unavailable"
	return http.StatusServiceUnavailable, body
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	writeJSON(w, status, ErrorResponse{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

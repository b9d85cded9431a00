package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"tokenmeter/internal/fulfillment"
	"tokenmeter/internal/model"
	"tokenmeter/internal/service"
)

const maxPayloadBytes = 1 << 20

type Handler struct {
	svc service.MeterService
}

func NewHandler(svc service.MeterService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(mux *http.ServeMux, limiter *RateLimiter) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /catalog", h.Catalog)
	mux.HandleFunc("POST /accounts", h.CreateAccount)
	mux.HandleFunc("POST /recharge", h.Recharge)
	mux.Handle("GET /balance", requireUser(http.HandlerFunc(h.GetBalance)))
	mux.Handle("POST /actions/{kind}", requireUser(limiter.Handler(http.HandlerFunc(h.Execute))))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Execute runs the metered action named in the path. The request body is
// handed to the fulfillment adapter as is.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		h.respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}
	payload := json.RawMessage(bytes.TrimSpace(body))
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	res, err := h.svc.Execute(r.Context(), model.ExecuteRequest{
		UserID:  userFromContext(r.Context()),
		Kind:    model.ActionKind(r.PathValue("kind")),
		Payload: payload,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	switch res.Status {
	case model.StatusInsufficientBalance:
		h.respondJSON(w, http.StatusPaymentRequired, res)
	case model.StatusFulfillmentFailed:
		h.respondJSON(w, http.StatusBadGateway, res)
	default:
		h.respondJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	bal, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, model.Balance{UserID: userID, Amount: bal})
}

func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	var req model.RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	bal, err := h.svc.Recharge(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, model.Balance{UserID: req.UserID, Amount: bal})
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := h.svc.CreateAccount(r.Context(), req); err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	type action struct {
		Kind    model.ActionKind `json:"kind"`
		Cost    int64            `json:"cost"`
		Timeout string           `json:"timeout"`
	}
	descriptors := h.svc.ListActions()
	out := make([]action, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, action{Kind: d.Kind, Cost: d.Cost, Timeout: d.Timeout.String()})
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"actions": out})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http: request failed", "error", err)
	}
	h.respondError(w, status, code)
}

// errorStatus maps service errors to an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrUnknownActionKind):
		return http.StatusNotFound, "unknown_action_kind"
	case errors.Is(err, model.ErrUserNotFound):
		return http.StatusBadRequest, "invalid_user"
	case errors.Is(err, model.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, model.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, model.ErrReservationNotFound):
		return http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, fulfillment.ErrAdapterNotFound):
		return http.StatusServiceUnavailable, "action_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

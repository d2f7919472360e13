package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"sms-rental-ledger/internal/auditor"
	"sms-rental-ledger/internal/engine"
	"sms-rental-ledger/internal/events"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/provider"
	"sms-rental-ledger/internal/store"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc *LedgerService
}

func NewHandler(svc *LedgerService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.HealthCheck(r.Context()); err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := authorizeUser(r, req.UserId); err != nil {
		respondWithErr(w, err)
		return
	}

	reservation, err := h.svc.Purchase(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrInsufficientFunds) {
			respondWithError(w, http.StatusUnprocessableEntity, "cannot reserve, insufficient balance")
			return
		}
		respondWithErr(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/reservations/"+reservation.Id)
	respondWithJSON(w, http.StatusCreated, reservation)
}

func (h *Handler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.authorizeReservation(w, r, id) {
		return
	}

	result, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

type commitRequest struct {
	ActualAmount *decimal.Decimal `json:"actual_amount,omitempty"`
}

func (h *Handler) CommitHandler(w http.ResponseWriter, r *http.Request) {
	if err := authorizeRole(r, RoleOps, RoleProvider); err != nil {
		respondWithErr(w, err)
		return
	}

	var req commitRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	result, err := h.svc.Commit(r.Context(), mux.Vars(r)["id"], req.ActualAmount)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) GetReservationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reservation, err := h.svc.GetReservation(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	if err := authorizeUser(r, reservation.UserId); err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, reservation)
}

func (h *Handler) GetReservationOperationsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.authorizeReservation(w, r, id) {
		return
	}

	ops, err := h.svc.GetReservationOperations(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(ops))
}

func (h *Handler) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	userId := mux.Vars(r)["id"]
	if err := authorizeUser(r, userId); err != nil {
		respondWithErr(w, err)
		return
	}

	view, err := h.svc.GetLedger(r.Context(), userId)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) GetOperationsHandler(w http.ResponseWriter, r *http.Request) {
	userId := mux.Vars(r)["id"]
	if err := authorizeUser(r, userId); err != nil {
		respondWithErr(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	ops, err := h.svc.GetOperations(r.Context(), userId, limit, offset)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(ops))
}

func (h *Handler) ProviderEventHandler(w http.ResponseWriter, r *http.Request) {
	if err := authorizeRole(r, RoleProvider, RoleOps); err != nil {
		respondWithErr(w, err)
		return
	}

	var event models.ProviderEvent
	if !decodeBody(w, r, &event) {
		return
	}
	name := mux.Vars(r)["provider"]
	if event.Provider != "" && event.Provider != name {
		respondWithError(w, http.StatusBadRequest, "provider in body does not match path")
		return
	}
	event.Provider = name
	if err := events.ValidateProviderEvent(&event); err != nil {
		respondWithErr(w, err)
		return
	}

	outcome, err := h.svc.HandleProviderEvent(r.Context(), event)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (h *Handler) DriftHandler(w http.ResponseWriter, r *http.Request) {
	if err := authorizeRole(r, RoleOps); err != nil {
		respondWithErr(w, err)
		return
	}

	reports, err := h.svc.CheckDrift(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(reports))
}

func (h *Handler) CorrectDriftHandler(w http.ResponseWriter, r *http.Request) {
	if err := authorizeRole(r, RoleOps); err != nil {
		respondWithErr(w, err)
		return
	}

	actor := r.URL.Query().Get("actor")
	if id, ok := identityFrom(r.Context()); ok {
		actor = id.Subject
	}

	report, err := h.svc.CorrectDrift(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) authorizeReservation(w http.ResponseWriter, r *http.Request, reservationId string) bool {
	if _, ok := identityFrom(r.Context()); !ok {
		return true
	}
	reservation, err := h.svc.GetReservation(r.Context(), reservationId)
	if err != nil {
		respondWithErr(w, err)
		return false
	}
	if err := authorizeUser(r, reservation.UserId); err != nil {
		respondWithErr(w, err)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "stream read error")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// statusFor maps domain errors to HTTP status codes and client-facing messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, events.ErrMalformedEvent),
		errors.Is(err, auditor.ErrActorRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient balance"
	case errors.Is(err, engine.ErrReservationNotFound),
		errors.Is(err, store.ErrReservationNotFound):
		return http.StatusNotFound, "reservation not found"
	case errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, provider.ErrOrderRejected),
		errors.Is(err, store.ErrDuplicateOrder),
		errors.Is(err, store.ErrReservationNotOpen):
		return http.StatusConflict, err.Error()
	case errors.Is(err, provider.ErrUnavailable):
		return http.StatusBadGateway, "provider unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func respondWithErr(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		zap.L().Error("Request failed", zap.Int("status", code), zap.Error(err))
	}
	respondWithError(w, code, msg)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			zap.L().Warn("Failed to encode response", zap.Error(err))
		}
	}
}

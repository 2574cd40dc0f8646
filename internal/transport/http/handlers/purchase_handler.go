package handlers

import (
	"errors"
	"net/http"

	authsvc "github.com/sparkmeet/backend/internal/services/auth"
	paymentsvc "github.com/sparkmeet/backend/internal/services/payments"
	subssvc "github.com/sparkmeet/backend/internal/services/subscriptions"
	"github.com/sparkmeet/backend/internal/transport/http/dto"
	httperrors "github.com/sparkmeet/backend/internal/transport/http/errors"
)

type PurchaseHandler struct {
	payments *paymentsvc.Service
}

func NewPurchaseHandler(payments *paymentsvc.Service) *PurchaseHandler {
	return &PurchaseHandler{payments: payments}
}

func (h *PurchaseHandler) Begin(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	var req dto.PurchaseBeginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	result, err := h.payments.BeginPurchase(r.Context(), identity.UserID, req.Provider, req.Plan, req.Price, req.Currency, req.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, subssvc.ErrInvalidPrice):
			writeBadRequest(w, "INVALID_PRICE", "price does not match the plan")
		case errors.Is(err, paymentsvc.ErrValidation),
			errors.Is(err, paymentsvc.ErrUnsupportedPlan),
			errors.Is(err, paymentsvc.ErrUnsupportedProvider):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid purchase payload")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to begin purchase")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PurchaseBeginResponse{
		TransactionID: result.TransactionID,
		Provider:      result.Provider,
		Plan:          result.Plan,
		Price:         result.Price,
		Currency:      result.Currency,
		Status:        result.Status,
		Idempotent:    result.Idempotent,
	})
}

// Webhook is the public provider callback. It authenticates by the
// provider event id matching a known transaction, not by bearer token.
func (h *PurchaseHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	var req dto.PurchaseWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	result, err := h.payments.Confirm(r.Context(), req.Provider, req.ProviderEventID, req.Status, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrValidation), errors.Is(err, paymentsvc.ErrUnsupportedProvider):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid webhook payload")
		case errors.Is(err, paymentsvc.ErrPaymentTransactionNotFound):
			writeNotFound(w, "TRANSACTION_NOT_FOUND", "payment transaction not found")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to process webhook")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PurchaseWebhookResponse{
		OK:             true,
		TransactionID:  result.TransactionID,
		UserID:         result.UserID,
		Plan:           result.Plan,
		Status:         result.Status,
		SubscriptionID: result.SubscriptionID,
		Idempotent:     result.Idempotent,
	})
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sparkmeet/backend/internal/domain/model"
	authsvc "github.com/sparkmeet/backend/internal/services/auth"
	subssvc "github.com/sparkmeet/backend/internal/services/subscriptions"
	"github.com/sparkmeet/backend/internal/transport/http/dto"
	httperrors "github.com/sparkmeet/backend/internal/transport/http/errors"
)

type SubscriptionHandler struct {
	subscriptions *subssvc.Service
}

func NewSubscriptionHandler(subscriptions *subssvc.Service) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions}
}

func (h *SubscriptionHandler) Current(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.subscriptions == nil {
		writeInternal(w, "SUBSCRIPTION_SERVICE_UNAVAILABLE", "subscription service is unavailable")
		return
	}

	sub, err := h.subscriptions.GetCurrent(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, err, "failed to load current subscription")
		return
	}

	httperrors.Write(w, http.StatusOK, mapSubscription(sub))
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.subscriptions == nil {
		writeInternal(w, "SUBSCRIPTION_SERVICE_UNAVAILABLE", "subscription service is unavailable")
		return
	}

	var req dto.SubscriptionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	sub, err := h.subscriptions.Create(r.Context(), identity.UserID, subssvc.CreateInput{
		Plan:            req.Plan,
		PaymentMethodID: req.PaymentMethodID,
		Price:           req.Price,
		Currency:        req.Currency,
		AutoRenew:       req.AutoRenew,
	})
	if err != nil {
		h.writeError(w, err, "failed to create subscription")
		return
	}

	httperrors.Write(w, http.StatusCreated, mapSubscription(sub))
}

func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.subscriptions == nil {
		writeInternal(w, "SUBSCRIPTION_SERVICE_UNAVAILABLE", "subscription service is unavailable")
		return
	}

	var req dto.SubscriptionCancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	sub, err := h.subscriptions.Cancel(r.Context(), identity.UserID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, err, "failed to cancel subscription")
		return
	}

	httperrors.Write(w, http.StatusOK, mapSubscription(sub))
}

func (h *SubscriptionHandler) Renew(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.subscriptions == nil {
		writeInternal(w, "SUBSCRIPTION_SERVICE_UNAVAILABLE", "subscription service is unavailable")
		return
	}

	sub, err := h.subscriptions.Renew(r.Context(), identity.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, "failed to renew subscription")
		return
	}

	httperrors.Write(w, http.StatusOK, mapSubscription(sub))
}

func (h *SubscriptionHandler) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, subssvc.ErrInvalidPrice):
		writeBadRequest(w, "INVALID_PRICE", "price does not match the plan")
	case errors.Is(err, subssvc.ErrValidation):
		writeBadRequest(w, "VALIDATION_ERROR", "invalid subscription payload")
	case errors.Is(err, subssvc.ErrForbidden):
		writeForbidden(w, "FORBIDDEN", "subscription belongs to another user")
	case errors.Is(err, subssvc.ErrNotFound):
		writeNotFound(w, "SUBSCRIPTION_NOT_FOUND", "subscription not found")
	default:
		writeInternal(w, "INTERNAL_ERROR", fallback)
	}
}

func mapSubscription(sub model.Subscription) dto.SubscriptionResponse {
	return dto.SubscriptionResponse{
		ID:        sub.ID,
		Plan:      string(sub.Plan),
		Status:    string(sub.Status),
		StartAt:   sub.StartAt,
		EndAt:     sub.EndAt,
		AutoRenew: sub.AutoRenew,
		Price:     sub.Price,
		Currency:  sub.Currency,
		Features:  sub.Features,
	}
}

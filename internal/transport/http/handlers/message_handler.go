package handlers

import (
	"errors"
	"net/http"

	authsvc "github.com/sparkmeet/backend/internal/services/auth"
	msgsvc "github.com/sparkmeet/backend/internal/services/messaging"
	"github.com/sparkmeet/backend/internal/transport/http/dto"
	httperrors "github.com/sparkmeet/backend/internal/transport/http/errors"
)

type MessageHandler struct {
	messaging *msgsvc.Service
}

func NewMessageHandler(messaging *msgsvc.Service) *MessageHandler {
	return &MessageHandler{messaging: messaging}
}

// CanSend is the dry-run gate: it reports the decision without
// consuming quota, so clients can grey out the composer up front.
// A deny is still a 200 here since nothing was attempted.
func (h *MessageHandler) CanSend(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false, func(r *http.Request, userID, peerID int64, premium bool) (msgsvc.Decision, error) {
		return h.messaging.CanSend(r.Context(), userID, peerID, premium)
	})
}

// Send decides and commits in one call. A quota deny comes back as
// 403 with the reason code; it is an outcome, not a server error.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true, func(r *http.Request, userID, peerID int64, premium bool) (msgsvc.Decision, error) {
		return h.messaging.Send(r.Context(), userID, peerID, premium)
	})
}

func (h *MessageHandler) decide(
	w http.ResponseWriter,
	r *http.Request,
	commit bool,
	op func(r *http.Request, userID, peerID int64, premium bool) (msgsvc.Decision, error),
) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.messaging == nil {
		writeInternal(w, "MESSAGING_SERVICE_UNAVAILABLE", "messaging service is unavailable")
		return
	}

	var req dto.MessageGateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	decision, err := op(r, identity.UserID, req.PeerID, req.ConversationPremium)
	if err != nil {
		if tooFast, ok := msgsvc.IsTooFast(err); ok {
			httperrors.Write(w, http.StatusTooManyRequests, httperrors.RateLimitError{
				Code:          "TOO_FAST",
				Message:       "too many send attempts",
				RetryAfterSec: tooFast.RetryAfterSec,
			})
			return
		}
		switch {
		case errors.Is(err, msgsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid message gate payload")
		case errors.Is(err, msgsvc.ErrTransient):
			httperrors.Write(w, http.StatusServiceUnavailable, httperrors.APIError{
				Code:    "TRY_AGAIN",
				Message: "temporary conflict, retry the send",
			})
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to process message gate")
		}
		return
	}

	if !decision.Allowed && commit {
		httperrors.Write(w, http.StatusForbidden, dto.MessageDeniedResponse{
			Code:   "QUOTA_DENIED",
			Reason: decision.Reason,
			Quota:  mapQuotaSnapshot(decision.Quota),
		})
		return
	}

	httperrors.Write(w, http.StatusOK, dto.MessageGateResponse{
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
		Quota:   mapQuotaSnapshot(decision.Quota),
	})
}

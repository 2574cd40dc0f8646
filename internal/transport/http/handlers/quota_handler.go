package handlers

import (
	"errors"
	"net/http"

	authsvc "github.com/sparkmeet/backend/internal/services/auth"
	msgsvc "github.com/sparkmeet/backend/internal/services/messaging"
	"github.com/sparkmeet/backend/internal/transport/http/dto"
	httperrors "github.com/sparkmeet/backend/internal/transport/http/errors"
)

type QuotaHandler struct {
	messaging *msgsvc.Service
}

func NewQuotaHandler(messaging *msgsvc.Service) *QuotaHandler {
	return &QuotaHandler{messaging: messaging}
}

func (h *QuotaHandler) Handle(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if h.messaging == nil {
		writeInternal(w, "MESSAGING_SERVICE_UNAVAILABLE", "messaging service is unavailable")
		return
	}

	snapshot, err := h.messaging.GetQuota(r.Context(), identity.UserID)
	if err != nil {
		switch {
		case errors.Is(err, msgsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid quota request")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to load quota")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, mapQuotaSnapshot(snapshot))
}

func mapQuotaSnapshot(snapshot msgsvc.QuotaSnapshot) dto.QuotaResponse {
	return dto.QuotaResponse{
		NewPeersLeft:     snapshot.NewPeersLeft,
		PeerMessagesLeft: snapshot.PeerMessagesLeft,
		ResetAt:          snapshot.ResetAt,
		Unlimited:        snapshot.Unlimited,
	}
}

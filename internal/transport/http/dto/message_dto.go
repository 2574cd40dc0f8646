package dto

type MessageGateRequest struct {
	PeerID              int64 `json:"peer_id"`
	ConversationPremium bool  `json:"conversation_premium"`
}

type MessageGateResponse struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason,omitempty"`
	Quota   QuotaResponse `json:"quota"`
}

type MessageDeniedResponse struct {
	Code   string        `json:"code"`
	Reason string        `json:"reason"`
	Quota  QuotaResponse `json:"quota"`
}

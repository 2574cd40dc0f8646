package dto

type PurchaseBeginRequest struct {
	Provider       string         `json:"provider"`
	Plan           string         `json:"plan"`
	Price          float64        `json:"price"`
	Currency       string         `json:"currency"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type PurchaseBeginResponse struct {
	TransactionID string  `json:"transaction_id"`
	Provider      string  `json:"provider"`
	Plan          string  `json:"plan"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	Idempotent    bool    `json:"idempotent"`
}

type PurchaseWebhookRequest struct {
	Provider        string         `json:"provider"`
	ProviderEventID string         `json:"provider_event_id"`
	Status          string         `json:"status"`
	Payload         map[string]any `json:"payload"`
}

type PurchaseWebhookResponse struct {
	OK             bool   `json:"ok"`
	TransactionID  string `json:"transaction_id"`
	UserID         int64  `json:"user_id"`
	Plan           string `json:"plan"`
	Status         string `json:"status"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Idempotent     bool   `json:"idempotent"`
}

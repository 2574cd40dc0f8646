package dto

import "time"

type SubscriptionCreateRequest struct {
	Plan            string  `json:"plan"`
	PaymentMethodID string  `json:"payment_method_id"`
	Price           float64 `json:"price"`
	Currency        string  `json:"currency"`
	AutoRenew       bool    `json:"auto_renew"`
}

type SubscriptionCancelRequest struct {
	Reason string `json:"reason"`
}

type SubscriptionResponse struct {
	ID        string     `json:"id"`
	Plan      string     `json:"plan"`
	Status    string     `json:"status"`
	StartAt   time.Time  `json:"start_at"`
	EndAt     *time.Time `json:"end_at"`
	AutoRenew bool       `json:"auto_renew"`
	Price     float64    `json:"price"`
	Currency  string     `json:"currency"`
	Features  []string   `json:"features"`
}

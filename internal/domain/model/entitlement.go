package model

import "time"

type EntitlementSnapshot struct {
	UserID         int64              `json:"user_id"`
	SubscriptionID string             `json:"subscription_id"`
	Plan           SubscriptionPlan   `json:"plan"`
	Status         SubscriptionStatus `json:"status"`
	StartAt        time.Time          `json:"start_at"`
	EndAt          *time.Time         `json:"end_at"`
	Features       []string           `json:"features"`
}

func (e EntitlementSnapshot) ActiveAt(now time.Time) bool {
	if e.Status != StatusActive {
		return false
	}
	if e.StartAt.After(now) {
		return false
	}
	if e.EndAt == nil {
		return true
	}
	return now.Before(*e.EndAt)
}

// Unlimited reports whether the snapshot grants unlimited messaging at
// the given instant. Free perpetual records are active but carry no
// features, so they never pass this check.
func (e EntitlementSnapshot) Unlimited(now time.Time) bool {
	if !e.ActiveAt(now) {
		return false
	}
	for _, f := range e.Features {
		if f == FeatureUnlimitedMessaging {
			return true
		}
	}
	return false
}

package model

import (
	"strings"
	"time"
)

type SubscriptionPlan string

const (
	PlanFree    SubscriptionPlan = "free"
	PlanDaily   SubscriptionPlan = "daily"
	PlanWeekly  SubscriptionPlan = "weekly"
	PlanMonthly SubscriptionPlan = "monthly"
)

func ParseSubscriptionPlan(raw string) (SubscriptionPlan, bool) {
	plan := SubscriptionPlan(strings.ToLower(strings.TrimSpace(raw)))
	switch plan {
	case PlanFree, PlanDaily, PlanWeekly, PlanMonthly:
		return plan, true
	default:
		return "", false
	}
}

func (p SubscriptionPlan) Paid() bool {
	switch p {
	case PlanDaily, PlanWeekly, PlanMonthly:
		return true
	default:
		return false
	}
}

type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusInactive  SubscriptionStatus = "inactive"
	StatusSuspended SubscriptionStatus = "suspended"
)

func ParseSubscriptionStatus(raw string) (SubscriptionStatus, bool) {
	status := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusActive, StatusExpired, StatusCancelled, StatusInactive, StatusSuspended:
		return status, true
	default:
		return "", false
	}
}

const FeatureUnlimitedMessaging = "unlimited_messaging"

type Subscription struct {
	ID                 string             `json:"id"`
	UserID             int64              `json:"user_id"`
	Plan               SubscriptionPlan   `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	StartAt            time.Time          `json:"start_at"`
	EndAt              *time.Time         `json:"end_at"`
	AutoRenew          bool               `json:"auto_renew"`
	Price              float64            `json:"price"`
	Currency           string             `json:"currency"`
	CancelledAt        *time.Time         `json:"cancelled_at"`
	CancellationReason string             `json:"cancellation_reason"`
	Features           []string           `json:"features"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ActiveAt reports whether the record grants entitlement at the given
// instant. A nil EndAt means a perpetual window.
func (s Subscription) ActiveAt(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	if s.StartAt.After(now) {
		return false
	}
	if s.EndAt == nil {
		return true
	}
	return now.Before(*s.EndAt)
}

func (s Subscription) HasFeature(feature string) bool {
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

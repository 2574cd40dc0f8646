package rules

import (
	"math"
	"time"

	"github.com/sparkmeet/backend/internal/domain/model"
)

const PriceEpsilon = 0.01

const (
	DailyPlanDuration   = 24 * time.Hour
	WeeklyPlanDuration  = 7 * 24 * time.Hour
	MonthlyPlanDuration = 30 * 24 * time.Hour
)

func PlanDuration(plan model.SubscriptionPlan) (time.Duration, bool) {
	switch plan {
	case model.PlanDaily:
		return DailyPlanDuration, true
	case model.PlanWeekly:
		return WeeklyPlanDuration, true
	case model.PlanMonthly:
		return MonthlyPlanDuration, true
	case model.PlanFree:
		return 0, false
	default:
		return 0, false
	}
}

func PlanPrice(plan model.SubscriptionPlan) (float64, bool) {
	switch plan {
	case model.PlanDaily:
		return 0.99, true
	case model.PlanWeekly:
		return 4.99, true
	case model.PlanMonthly:
		return 14.99, true
	case model.PlanFree:
		return 0, true
	default:
		return 0, false
	}
}

// PriceMatches guards against client-side price tampering. A mismatch
// beyond the epsilon is a hard rejection, never silently corrected.
func PriceMatches(plan model.SubscriptionPlan, price float64) bool {
	expected, ok := PlanPrice(plan)
	if !ok {
		return false
	}
	return math.Abs(expected-price) <= PriceEpsilon
}

func PlanFeatures(plan model.SubscriptionPlan) []string {
	if plan.Paid() {
		return []string{model.FeatureUnlimitedMessaging}
	}
	return nil
}

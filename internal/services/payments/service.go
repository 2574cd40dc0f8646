package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sparkmeet/backend/internal/domain/model"
	"github.com/sparkmeet/backend/internal/domain/rules"
	pgrepo "github.com/sparkmeet/backend/internal/repo/postgres"
	subssvc "github.com/sparkmeet/backend/internal/services/subscriptions"
)

const renewalProvider = "internal"

var (
	ErrValidation                 = errors.New("validation error")
	ErrUnsupportedPlan            = errors.New("unsupported plan")
	ErrUnsupportedProvider        = errors.New("unsupported provider")
	ErrPaymentTransactionNotFound = errors.New("payment transaction not found")
)

type PaymentTransactionStore interface {
	BeginPurchase(
		ctx context.Context,
		userID int64,
		provider, plan string,
		price float64,
		currency, idempotencyKey string,
	) (pgrepo.PaymentTransactionRecord, bool, error)
	ConfirmPayment(
		ctx context.Context,
		provider, providerEventID string,
		succeeded bool,
		payload map[string]any,
	) (pgrepo.PaymentTransactionRecord, bool, error)
}

// Lifecycle is the only path through which a confirmed payment becomes a
// subscription record; the payments layer never writes subscriptions.
type Lifecycle interface {
	Create(ctx context.Context, userID int64, in subssvc.CreateInput) (model.Subscription, error)
}

type Service struct {
	paymentTxs PaymentTransactionStore
	lifecycle  Lifecycle
	logger     *zap.Logger
	now        func() time.Time
}

type BeginPurchaseResult struct {
	TransactionID string
	UserID        int64
	Provider      string
	Plan          string
	Price         float64
	Currency      string
	Status        string
	Idempotent    bool
}

type ConfirmResult struct {
	TransactionID   string
	UserID          int64
	Provider        string
	ProviderEventID string
	Plan            string
	Status          string
	SubscriptionID  string
	Idempotent      bool
}

func NewService(paymentTxs PaymentTransactionStore, lifecycle Lifecycle, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		paymentTxs: paymentTxs,
		lifecycle:  lifecycle,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Service) BeginPurchase(
	ctx context.Context,
	userID int64,
	provider, plan string,
	price float64,
	currency, idempotencyKey string,
) (BeginPurchaseResult, error) {
	if userID <= 0 {
		return BeginPurchaseResult{}, ErrValidation
	}
	if s.paymentTxs == nil {
		return BeginPurchaseResult{}, fmt.Errorf("payment transaction store is nil")
	}

	normalizedProvider, err := normalizeProvider(provider)
	if err != nil {
		return BeginPurchaseResult{}, err
	}
	parsedPlan, ok := model.ParseSubscriptionPlan(plan)
	if !ok || !parsedPlan.Paid() {
		return BeginPurchaseResult{}, ErrUnsupportedPlan
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return BeginPurchaseResult{}, ErrValidation
	}
	if price <= 0 {
		price, _ = rules.PlanPrice(parsedPlan)
	}
	if !rules.PriceMatches(parsedPlan, price) {
		return BeginPurchaseResult{}, subssvc.ErrInvalidPrice
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}

	record, created, err := s.paymentTxs.BeginPurchase(ctx, userID, normalizedProvider, string(parsedPlan), price, currency, idempotencyKey)
	if err != nil {
		return BeginPurchaseResult{}, err
	}
	if created {
		s.logger.Info("purchase started",
			zap.String("transaction_id", record.ID),
			zap.Int64("user_id", record.UserID),
			zap.String("plan", record.Plan),
		)
	}

	return BeginPurchaseResult{
		TransactionID: record.ID,
		UserID:        record.UserID,
		Provider:      record.Provider,
		Plan:          record.Plan,
		Price:         record.Price,
		Currency:      record.Currency,
		Status:        record.Status,
		Idempotent:    !created,
	}, nil
}

// Confirm processes a provider webhook. A succeeded payment activates the
// plan through the lifecycle manager; a failed one only settles the
// transaction record. Replays are detected by the store and skip both.
func (s *Service) Confirm(
	ctx context.Context,
	provider, providerEventID, status string,
	payload map[string]any,
) (ConfirmResult, error) {
	if s.paymentTxs == nil {
		return ConfirmResult{}, fmt.Errorf("payment transaction store is nil")
	}

	normalizedProvider, err := normalizeProvider(provider)
	if err != nil {
		return ConfirmResult{}, err
	}
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return ConfirmResult{}, ErrValidation
	}
	succeeded, err := parseOutcome(status)
	if err != nil {
		return ConfirmResult{}, err
	}

	record, idempotent, err := s.paymentTxs.ConfirmPayment(ctx, normalizedProvider, providerEventID, succeeded, payload)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPaymentTransactionNotFound) {
			return ConfirmResult{}, ErrPaymentTransactionNotFound
		}
		return ConfirmResult{}, err
	}

	result := ConfirmResult{
		TransactionID:   record.ID,
		UserID:          record.UserID,
		Provider:        record.Provider,
		ProviderEventID: derefString(record.ProviderEventID),
		Plan:            record.Plan,
		Status:          record.Status,
		Idempotent:      idempotent,
	}

	if idempotent || !succeeded {
		return result, nil
	}

	if s.lifecycle == nil {
		return ConfirmResult{}, fmt.Errorf("subscription lifecycle is not configured")
	}
	sub, err := s.lifecycle.Create(ctx, record.UserID, subssvc.CreateInput{
		Plan:      record.Plan,
		Price:     record.Price,
		Currency:  record.Currency,
		AutoRenew: true,
	})
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("activate purchased plan: %w", err)
	}
	result.SubscriptionID = sub.ID

	return result, nil
}

// ChargeRenewal settles an auto-renew charge through the internal
// provider. The derived idempotency key makes a retried sweep reuse the
// same transaction instead of double-charging.
func (s *Service) ChargeRenewal(ctx context.Context, sub model.Subscription) (bool, error) {
	if s.paymentTxs == nil {
		return false, fmt.Errorf("payment transaction store is nil")
	}
	if sub.UserID <= 0 || !sub.Plan.Paid() || sub.EndAt == nil {
		return false, ErrValidation
	}

	key := renewalKey(sub)
	record, _, err := s.paymentTxs.BeginPurchase(ctx, sub.UserID, renewalProvider, string(sub.Plan), sub.Price, sub.Currency, key)
	if err != nil {
		return false, err
	}
	if strings.EqualFold(record.Status, "FAILED") {
		return false, nil
	}
	if strings.EqualFold(record.Status, "SUCCEEDED") {
		return true, nil
	}

	settled, _, err := s.paymentTxs.ConfirmPayment(ctx, renewalProvider, key, true, map[string]any{
		"source":          "renewal_sweep",
		"subscription_id": sub.ID,
	})
	if err != nil {
		return false, err
	}

	return strings.EqualFold(settled.Status, "SUCCEEDED"), nil
}

func renewalKey(sub model.Subscription) string {
	return "renewal:" + sub.ID + ":" + strconv.FormatInt(sub.EndAt.UTC().Unix(), 10)
}

func normalizeProvider(raw string) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(raw))
	switch provider {
	case "app_store", "play_store", "external", renewalProvider:
		return provider, nil
	default:
		return "", ErrUnsupportedProvider
	}
}

func parseOutcome(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "succeeded", "success", "paid", "confirmed":
		return true, nil
	case "failed", "declined", "refused":
		return false, nil
	default:
		return false, ErrValidation
	}
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

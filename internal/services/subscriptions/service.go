package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sparkmeet/backend/internal/domain/model"
	"github.com/sparkmeet/backend/internal/domain/rules"
	pgrepo "github.com/sparkmeet/backend/internal/repo/postgres"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrInvalidPrice = errors.New("invalid plan price")
	ErrNotFound     = errors.New("subscription not found")
	ErrForbidden    = errors.New("subscription belongs to another user")
)

const supersededReason = "superseded by new subscription"

type Store interface {
	Activate(ctx context.Context, sub model.Subscription, supersedeReason string) (model.Subscription, error)
	Insert(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	FindByID(ctx context.Context, id string) (model.Subscription, error)
	FindCurrentActive(ctx context.Context, userID int64) (model.Subscription, error)
	Cancel(ctx context.Context, id, reason string, revokeEntitlement bool, now time.Time) (model.Subscription, error)
	Renew(ctx context.Context, id string, endAt time.Time) (model.Subscription, error)
	ListActiveExpired(ctx context.Context, cutoff time.Time, limit int) ([]model.Subscription, error)
	MarkExpired(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

type Cache interface {
	Get(ctx context.Context, userID int64) (model.EntitlementSnapshot, bool, error)
	Set(ctx context.Context, userID int64, snapshot model.EntitlementSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, userID int64) error
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, event string, plan model.SubscriptionPlan) error
}

// Charger attempts a renewal charge through the payment layer; the sweep
// only acts on the returned success/failure signal.
type Charger interface {
	ChargeRenewal(ctx context.Context, sub model.Subscription) (bool, error)
}

type Config struct {
	CacheTTLCeiling time.Duration
	RevokeOnCancel  bool
	SweepBatchSize  int
}

type Service struct {
	store    Store
	cache    Cache
	notifier Notifier
	charger  Charger
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

type CreateInput struct {
	Plan            string
	PaymentMethodID string
	Price           float64
	Currency        string
	AutoRenew       bool
}

func NewService(store Store, cache Cache, cfg Config, logger *zap.Logger) *Service {
	if cfg.CacheTTLCeiling <= 0 {
		cfg.CacheTTLCeiling = 5 * time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:  store,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) AttachNotifier(notifier Notifier) {
	s.notifier = notifier
}

func (s *Service) AttachCharger(charger Charger) {
	s.charger = charger
}

// Create purchases a paid plan. The free plan is implicit and never
// purchased. Any previously active record is cancelled in the same
// transactional unit as the insert.
func (s *Service) Create(ctx context.Context, userID int64, in CreateInput) (model.Subscription, error) {
	if userID <= 0 {
		return model.Subscription{}, ErrValidation
	}
	if s.store == nil {
		return model.Subscription{}, fmt.Errorf("subscription store is nil")
	}

	plan, ok := model.ParseSubscriptionPlan(in.Plan)
	if !ok || !plan.Paid() {
		return model.Subscription{}, ErrValidation
	}
	if !rules.PriceMatches(plan, in.Price) {
		return model.Subscription{}, ErrInvalidPrice
	}

	duration, ok := rules.PlanDuration(plan)
	if !ok {
		return model.Subscription{}, ErrValidation
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := s.now().UTC()
	endAt := now.Add(duration)
	sub := model.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Plan:      plan,
		Status:    model.StatusActive,
		StartAt:   now,
		EndAt:     &endAt,
		AutoRenew: in.AutoRenew,
		Price:     in.Price,
		Currency:  currency,
		Features:  rules.PlanFeatures(plan),
	}

	created, err := s.store.Activate(ctx, sub, supersededReason)
	if err != nil {
		return model.Subscription{}, err
	}

	if err := s.invalidate(ctx, userID); err != nil {
		return model.Subscription{}, err
	}
	s.notify(userID, "activated", created.Plan)

	return created, nil
}

func (s *Service) Cancel(ctx context.Context, userID int64, subscriptionID, reason string) (model.Subscription, error) {
	if userID <= 0 || strings.TrimSpace(subscriptionID) == "" {
		return model.Subscription{}, ErrValidation
	}
	if s.store == nil {
		return model.Subscription{}, fmt.Errorf("subscription store is nil")
	}

	sub, err := s.store.FindByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrSubscriptionNotFound) {
			return model.Subscription{}, ErrNotFound
		}
		return model.Subscription{}, err
	}
	if sub.UserID != userID {
		return model.Subscription{}, ErrForbidden
	}
	// Cancelled and expired are terminal; repeat cancels and cancels of
	// an already-lapsed record return the record unchanged.
	if sub.Status == model.StatusCancelled || sub.Status == model.StatusExpired {
		return sub, nil
	}

	now := s.now().UTC()
	cancelled, err := s.store.Cancel(ctx, sub.ID, strings.TrimSpace(reason), s.cfg.RevokeOnCancel, now)
	if err != nil {
		if errors.Is(err, pgrepo.ErrSubscriptionNotFound) {
			return model.Subscription{}, ErrNotFound
		}
		return model.Subscription{}, err
	}

	if err := s.invalidate(ctx, userID); err != nil {
		return model.Subscription{}, err
	}
	s.notify(userID, "cancelled", cancelled.Plan)

	return cancelled, nil
}

// Renew extends the window from max(now, current endAt): renewing before
// expiry appends to the paid window, renewing after expiry starts fresh
// from now.
func (s *Service) Renew(ctx context.Context, userID int64, subscriptionID string) (model.Subscription, error) {
	if userID <= 0 || strings.TrimSpace(subscriptionID) == "" {
		return model.Subscription{}, ErrValidation
	}
	if s.store == nil {
		return model.Subscription{}, fmt.Errorf("subscription store is nil")
	}

	sub, err := s.store.FindByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrSubscriptionNotFound) {
			return model.Subscription{}, ErrNotFound
		}
		return model.Subscription{}, err
	}
	if sub.UserID != userID {
		return model.Subscription{}, ErrForbidden
	}
	// Only active or lapsed records can renew. A cancelled record must
	// stay cancelled: resurrecting one would put a second active record
	// next to the user's current subscription.
	if sub.Status != model.StatusActive && sub.Status != model.StatusExpired {
		return model.Subscription{}, ErrValidation
	}

	renewed, err := s.renewRecord(ctx, sub)
	if err != nil {
		return model.Subscription{}, err
	}
	s.notify(userID, "renewed", renewed.Plan)

	return renewed, nil
}

func (s *Service) renewRecord(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	duration, ok := rules.PlanDuration(sub.Plan)
	if !ok {
		return model.Subscription{}, ErrValidation
	}

	now := s.now().UTC()
	base := now
	if sub.EndAt != nil && sub.EndAt.After(now) {
		base = sub.EndAt.UTC()
	}

	renewed, err := s.store.Renew(ctx, sub.ID, base.Add(duration))
	if err != nil {
		if errors.Is(err, pgrepo.ErrSubscriptionNotFound) {
			return model.Subscription{}, ErrNotFound
		}
		return model.Subscription{}, err
	}

	if err := s.invalidate(ctx, sub.UserID); err != nil {
		return model.Subscription{}, err
	}

	return renewed, nil
}

// ProcessExpired sweeps lapsed active records. Auto-renewing records get
// one charge attempt; on failure or autoRenew = false they expire. The
// conditional store update makes re-running the sweep a no-op, so no
// duplicate notifications are sent.
func (s *Service) ProcessExpired(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("subscription store is nil")
	}

	now := s.now().UTC()
	expired, err := s.store.ListActiveExpired(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	transitioned := 0
	for _, sub := range expired {
		if sub.AutoRenew && s.charger != nil {
			charged, err := s.charger.ChargeRenewal(ctx, sub)
			if err != nil {
				s.logger.Warn("renewal charge failed",
					zap.String("subscription_id", sub.ID),
					zap.Int64("user_id", sub.UserID),
					zap.Error(err),
				)
			}
			if charged {
				if _, err := s.renewRecord(ctx, sub); err != nil {
					return transitioned, err
				}
				s.notify(sub.UserID, "renewed", sub.Plan)
				continue
			}
		}

		changed, err := s.store.MarkExpired(ctx, sub.ID, now)
		if err != nil {
			return transitioned, err
		}
		if !changed {
			continue
		}
		if err := s.invalidate(ctx, sub.UserID); err != nil {
			return transitioned, err
		}
		s.notify(sub.UserID, "expired", sub.Plan)
		transitioned++
	}

	return transitioned, nil
}

// Snapshot is the cache-first entitlement read. On a miss it rebuilds
// from the authoritative record, lazily expiring a lapsed one and
// synthesizing a perpetual free record when nothing usable exists.
// Store failures surface as errors, never as an implicit allow.
func (s *Service) Snapshot(ctx context.Context, userID int64) (model.EntitlementSnapshot, error) {
	if userID <= 0 {
		return model.EntitlementSnapshot{}, ErrValidation
	}
	if s.store == nil {
		return model.EntitlementSnapshot{}, fmt.Errorf("subscription store is nil")
	}

	if s.cache != nil {
		snapshot, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("entitlement cache read failed", zap.Int64("user_id", userID), zap.Error(err))
		} else if ok {
			return snapshot, nil
		}
	}

	sub, err := s.currentRecord(ctx, userID)
	if err != nil {
		return model.EntitlementSnapshot{}, err
	}

	snapshot := snapshotOf(sub)
	if s.cache != nil {
		ttl := s.cacheTTL(snapshot)
		if err := s.cache.Set(ctx, userID, snapshot, ttl); err != nil {
			s.logger.Warn("entitlement cache write failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	return snapshot, nil
}

func (s *Service) GetCurrent(ctx context.Context, userID int64) (model.Subscription, error) {
	if userID <= 0 {
		return model.Subscription{}, ErrValidation
	}
	if s.store == nil {
		return model.Subscription{}, fmt.Errorf("subscription store is nil")
	}

	return s.currentRecord(ctx, userID)
}

func (s *Service) currentRecord(ctx context.Context, userID int64) (model.Subscription, error) {
	now := s.now().UTC()

	sub, err := s.store.FindCurrentActive(ctx, userID)
	if err == nil {
		if sub.ActiveAt(now) || sub.EndAt == nil {
			return sub, nil
		}
		// Lazy expiry of a lapsed active record before falling back.
		// Notify only when this call made the transition; the sweep may
		// have expired the record concurrently.
		changed, markErr := s.store.MarkExpired(ctx, sub.ID, now)
		if markErr != nil {
			return model.Subscription{}, markErr
		}
		if changed {
			if invErr := s.invalidate(ctx, userID); invErr != nil {
				return model.Subscription{}, invErr
			}
			s.notify(userID, "expired", sub.Plan)
		}
	} else if !errors.Is(err, pgrepo.ErrSubscriptionNotFound) {
		return model.Subscription{}, err
	}

	free := model.Subscription{
		ID:       uuid.NewString(),
		UserID:   userID,
		Plan:     model.PlanFree,
		Status:   model.StatusActive,
		StartAt:  now,
		Currency: "USD",
	}
	created, err := s.store.Insert(ctx, free)
	if err != nil {
		return model.Subscription{}, err
	}

	return created, nil
}

func (s *Service) invalidate(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, userID); err != nil {
		return fmt.Errorf("invalidate entitlement cache: %w", err)
	}
	return nil
}

// cacheTTL caps an entry's life at the entitlement's own remaining
// window, so a cached "active" can never outlive its true expiry.
func (s *Service) cacheTTL(snapshot model.EntitlementSnapshot) time.Duration {
	ttl := s.cfg.CacheTTLCeiling
	if snapshot.EndAt != nil {
		remaining := snapshot.EndAt.Sub(s.now().UTC())
		if remaining < ttl {
			ttl = remaining
		}
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *Service) notify(userID int64, event string, plan model.SubscriptionPlan) {
	if s.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, userID, event, plan); err != nil {
			s.logger.Warn("subscription notification failed",
				zap.Int64("user_id", userID),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}()
}

func snapshotOf(sub model.Subscription) model.EntitlementSnapshot {
	return model.EntitlementSnapshot{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Plan:           sub.Plan,
		Status:         sub.Status,
		StartAt:        sub.StartAt,
		EndAt:          sub.EndAt,
		Features:       sub.Features,
	}
}

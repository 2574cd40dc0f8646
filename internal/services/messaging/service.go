package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sparkmeet/backend/internal/domain/model"
	"github.com/sparkmeet/backend/internal/domain/rules"
	pgrepo "github.com/sparkmeet/backend/internal/repo/postgres"
)

var (
	ErrValidation = errors.New("validation error")
	ErrTransient  = errors.New("transient store error")
)

type QuotaStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (model.QuotaState, error)
	Save(ctx context.Context, tx pgx.Tx, state model.QuotaState) error
	Get(ctx context.Context, userID int64) (model.QuotaState, error)
}

type EntitlementSource interface {
	Snapshot(ctx context.Context, userID int64) (model.EntitlementSnapshot, error)
}

type RateLimiter interface {
	AllowSend(ctx context.Context, userID int64) (int64, bool, error)
}

type Dependencies struct {
	Pool         *pgxpool.Pool
	QuotaStore   QuotaStore
	Entitlements EntitlementSource
	RateLimiter  RateLimiter

	// TxRunner overrides the pool-backed transaction runner. Tests use
	// it to drive the commit path against in-memory stores.
	TxRunner func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

type Config struct {
	MessagesPerPeer int
	NewPeersPerDay  int
}

type Service struct {
	quotas       QuotaStore
	entitlements EntitlementSource
	limiter      RateLimiter
	limits       rules.Limits
	logger       *zap.Logger
	now          func() time.Time
	runTx        func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

type Decision struct {
	Allowed bool
	Reason  string
	Quota   QuotaSnapshot
}

type QuotaSnapshot struct {
	NewPeersLeft     int
	PeerMessagesLeft int
	ResetAt          time.Time
	Unlimited        bool
}

// TooFastError is a burst-limiter rejection, distinct from a quota deny:
// the caller should retry the same send after the window clears.
type TooFastError struct {
	RetryAfterSec int64
}

func (e *TooFastError) Error() string {
	return fmt.Sprintf("too many send attempts, retry after %ds", e.RetryAfterSec)
}

func IsTooFast(err error) (*TooFastError, bool) {
	var tf *TooFastError
	if errors.As(err, &tf) {
		return tf, true
	}
	return nil, false
}

func NewService(deps Dependencies, cfg Config, logger *zap.Logger) *Service {
	limits := rules.Limits{
		MessagesPerPeer: cfg.MessagesPerPeer,
		NewPeersPerDay:  cfg.NewPeersPerDay,
	}
	if limits.MessagesPerPeer <= 0 {
		limits.MessagesPerPeer = rules.MessagesPerPeer
	}
	if limits.NewPeersPerDay <= 0 {
		limits.NewPeersPerDay = rules.NewPeersPerDay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runTx := deps.TxRunner
	if runTx == nil {
		runTx = func(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
			return pgrepo.WithTx(ctx, deps.Pool, fn)
		}
	}

	return &Service{
		quotas:       deps.QuotaStore,
		entitlements: deps.Entitlements,
		limiter:      deps.RateLimiter,
		limits:       limits,
		logger:       logger,
		now:          time.Now,
		runTx:        runTx,
	}
}

// CanSend is the dry-run decision. It never mutates counters, so a
// caller must not treat an allow here as a reservation; the commit
// happens in Send.
func (s *Service) CanSend(ctx context.Context, userID, peerID int64, conversationPremium bool) (Decision, error) {
	if err := validatePair(userID, peerID); err != nil {
		return Decision{}, err
	}
	if s.quotas == nil || s.entitlements == nil {
		return Decision{}, fmt.Errorf("messaging dependencies are not configured")
	}

	entitlement, err := s.entitlements.Snapshot(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	quota, err := s.quotas.Get(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	now := s.now().UTC()
	decision := rules.Decide(quota, entitlement, peerID, conversationPremium, s.limits, now)
	return Decision{
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
		Quota:   s.snapshotFor(quota, entitlement, peerID, now),
	}, nil
}

// Send decides and commits in one critical section: the quota row is
// locked for the whole decide-advance-save sequence, so two concurrent
// sends from one user cannot both take the last remaining slot. A deny
// is a normal outcome, not an error. One internal retry absorbs a
// serialization conflict before the transient error surfaces.
func (s *Service) Send(ctx context.Context, userID, peerID int64, conversationPremium bool) (Decision, error) {
	if err := validatePair(userID, peerID); err != nil {
		return Decision{}, err
	}
	if s.quotas == nil || s.entitlements == nil {
		return Decision{}, fmt.Errorf("messaging dependencies are not configured")
	}

	if s.limiter != nil {
		retryAfter, allowed, err := s.limiter.AllowSend(ctx, userID)
		if err != nil {
			s.logger.Warn("send rate limiter failed", zap.Int64("user_id", userID), zap.Error(err))
		} else if !allowed {
			return Decision{}, &TooFastError{RetryAfterSec: retryAfter}
		}
	}

	entitlement, err := s.entitlements.Snapshot(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	decision, err := s.commitSend(ctx, userID, peerID, entitlement, conversationPremium)
	if err != nil && isSerializationConflict(err) {
		decision, err = s.commitSend(ctx, userID, peerID, entitlement, conversationPremium)
		if err != nil && isSerializationConflict(err) {
			return Decision{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}

	return decision, err
}

func (s *Service) commitSend(ctx context.Context, userID, peerID int64, entitlement model.EntitlementSnapshot, conversationPremium bool) (Decision, error) {
	var out Decision
	err := s.runTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		quota, err := s.quotas.GetForUpdate(txCtx, tx, userID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		decision := rules.Decide(quota, entitlement, peerID, conversationPremium, s.limits, now)
		if !decision.Allowed {
			out = Decision{
				Reason: decision.Reason,
				Quota:  s.snapshotFor(quota, entitlement, peerID, now),
			}
			return nil
		}

		advanced := rules.Advance(quota, peerID, now)
		if err := s.quotas.Save(txCtx, tx, advanced); err != nil {
			return err
		}

		out = Decision{
			Allowed: true,
			Quota:   s.snapshotFor(advanced, entitlement, peerID, now),
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	return out, nil
}

func (s *Service) GetQuota(ctx context.Context, userID int64) (QuotaSnapshot, error) {
	if userID <= 0 {
		return QuotaSnapshot{}, ErrValidation
	}
	if s.quotas == nil || s.entitlements == nil {
		return QuotaSnapshot{}, fmt.Errorf("messaging dependencies are not configured")
	}

	entitlement, err := s.entitlements.Snapshot(ctx, userID)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	quota, err := s.quotas.Get(ctx, userID)
	if err != nil {
		return QuotaSnapshot{}, err
	}

	return s.snapshotFor(quota, entitlement, 0, s.now().UTC()), nil
}

func (s *Service) snapshotFor(quota model.QuotaState, entitlement model.EntitlementSnapshot, peerID int64, now time.Time) QuotaSnapshot {
	unlimited := entitlement.Unlimited(now)

	newPeersToday := 0
	if rules.SameUTCDay(quota.LastResetAt, now) {
		newPeersToday = len(quota.DailyPeers)
	}
	newPeersLeft := s.limits.NewPeersPerDay - newPeersToday
	if newPeersLeft < 0 {
		newPeersLeft = 0
	}

	peerMessagesLeft := s.limits.MessagesPerPeer
	if peerID > 0 {
		peerMessagesLeft = s.limits.MessagesPerPeer - quota.MessagesTo(peerID)
		if peerMessagesLeft < 0 {
			peerMessagesLeft = 0
		}
	}

	return QuotaSnapshot{
		NewPeersLeft:     newPeersLeft,
		PeerMessagesLeft: peerMessagesLeft,
		ResetAt:          rules.NextResetAt(now),
		Unlimited:        unlimited,
	}
}

func validatePair(userID, peerID int64) error {
	if userID <= 0 || peerID <= 0 || userID == peerID {
		return ErrValidation
	}
	return nil
}

func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected.
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

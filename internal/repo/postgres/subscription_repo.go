package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkmeet/backend/internal/domain/model"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

const subscriptionColumns = `
	id,
	user_id,
	plan,
	status,
	start_at,
	end_at,
	auto_renew,
	price,
	currency,
	cancelled_at,
	cancellation_reason,
	features,
	created_at,
	updated_at`

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// Activate cancels every currently-active record for the user and inserts
// the new one as a single transactional unit, so a crash in between can
// never leave two active records.
func (r *SubscriptionRepo) Activate(ctx context.Context, sub model.Subscription, supersedeReason string) (model.Subscription, error) {
	if r.pool == nil {
		return model.Subscription{}, fmt.Errorf("postgres pool is nil")
	}
	if sub.UserID <= 0 {
		return model.Subscription{}, fmt.Errorf("invalid subscription payload")
	}

	var out model.Subscription
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		if _, err := r.CancelActiveTx(txCtx, tx, sub.UserID, supersedeReason, time.Now().UTC()); err != nil {
			return err
		}
		created, err := r.InsertTx(txCtx, tx, sub)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return model.Subscription{}, err
	}

	return out, nil
}

func (r *SubscriptionRepo) CancelActiveTx(ctx context.Context, tx pgx.Tx, userID int64, reason string, now time.Time) (int64, error) {
	if tx == nil {
		return 0, fmt.Errorf("transaction is required")
	}
	if userID <= 0 {
		return 0, fmt.Errorf("invalid user id")
	}

	tag, err := tx.Exec(ctx, `
UPDATE subscriptions
SET
	status = 'cancelled',
	auto_renew = FALSE,
	cancelled_at = $2,
	cancellation_reason = $3,
	updated_at = NOW()
WHERE user_id = $1 AND status = 'active'
`, userID, now.UTC(), strings.TrimSpace(reason))
	if err != nil {
		return 0, fmt.Errorf("cancel active subscriptions: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *SubscriptionRepo) InsertTx(ctx context.Context, tx pgx.Tx, sub model.Subscription) (model.Subscription, error) {
	if tx == nil {
		return model.Subscription{}, fmt.Errorf("transaction is required")
	}
	if strings.TrimSpace(sub.ID) == "" {
		sub.ID = uuid.NewString()
	}

	features, err := marshalFeatures(sub.Features)
	if err != nil {
		return model.Subscription{}, err
	}

	created, err := scanSubscriptionRow(tx.QueryRow(ctx, `
INSERT INTO subscriptions (
	id,
	user_id,
	plan,
	status,
	start_at,
	end_at,
	auto_renew,
	price,
	currency,
	cancellation_reason,
	features,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10::jsonb, NOW(), NOW())
RETURNING`+subscriptionColumns+`
`, sub.ID, sub.UserID, string(sub.Plan), string(sub.Status), sub.StartAt.UTC(), utcOrNil(sub.EndAt), sub.AutoRenew, sub.Price, sub.Currency, features))
	if err != nil {
		return model.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}

	return created, nil
}

func (r *SubscriptionRepo) Insert(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if r.pool == nil {
		return model.Subscription{}, fmt.Errorf("postgres pool is nil")
	}

	var out model.Subscription
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		created, err := r.InsertTx(txCtx, tx, sub)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return model.Subscription{}, err
	}

	return out, nil
}

func (r *SubscriptionRepo) FindByID(ctx context.Context, id string) (model.Subscription, error) {
	if r.pool == nil {
		return model.Subscription{}, fmt.Errorf("postgres pool is nil")
	}
	if strings.TrimSpace(id) == "" {
		return model.Subscription{}, fmt.Errorf("subscription id is required")
	}

	sub, err := scanSubscriptionRow(r.pool.QueryRow(ctx, `
SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE id = $1
LIMIT 1
`, strings.TrimSpace(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, ErrSubscriptionNotFound
		}
		return model.Subscription{}, fmt.Errorf("find subscription by id: %w", err)
	}

	return sub, nil
}

func (r *SubscriptionRepo) FindCurrentActive(ctx context.Context, userID int64) (model.Subscription, error) {
	if r.pool == nil {
		return model.Subscription{}, fmt.Errorf("postgres pool is nil")
	}
	if userID <= 0 {
		return model.Subscription{}, fmt.Errorf("invalid user id")
	}

	sub, err := scanSubscriptionRow(r.pool.QueryRow(ctx, `
SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1 AND status = 'active'
ORDER BY created_at DESC
LIMIT 1
`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, ErrSubscriptionNotFound
		}
		return model.Subscription{}, fmt.Errorf("find current active subscription: %w", err)
	}

	return sub, nil
}

func (r *SubscriptionRepo) Cancel(ctx context.Context, id, reason string, revokeEntitlement bool, now time.Time) (model.Subscription, error) {
	if r.pool == nil {
		return model.Subscription{}, fmt.Errorf("postgres pool is nil")
	}
	if strings.TrimSpace(id) == "" {
		return model.Subscription{}, fmt.Errorf("subscription id is required")
	}

	sub, err := scanSubscriptionRow(r.pool.QueryRow(ctx, `
UPDATE subscriptions
SET
	status = 'cancelled',
	auto_renew = FALSE,
	cancelled_at = $2,
	cancellation_reason = $3,
	end_at = CASE WHEN $4 THEN $2 ELSE end_at END,
	updated_at = NOW()
WHERE id = $1
RETURNING`+subscriptionColumns+`
`, strings.TrimSpace(id), now.UTC(), strings.TrimSpace(reason), revokeEntitlement))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, ErrSubscriptionNotFound
		}
		return model.Subscription{}, fmt.Errorf("cancel subscription: %w", err)
	}

	return sub, nil
}

func (r *SubscriptionRepo) Renew(ctx context.Context, id string, endAt time.Time) (model.Subscription, error) {
	if r.pool == nil {
		return model.Subscription{}, fmt.Errorf("postgres pool is nil")
	}
	if strings.TrimSpace(id) == "" || endAt.IsZero() {
		return model.Subscription{}, fmt.Errorf("invalid renew payload")
	}

	// Cancelled (and administrative) records are not renewable; the
	// status guard keeps a superseded record from coming back active.
	sub, err := scanSubscriptionRow(r.pool.QueryRow(ctx, `
UPDATE subscriptions
SET
	status = 'active',
	end_at = $2,
	cancelled_at = NULL,
	cancellation_reason = '',
	updated_at = NOW()
WHERE id = $1 AND status IN ('active', 'expired')
RETURNING`+subscriptionColumns+`
`, strings.TrimSpace(id), endAt.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, ErrSubscriptionNotFound
		}
		return model.Subscription{}, fmt.Errorf("renew subscription: %w", err)
	}

	return sub, nil
}

func (r *SubscriptionRepo) ListActiveExpired(ctx context.Context, cutoff time.Time, limit int) ([]model.Subscription, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE status = 'active' AND end_at IS NOT NULL AND end_at < $1
ORDER BY end_at ASC
LIMIT $2
`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list active expired subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired subscriptions: %w", err)
	}

	return out, nil
}

// MarkExpired is conditional on the record still being active and lapsed,
// which makes the sweep idempotent: a second pass matches zero rows.
func (r *SubscriptionRepo) MarkExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}
	if strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("subscription id is required")
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE subscriptions
SET status = 'expired', updated_at = NOW()
WHERE id = $1 AND status = 'active' AND end_at IS NOT NULL AND end_at < $2
`, strings.TrimSpace(id), cutoff.UTC())
	if err != nil {
		return false, fmt.Errorf("mark subscription expired: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func scanSubscriptionRow(row pgx.Row) (model.Subscription, error) {
	var sub model.Subscription
	var plan, status string
	var endAt, cancelledAt *time.Time
	var featuresRaw []byte
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&plan,
		&status,
		&sub.StartAt,
		&endAt,
		&sub.AutoRenew,
		&sub.Price,
		&sub.Currency,
		&cancelledAt,
		&sub.CancellationReason,
		&featuresRaw,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return model.Subscription{}, err
	}

	parsedPlan, ok := model.ParseSubscriptionPlan(plan)
	if !ok {
		return model.Subscription{}, fmt.Errorf("unknown subscription plan: %s", plan)
	}
	parsedStatus, ok := model.ParseSubscriptionStatus(status)
	if !ok {
		return model.Subscription{}, fmt.Errorf("unknown subscription status: %s", status)
	}
	sub.Plan = parsedPlan
	sub.Status = parsedStatus
	sub.EndAt = endAt
	sub.CancelledAt = cancelledAt

	if len(featuresRaw) > 0 && string(featuresRaw) != "null" {
		if err := json.Unmarshal(featuresRaw, &sub.Features); err != nil {
			return model.Subscription{}, fmt.Errorf("decode subscription features: %w", err)
		}
	}

	return sub, nil
}

func marshalFeatures(features []string) (string, error) {
	if len(features) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(features)
	if err != nil {
		return "", fmt.Errorf("marshal subscription features: %w", err)
	}
	return string(raw), nil
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

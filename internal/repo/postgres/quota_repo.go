package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkmeet/backend/internal/domain/model"
)

type QuotaRepo struct {
	pool *pgxpool.Pool
}

func NewQuotaRepo(pool *pgxpool.Pool) *QuotaRepo {
	return &QuotaRepo{pool: pool}
}

// GetForUpdate loads the user's quota row under a row lock, inserting an
// empty row first when the user has never sent anything. Callers hold the
// lock for the whole decide-advance-save sequence.
func (r *QuotaRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (model.QuotaState, error) {
	if userID <= 0 {
		return model.QuotaState{}, fmt.Errorf("invalid quota lookup payload")
	}
	if tx == nil {
		return model.QuotaState{}, fmt.Errorf("transaction is required")
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO user_quotas (user_id, daily_peers, peer_counts, last_reset_at, updated_at)
VALUES ($1, '[]'::jsonb, '{}'::jsonb, NULL, NOW())
ON CONFLICT (user_id) DO NOTHING
`, userID); err != nil {
		return model.QuotaState{}, fmt.Errorf("ensure quota row: %w", err)
	}

	state, err := scanQuotaRow(tx.QueryRow(ctx, `
SELECT user_id, daily_peers, peer_counts, last_reset_at, updated_at
FROM user_quotas
WHERE user_id = $1
FOR UPDATE
`, userID))
	if err != nil {
		return model.QuotaState{}, fmt.Errorf("lock quota row: %w", err)
	}

	return state, nil
}

func (r *QuotaRepo) Save(ctx context.Context, tx pgx.Tx, state model.QuotaState) error {
	if state.UserID <= 0 {
		return fmt.Errorf("invalid quota save payload")
	}
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}

	dailyPeers, err := json.Marshal(state.DailyPeers)
	if err != nil {
		return fmt.Errorf("marshal daily peers: %w", err)
	}
	if state.DailyPeers == nil {
		dailyPeers = []byte("[]")
	}
	peerCounts, err := json.Marshal(state.PeerCounts)
	if err != nil {
		return fmt.Errorf("marshal peer counts: %w", err)
	}
	if state.PeerCounts == nil {
		peerCounts = []byte("{}")
	}

	var lastResetAt *time.Time
	if !state.LastResetAt.IsZero() {
		reset := state.LastResetAt.UTC()
		lastResetAt = &reset
	}

	if _, err := tx.Exec(ctx, `
UPDATE user_quotas
SET
	daily_peers = $2::jsonb,
	peer_counts = $3::jsonb,
	last_reset_at = $4,
	updated_at = NOW()
WHERE user_id = $1
`, state.UserID, string(dailyPeers), string(peerCounts), lastResetAt); err != nil {
		return fmt.Errorf("save quota state: %w", err)
	}

	return nil
}

// Get is the lock-free read used for quota snapshots. A missing row maps
// to an empty state rather than an error.
func (r *QuotaRepo) Get(ctx context.Context, userID int64) (model.QuotaState, error) {
	if userID <= 0 {
		return model.QuotaState{}, fmt.Errorf("invalid quota lookup payload")
	}
	if r.pool == nil {
		return model.QuotaState{UserID: userID}, nil
	}

	state, err := scanQuotaRow(r.pool.QueryRow(ctx, `
SELECT user_id, daily_peers, peer_counts, last_reset_at, updated_at
FROM user_quotas
WHERE user_id = $1
LIMIT 1
`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QuotaState{UserID: userID}, nil
		}
		return model.QuotaState{}, fmt.Errorf("get quota state: %w", err)
	}

	return state, nil
}

func scanQuotaRow(row pgx.Row) (model.QuotaState, error) {
	var state model.QuotaState
	var dailyPeersRaw, peerCountsRaw []byte
	var lastResetAt *time.Time
	if err := row.Scan(
		&state.UserID,
		&dailyPeersRaw,
		&peerCountsRaw,
		&lastResetAt,
		&state.UpdatedAt,
	); err != nil {
		return model.QuotaState{}, err
	}

	if len(dailyPeersRaw) > 0 {
		if err := json.Unmarshal(dailyPeersRaw, &state.DailyPeers); err != nil {
			return model.QuotaState{}, fmt.Errorf("decode daily peers: %w", err)
		}
	}
	if len(peerCountsRaw) > 0 {
		if err := json.Unmarshal(peerCountsRaw, &state.PeerCounts); err != nil {
			return model.QuotaState{}, fmt.Errorf("decode peer counts: %w", err)
		}
	}
	if lastResetAt != nil {
		state.LastResetAt = lastResetAt.UTC()
	}

	return state, nil
}

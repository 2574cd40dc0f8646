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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrPaymentTransactionNotFound = errors.New("payment transaction not found")
	ErrProviderTxConflict         = errors.New("provider transaction conflict")
)

type PaymentTransactionRepo struct {
	pool *pgxpool.Pool
}

type PaymentTransactionRecord struct {
	ID              string
	UserID          int64
	Provider        string
	ProviderEventID *string
	IdempotencyKey  string
	Plan            string
	Price           float64
	Currency        string
	Status          string
	ResultPayload   map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func NewPaymentTransactionRepo(pool *pgxpool.Pool) *PaymentTransactionRepo {
	return &PaymentTransactionRepo{pool: pool}
}

func (r *PaymentTransactionRepo) BeginPurchase(
	ctx context.Context,
	userID int64,
	provider, plan string,
	price float64,
	currency, idempotencyKey string,
) (PaymentTransactionRecord, bool, error) {
	if r.pool == nil {
		return PaymentTransactionRecord{}, false, fmt.Errorf("postgres pool is nil")
	}
	if userID <= 0 || price < 0 {
		return PaymentTransactionRecord{}, false, fmt.Errorf("invalid begin purchase payload")
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	plan = strings.ToLower(strings.TrimSpace(plan))
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	if provider == "" || plan == "" || idempotencyKey == "" {
		return PaymentTransactionRecord{}, false, fmt.Errorf("invalid begin purchase payload")
	}

	txID := uuid.NewString()
	record, err := scanPaymentTransactionRow(r.pool.QueryRow(ctx, `
INSERT INTO payment_transactions (
	id,
	user_id,
	provider,
	idempotency_key,
	plan,
	price,
	currency,
	status,
	created_at,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', NOW(), NOW())
ON CONFLICT (idempotency_key) DO UPDATE
SET updated_at = payment_transactions.updated_at
RETURNING
	id,
	user_id,
	provider,
	provider_event_id,
	idempotency_key,
	plan,
	price,
	currency,
	status,
	result_payload,
	created_at,
	updated_at
`, txID, userID, provider, idempotencyKey, plan, price, currency))
	if err != nil {
		return PaymentTransactionRecord{}, false, fmt.Errorf("begin purchase transaction: %w", err)
	}

	created := strings.EqualFold(record.ID, txID)
	return record, created, nil
}

// ConfirmPayment settles a pending transaction exactly once. Replayed
// webhooks find a settled record under the row lock and come back with
// idempotent = true, so callers apply entitlement effects at most once.
func (r *PaymentTransactionRepo) ConfirmPayment(
	ctx context.Context,
	provider, providerEventID string,
	succeeded bool,
	payload map[string]any,
) (PaymentTransactionRecord, bool, error) {
	if r.pool == nil {
		return PaymentTransactionRecord{}, false, fmt.Errorf("postgres pool is nil")
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	providerEventID = strings.TrimSpace(providerEventID)
	if provider == "" || providerEventID == "" {
		return PaymentTransactionRecord{}, false, fmt.Errorf("invalid confirm payload")
	}

	var out PaymentTransactionRecord
	idempotent := false
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		rec, err := r.lockForConfirm(txCtx, tx, provider, providerEventID)
		if err != nil {
			return err
		}

		if strings.EqualFold(rec.Status, "SUCCEEDED") || strings.EqualFold(rec.Status, "FAILED") {
			idempotent = true
			out = rec
			return nil
		}

		status := "FAILED"
		if succeeded {
			status = "SUCCEEDED"
		}

		updated, err := r.settleTx(txCtx, tx, rec.ID, providerEventID, status, payload)
		if err != nil {
			return err
		}
		out = updated
		idempotent = false
		return nil
	})
	if err != nil {
		return PaymentTransactionRecord{}, false, err
	}

	return out, idempotent, nil
}

func (r *PaymentTransactionRepo) lockForConfirm(ctx context.Context, tx pgx.Tx, provider, providerEventID string) (PaymentTransactionRecord, error) {
	if tx == nil {
		return PaymentTransactionRecord{}, fmt.Errorf("transaction is required")
	}

	rec, err := scanPaymentTransactionRow(tx.QueryRow(ctx, `
SELECT
	id,
	user_id,
	provider,
	provider_event_id,
	idempotency_key,
	plan,
	price,
	currency,
	status,
	result_payload,
	created_at,
	updated_at
FROM payment_transactions
WHERE provider = $1
  AND provider_event_id = $2
FOR UPDATE
`, provider, providerEventID))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PaymentTransactionRecord{}, fmt.Errorf("lock payment transaction by provider_event_id: %w", err)
	}

	rec, err = scanPaymentTransactionRow(tx.QueryRow(ctx, `
SELECT
	id,
	user_id,
	provider,
	provider_event_id,
	idempotency_key,
	plan,
	price,
	currency,
	status,
	result_payload,
	created_at,
	updated_at
FROM payment_transactions
WHERE provider = $1
  AND idempotency_key = $2
FOR UPDATE
`, provider, providerEventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentTransactionRecord{}, ErrPaymentTransactionNotFound
		}
		return PaymentTransactionRecord{}, fmt.Errorf("lock payment transaction by idempotency_key: %w", err)
	}

	if rec.ProviderEventID != nil && strings.TrimSpace(*rec.ProviderEventID) != "" {
		return rec, nil
	}

	if _, err := tx.Exec(ctx, `
UPDATE payment_transactions
SET
	provider_event_id = $2,
	updated_at = NOW()
WHERE id = $1
`, rec.ID, providerEventID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PaymentTransactionRecord{}, ErrProviderTxConflict
		}
		return PaymentTransactionRecord{}, fmt.Errorf("bind provider event id: %w", err)
	}

	rec.ProviderEventID = &providerEventID
	return rec, nil
}

func (r *PaymentTransactionRepo) settleTx(
	ctx context.Context,
	tx pgx.Tx,
	transactionID string,
	providerEventID string,
	status string,
	payload map[string]any,
) (PaymentTransactionRecord, error) {
	if tx == nil {
		return PaymentTransactionRecord{}, fmt.Errorf("transaction is required")
	}

	payloadJSON, err := marshalAnyPayload(payload)
	if err != nil {
		return PaymentTransactionRecord{}, err
	}

	row := tx.QueryRow(ctx, `
UPDATE payment_transactions
SET
	provider_event_id = $2,
	status = $3,
	result_payload = $4::jsonb,
	updated_at = NOW()
WHERE id = $1
RETURNING
	id,
	user_id,
	provider,
	provider_event_id,
	idempotency_key,
	plan,
	price,
	currency,
	status,
	result_payload,
	created_at,
	updated_at
`, transactionID, providerEventID, status, payloadJSON)

	rec, err := scanPaymentTransactionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentTransactionRecord{}, ErrPaymentTransactionNotFound
		}
		return PaymentTransactionRecord{}, fmt.Errorf("settle payment transaction: %w", err)
	}
	return rec, nil
}

func scanPaymentTransactionRow(row pgx.Row) (PaymentTransactionRecord, error) {
	var rec PaymentTransactionRecord
	var payloadRaw []byte
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Provider,
		&rec.ProviderEventID,
		&rec.IdempotencyKey,
		&rec.Plan,
		&rec.Price,
		&rec.Currency,
		&rec.Status,
		&payloadRaw,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return PaymentTransactionRecord{}, err
	}
	rec.ResultPayload = decodeAnyPayload(payloadRaw)
	return rec, nil
}

func marshalAnyPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "null", nil
	}
	if len(payload) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(raw), nil
}

func decodeAnyPayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	if string(raw) == "null" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload
}

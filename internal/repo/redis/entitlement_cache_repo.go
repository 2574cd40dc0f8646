package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sparkmeet/backend/internal/domain/model"
)

const entitlementSnapshotPrefix = "entitlements:snapshot:"

type EntitlementCacheRepo struct {
	client *goredis.Client
}

func NewEntitlementCacheRepo(client *goredis.Client) *EntitlementCacheRepo {
	return &EntitlementCacheRepo{client: client}
}

func (r *EntitlementCacheRepo) Get(ctx context.Context, userID int64) (model.EntitlementSnapshot, bool, error) {
	if r.client == nil {
		return model.EntitlementSnapshot{}, false, fmt.Errorf("redis client is nil")
	}
	if userID <= 0 {
		return model.EntitlementSnapshot{}, false, fmt.Errorf("invalid user id")
	}

	raw, err := r.client.Get(ctx, snapshotKey(userID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return model.EntitlementSnapshot{}, false, nil
		}
		return model.EntitlementSnapshot{}, false, fmt.Errorf("get entitlement snapshot: %w", err)
	}

	var snapshot model.EntitlementSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// Drop undecodable entries so the next read rebuilds them.
		_ = r.client.Del(ctx, snapshotKey(userID)).Err()
		return model.EntitlementSnapshot{}, false, nil
	}

	return snapshot, true, nil
}

func (r *EntitlementCacheRepo) Set(ctx context.Context, userID int64, snapshot model.EntitlementSnapshot, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if userID <= 0 {
		return fmt.Errorf("invalid user id")
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal entitlement snapshot: %w", err)
	}

	if err := r.client.Set(ctx, snapshotKey(userID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set entitlement snapshot: %w", err)
	}

	return nil
}

func (r *EntitlementCacheRepo) Delete(ctx context.Context, userID int64) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if userID <= 0 {
		return fmt.Errorf("invalid user id")
	}

	if err := r.client.Del(ctx, snapshotKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete entitlement snapshot: %w", err)
	}

	return nil
}

func snapshotKey(userID int64) string {
	return entitlementSnapshotPrefix + strconv.FormatInt(userID, 10)
}

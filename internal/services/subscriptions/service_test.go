package subscriptions

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sparkmeet/backend/internal/domain/model"
	pgrepo "github.com/sparkmeet/backend/internal/repo/postgres"
)

type memoryStore struct {
	mu      sync.Mutex
	seq     int
	records map[string]model.Subscription
	order   []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]model.Subscription)}
}

func (s *memoryStore) Activate(_ context.Context, sub model.Subscription, reason string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, rec := range s.records {
		if rec.UserID == sub.UserID && rec.Status == model.StatusActive {
			rec.Status = model.StatusCancelled
			rec.AutoRenew = false
			rec.CancelledAt = &now
			rec.CancellationReason = reason
			s.records[id] = rec
		}
	}
	return s.insertLocked(sub), nil
}

func (s *memoryStore) Insert(_ context.Context, sub model.Subscription) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(sub), nil
}

func (s *memoryStore) insertLocked(sub model.Subscription) model.Subscription {
	s.seq++
	if sub.ID == "" {
		sub.ID = "sub-" + strconv.Itoa(s.seq)
	}
	sub.CreatedAt = time.Now().UTC()
	sub.UpdatedAt = sub.CreatedAt
	s.records[sub.ID] = sub
	s.order = append(s.order, sub.ID)
	return sub
}

func (s *memoryStore) FindByID(_ context.Context, id string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
	}
	return rec, nil
}

func (s *memoryStore) FindCurrentActive(_ context.Context, userID int64) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if rec.UserID == userID && rec.Status == model.StatusActive {
			return rec, nil
		}
	}
	return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
}

func (s *memoryStore) Cancel(_ context.Context, id, reason string, revoke bool, now time.Time) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
	}
	rec.Status = model.StatusCancelled
	rec.AutoRenew = false
	rec.CancelledAt = &now
	rec.CancellationReason = reason
	if revoke {
		rec.EndAt = &now
	}
	s.records[id] = rec
	return rec, nil
}

func (s *memoryStore) Renew(_ context.Context, id string, endAt time.Time) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
	}
	if rec.Status != model.StatusActive && rec.Status != model.StatusExpired {
		return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
	}
	rec.Status = model.StatusActive
	rec.EndAt = &endAt
	rec.CancelledAt = nil
	rec.CancellationReason = ""
	s.records[id] = rec
	return rec, nil
}

func (s *memoryStore) ListActiveExpired(_ context.Context, cutoff time.Time, limit int) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subscription
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status == model.StatusActive && rec.EndAt != nil && rec.EndAt.Before(cutoff) {
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memoryStore) MarkExpired(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if rec.Status != model.StatusActive || rec.EndAt == nil || !rec.EndAt.Before(cutoff) {
		return false, nil
	}
	rec.Status = model.StatusExpired
	s.records[id] = rec
	return true, nil
}

func (s *memoryStore) activeCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records {
		if rec.UserID == userID && rec.Status == model.StatusActive {
			count++
		}
	}
	return count
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[int64]model.EntitlementSnapshot
	ttls    map[int64]time.Duration
	deletes int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries: make(map[int64]model.EntitlementSnapshot),
		ttls:    make(map[int64]time.Duration),
	}
}

func (c *memoryCache) Get(_ context.Context, userID int64) (model.EntitlementSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.entries[userID]
	return snap, ok, nil
}

func (c *memoryCache) Set(_ context.Context, userID int64, snap model.EntitlementSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = snap
	c.ttls[userID] = ttl
	return nil
}

func (c *memoryCache) Delete(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	delete(c.ttls, userID)
	c.deletes++
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, userID int64, event string, plan model.SubscriptionPlan) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event+":"+string(plan)+":"+strconv.FormatInt(userID, 10))
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestService(store Store, cache Cache, cfg Config) *Service {
	return NewService(store, cache, cfg, nil)
}

func TestCreateEnforcesSingleActiveSubscription(t *testing.T) {
	store := newMemoryStore()
	cache := newMemoryCache()
	service := newTestService(store, cache, Config{})

	ctx := context.Background()
	userID := int64(7)

	first, err := service.Create(ctx, userID, CreateInput{Plan: "weekly", Price: 4.99})
	if err != nil {
		t.Fatalf("create first subscription: %v", err)
	}
	second, err := service.Create(ctx, userID, CreateInput{Plan: "monthly", Price: 14.99})
	if err != nil {
		t.Fatalf("create second subscription: %v", err)
	}

	if store.activeCount(userID) != 1 {
		t.Fatalf("active count = %d, want exactly 1", store.activeCount(userID))
	}

	old, err := store.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("find first subscription: %v", err)
	}
	if old.Status != model.StatusCancelled {
		t.Fatalf("first subscription status = %s, want cancelled", old.Status)
	}
	if old.CancellationReason != supersededReason {
		t.Fatalf("first subscription cancellation reason = %q", old.CancellationReason)
	}

	current, err := store.FindCurrentActive(ctx, userID)
	if err != nil {
		t.Fatalf("find current active: %v", err)
	}
	if current.ID != second.ID {
		t.Fatalf("current active = %s, want %s", current.ID, second.ID)
	}
}

func TestCreateRejectsFreePlanAndTamperedPrice(t *testing.T) {
	service := newTestService(newMemoryStore(), newMemoryCache(), Config{})
	ctx := context.Background()

	if _, err := service.Create(ctx, 7, CreateInput{Plan: "free", Price: 0}); !errors.Is(err, ErrValidation) {
		t.Fatalf("free plan: expected ErrValidation, got %v", err)
	}
	if _, err := service.Create(ctx, 7, CreateInput{Plan: "monthly", Price: 0.99}); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("tampered price: expected ErrInvalidPrice, got %v", err)
	}
	if _, err := service.Create(ctx, 7, CreateInput{Plan: "lifetime", Price: 99}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown plan: expected ErrValidation, got %v", err)
	}
}

func TestRenewExtendsFromCurrentEndNotNow(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, newMemoryCache(), Config{})

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "weekly", Price: 4.99})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	// 3 days remaining on a 7-day plan.
	now = now.Add(4 * 24 * time.Hour)

	renewed, err := service.Renew(ctx, 7, sub.ID)
	if err != nil {
		t.Fatalf("renew subscription: %v", err)
	}
	want := sub.EndAt.Add(7 * 24 * time.Hour)
	if renewed.EndAt == nil || !renewed.EndAt.Equal(want) {
		t.Fatalf("renewed end = %v, want %v", renewed.EndAt, want)
	}
}

func TestRenewAfterLapseStartsFromNow(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, newMemoryCache(), Config{})

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "daily", Price: 0.99})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	now = now.Add(5 * 24 * time.Hour)

	renewed, err := service.Renew(ctx, 7, sub.ID)
	if err != nil {
		t.Fatalf("renew lapsed subscription: %v", err)
	}
	want := now.Add(24 * time.Hour)
	if renewed.EndAt == nil || !renewed.EndAt.Equal(want) {
		t.Fatalf("renewed end = %v, want %v (no accumulation of lapsed time)", renewed.EndAt, want)
	}
	if renewed.Status != model.StatusActive {
		t.Fatalf("renewed status = %s, want active", renewed.Status)
	}
}

func TestRenewRejectsSupersededRecord(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, newMemoryCache(), Config{})

	ctx := context.Background()
	userID := int64(7)

	first, err := service.Create(ctx, userID, CreateInput{Plan: "weekly", Price: 4.99})
	if err != nil {
		t.Fatalf("create first subscription: %v", err)
	}
	second, err := service.Create(ctx, userID, CreateInput{Plan: "monthly", Price: 14.99})
	if err != nil {
		t.Fatalf("create second subscription: %v", err)
	}

	// Renewing the superseded record must not bring it back alongside
	// the current active one.
	if _, err := service.Renew(ctx, userID, first.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("renew superseded record: expected ErrValidation, got %v", err)
	}

	if store.activeCount(userID) != 1 {
		t.Fatalf("active count = %d, want exactly 1", store.activeCount(userID))
	}
	old, err := store.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("find superseded record: %v", err)
	}
	if old.Status != model.StatusCancelled {
		t.Fatalf("superseded record status = %s, want cancelled", old.Status)
	}
	current, err := store.FindCurrentActive(ctx, userID)
	if err != nil {
		t.Fatalf("find current active: %v", err)
	}
	if current.ID != second.ID {
		t.Fatalf("current active = %s, want %s", current.ID, second.ID)
	}
}

func TestCancelChecksOwnershipAndKeepsPaidWindow(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, newMemoryCache(), Config{})

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "weekly", Price: 4.99})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	if _, err := service.Cancel(ctx, 8, sub.ID, "user request"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign cancel: expected ErrForbidden, got %v", err)
	}
	if _, err := service.Cancel(ctx, 7, "missing", "user request"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: expected ErrNotFound, got %v", err)
	}

	cancelled, err := service.Cancel(ctx, 7, sub.ID, "user request")
	if err != nil {
		t.Fatalf("cancel subscription: %v", err)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.AutoRenew {
		t.Fatalf("cancelled record = %+v", cancelled)
	}
	if cancelled.EndAt == nil || !cancelled.EndAt.Equal(*sub.EndAt) {
		t.Fatalf("end at shortened on cancel: got %v, want %v", cancelled.EndAt, sub.EndAt)
	}

	// A second cancel is a no-op.
	again, err := service.Cancel(ctx, 7, sub.ID, "user request")
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != model.StatusCancelled {
		t.Fatalf("repeat cancel status = %s", again.Status)
	}
}

func TestCancelRevokesWindowWhenConfigured(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, newMemoryCache(), Config{RevokeOnCancel: true})

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "monthly", Price: 14.99})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	cancelled, err := service.Cancel(ctx, 7, sub.ID, "user request")
	if err != nil {
		t.Fatalf("cancel subscription: %v", err)
	}
	if cancelled.EndAt == nil || !cancelled.EndAt.Equal(now) {
		t.Fatalf("revoking cancel must close the window at now, got %v", cancelled.EndAt)
	}
}

func TestProcessExpiredIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	service := newTestService(store, newMemoryCache(), Config{})
	service.AttachNotifier(notifier)

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "daily", Price: 0.99, AutoRenew: false})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	notifiedAfterCreate := waitForNotifications(t, notifier, 1)

	now = now.Add(2 * 24 * time.Hour)

	transitioned, err := service.ProcessExpired(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if transitioned != 1 {
		t.Fatalf("first sweep transitioned = %d, want 1", transitioned)
	}

	rec, err := store.FindByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("find swept subscription: %v", err)
	}
	if rec.Status != model.StatusExpired {
		t.Fatalf("status after sweep = %s, want expired", rec.Status)
	}
	afterFirst := waitForNotifications(t, notifier, notifiedAfterCreate+1)

	transitioned, err = service.ProcessExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if transitioned != 0 {
		t.Fatalf("second sweep transitioned = %d, want 0", transitioned)
	}

	time.Sleep(20 * time.Millisecond)
	if notifier.count() != afterFirst {
		t.Fatalf("second sweep sent duplicate notifications: %d -> %d", afterFirst, notifier.count())
	}
}

type fakeCharger struct {
	charged int
	result  bool
}

func (c *fakeCharger) ChargeRenewal(_ context.Context, _ model.Subscription) (bool, error) {
	c.charged++
	return c.result, nil
}

func TestProcessExpiredRenewsAutoRenewingRecords(t *testing.T) {
	store := newMemoryStore()
	charger := &fakeCharger{result: true}
	service := newTestService(store, newMemoryCache(), Config{})
	service.AttachCharger(charger)

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "weekly", Price: 4.99, AutoRenew: true})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	now = now.Add(8 * 24 * time.Hour)

	if _, err := service.ProcessExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if charger.charged != 1 {
		t.Fatalf("charge attempts = %d, want 1", charger.charged)
	}

	rec, err := store.FindByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("find renewed subscription: %v", err)
	}
	if rec.Status != model.StatusActive {
		t.Fatalf("status after successful charge = %s, want active", rec.Status)
	}
	if rec.EndAt == nil || !rec.EndAt.After(now) {
		t.Fatalf("renewed end = %v, want after %v", rec.EndAt, now)
	}
}

func TestProcessExpiredExpiresOnFailedCharge(t *testing.T) {
	store := newMemoryStore()
	charger := &fakeCharger{result: false}
	service := newTestService(store, newMemoryCache(), Config{})
	service.AttachCharger(charger)

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "weekly", Price: 4.99, AutoRenew: true})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	now = now.Add(8 * 24 * time.Hour)

	if _, err := service.ProcessExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rec, err := store.FindByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("find swept subscription: %v", err)
	}
	if rec.Status != model.StatusExpired {
		t.Fatalf("status after failed charge = %s, want expired", rec.Status)
	}
}

func TestSnapshotSynthesizesPerpetualFreeRecord(t *testing.T) {
	store := newMemoryStore()
	cache := newMemoryCache()
	service := newTestService(store, cache, Config{CacheTTLCeiling: 5 * time.Minute})

	ctx := context.Background()
	snapshot, err := service.Snapshot(ctx, 7)
	if err != nil {
		t.Fatalf("snapshot without records: %v", err)
	}
	if snapshot.Plan != model.PlanFree || snapshot.Status != model.StatusActive {
		t.Fatalf("self-healed snapshot = %+v, want active free", snapshot)
	}
	if snapshot.EndAt != nil {
		t.Fatalf("free record must be perpetual, got end %v", snapshot.EndAt)
	}
	if snapshot.Unlimited(time.Now().UTC()) {
		t.Fatal("free snapshot must not grant unlimited messaging")
	}

	// The synthesized record is persisted, not just returned.
	if _, err := store.FindCurrentActive(ctx, 7); err != nil {
		t.Fatalf("free record not persisted: %v", err)
	}
	if cache.ttls[7] != 5*time.Minute {
		t.Fatalf("free snapshot ttl = %v, want the fixed ceiling", cache.ttls[7])
	}
}

func TestSnapshotTTLCappedByRemainingWindow(t *testing.T) {
	store := newMemoryStore()
	cache := newMemoryCache()
	service := newTestService(store, cache, Config{CacheTTLCeiling: 5 * time.Minute})

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := service.Create(ctx, 7, CreateInput{Plan: "daily", Price: 0.99}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	// 90 seconds before expiry the TTL must shrink below the ceiling.
	now = now.Add(24*time.Hour - 90*time.Second)

	if _, err := service.Snapshot(ctx, 7); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if cache.ttls[7] != 90*time.Second {
		t.Fatalf("snapshot ttl = %v, want 90s (remaining window)", cache.ttls[7])
	}
}

func TestSnapshotLazyExpiresLapsedRecord(t *testing.T) {
	store := newMemoryStore()
	service := newTestService(store, newMemoryCache(), Config{})

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "daily", Price: 0.99})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	now = now.Add(3 * 24 * time.Hour)

	snapshot, err := service.Snapshot(ctx, 7)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Plan != model.PlanFree {
		t.Fatalf("snapshot plan after lapse = %s, want free", snapshot.Plan)
	}

	rec, err := store.FindByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("find lapsed subscription: %v", err)
	}
	if rec.Status != model.StatusExpired {
		t.Fatalf("lapsed record status = %s, want expired", rec.Status)
	}
}

func TestCancelLeavesExpiredRecordTerminal(t *testing.T) {
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	service := newTestService(store, newMemoryCache(), Config{})
	service.AttachNotifier(notifier)

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "daily", Price: 0.99})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	notified := waitForNotifications(t, notifier, 1)

	now = now.Add(2 * 24 * time.Hour)
	if _, err := service.ProcessExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	notified = waitForNotifications(t, notifier, notified+1)

	got, err := service.Cancel(ctx, 7, sub.ID, "user request")
	if err != nil {
		t.Fatalf("cancel expired record: %v", err)
	}
	if got.Status != model.StatusExpired {
		t.Fatalf("cancel flipped terminal status to %s, want expired", got.Status)
	}

	rec, err := store.FindByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	if rec.Status != model.StatusExpired {
		t.Fatalf("stored status = %s, want expired", rec.Status)
	}

	time.Sleep(20 * time.Millisecond)
	if notifier.count() != notified {
		t.Fatalf("cancel of expired record sent notifications: %d -> %d", notified, notifier.count())
	}
}

// staleReadStore serves an outdated active copy of a record from
// FindCurrentActive, simulating a sweep transitioning it between the
// read and the conditional expiry update.
type staleReadStore struct {
	*memoryStore
	stale model.Subscription
}

func (s *staleReadStore) FindCurrentActive(_ context.Context, userID int64) (model.Subscription, error) {
	if s.stale.UserID == userID {
		return s.stale, nil
	}
	return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
}

func TestLazyExpirySkipsNotifyWhenSweepAlreadyTransitioned(t *testing.T) {
	inner := newMemoryStore()
	notifier := &recordingNotifier{}

	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	endAt := now.Add(-time.Hour)
	sub, err := inner.Insert(context.Background(), model.Subscription{
		UserID:   7,
		Plan:     model.PlanDaily,
		Status:   model.StatusActive,
		StartAt:  endAt.Add(-24 * time.Hour),
		EndAt:    &endAt,
		Price:    0.99,
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	stale := sub
	// The sweep expires the record; the gate still holds the active copy.
	if _, err := inner.MarkExpired(context.Background(), sub.ID, now); err != nil {
		t.Fatalf("expire record: %v", err)
	}

	service := newTestService(&staleReadStore{memoryStore: inner, stale: stale}, newMemoryCache(), Config{})
	service.AttachNotifier(notifier)
	service.now = func() time.Time { return now }

	snapshot, err := service.Snapshot(context.Background(), 7)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Plan != model.PlanFree {
		t.Fatalf("snapshot plan = %s, want free", snapshot.Plan)
	}

	time.Sleep(20 * time.Millisecond)
	if notifier.count() != 0 {
		t.Fatalf("duplicate expiry notification sent: %d", notifier.count())
	}
}

func TestMutationsInvalidateCache(t *testing.T) {
	store := newMemoryStore()
	cache := newMemoryCache()
	service := newTestService(store, cache, Config{})

	ctx := context.Background()
	sub, err := service.Create(ctx, 7, CreateInput{Plan: "weekly", Price: 4.99})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if cache.deletes != 1 {
		t.Fatalf("deletes after create = %d, want 1", cache.deletes)
	}

	if _, err := service.Renew(ctx, 7, sub.ID); err != nil {
		t.Fatalf("renew subscription: %v", err)
	}
	if cache.deletes != 2 {
		t.Fatalf("deletes after renew = %d, want 2", cache.deletes)
	}

	if _, err := service.Cancel(ctx, 7, sub.ID, "user request"); err != nil {
		t.Fatalf("cancel subscription: %v", err)
	}
	if cache.deletes != 3 {
		t.Fatalf("deletes after cancel = %d, want 3", cache.deletes)
	}
}

func waitForNotifications(t *testing.T, n *recordingNotifier, want int) int {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n.count() >= want {
			return n.count()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, have %d", want, n.count())
	return 0
}

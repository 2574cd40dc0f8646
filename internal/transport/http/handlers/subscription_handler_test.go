package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sparkmeet/backend/internal/domain/model"
	pgrepo "github.com/sparkmeet/backend/internal/repo/postgres"
	authsvc "github.com/sparkmeet/backend/internal/services/auth"
	subssvc "github.com/sparkmeet/backend/internal/services/subscriptions"
)

type handlerSubscriptionStore struct {
	mu      sync.Mutex
	seq     int
	records map[string]model.Subscription
	order   []string
}

func newHandlerSubscriptionStore() *handlerSubscriptionStore {
	return &handlerSubscriptionStore{records: make(map[string]model.Subscription)}
}

func (s *handlerSubscriptionStore) Activate(_ context.Context, sub model.Subscription, reason string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, rec := range s.records {
		if rec.UserID == sub.UserID && rec.Status == model.StatusActive {
			rec.Status = model.StatusCancelled
			rec.CancelledAt = &now
			rec.CancellationReason = reason
			s.records[id] = rec
		}
	}
	return s.insertLocked(sub), nil
}

func (s *handlerSubscriptionStore) Insert(_ context.Context, sub model.Subscription) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(sub), nil
}

func (s *handlerSubscriptionStore) insertLocked(sub model.Subscription) model.Subscription {
	s.seq++
	if sub.ID == "" {
		sub.ID = "sub-" + strconv.Itoa(s.seq)
	}
	s.records[sub.ID] = sub
	s.order = append(s.order, sub.ID)
	return sub
}

func (s *handlerSubscriptionStore) FindByID(_ context.Context, id string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
	}
	return rec, nil
}

func (s *handlerSubscriptionStore) FindCurrentActive(_ context.Context, userID int64) (model.Subscription, error) {
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

func (s *handlerSubscriptionStore) Cancel(_ context.Context, id, reason string, revoke bool, now time.Time) (model.Subscription, error) {
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

func (s *handlerSubscriptionStore) Renew(_ context.Context, id string, endAt time.Time) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Subscription{}, pgrepo.ErrSubscriptionNotFound
	}
	rec.Status = model.StatusActive
	rec.EndAt = &endAt
	s.records[id] = rec
	return rec, nil
}

func (s *handlerSubscriptionStore) ListActiveExpired(_ context.Context, cutoff time.Time, limit int) ([]model.Subscription, error) {
	return nil, nil
}

func (s *handlerSubscriptionStore) MarkExpired(_ context.Context, id string, cutoff time.Time) (bool, error) {
	return false, nil
}

func newSubscriptionHandler() (*SubscriptionHandler, *handlerSubscriptionStore) {
	store := newHandlerSubscriptionStore()
	service := subssvc.NewService(store, nil, subssvc.Config{}, nil)
	return NewSubscriptionHandler(service), store
}

func TestSubscriptionHandlerCreateAndCurrent(t *testing.T) {
	h, _ := newSubscriptionHandler()

	resp := performSubscriptionRequest(t, h.Create, http.MethodPost, "/v1/subscriptions", map[string]any{
		"plan":  "weekly",
		"price": 4.99,
	}, nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", resp.Code, resp.Body.String())
	}

	var created struct {
		ID       string   `json:"id"`
		Plan     string   `json:"plan"`
		Status   string   `json:"status"`
		Features []string `json:"features"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Plan != "weekly" || created.Status != "active" {
		t.Fatalf("unexpected created subscription: %+v", created)
	}
	if len(created.Features) != 1 || created.Features[0] != "unlimited_messaging" {
		t.Fatalf("unexpected features: %v", created.Features)
	}

	resp = performSubscriptionRequest(t, h.Current, http.MethodGet, "/v1/subscriptions/current", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("current: status %d", resp.Code)
	}

	var current struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &current); err != nil {
		t.Fatalf("decode current response: %v", err)
	}
	if current.ID != created.ID {
		t.Fatalf("current = %s, want %s", current.ID, created.ID)
	}
}

func TestSubscriptionHandlerRejectsTamperedPrice(t *testing.T) {
	h, _ := newSubscriptionHandler()

	resp := performSubscriptionRequest(t, h.Create, http.MethodPost, "/v1/subscriptions", map[string]any{
		"plan":  "monthly",
		"price": 0.99,
	}, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("tampered price: status %d, want %d", resp.Code, http.StatusBadRequest)
	}

	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Code != "INVALID_PRICE" {
		t.Fatalf("unexpected error code: %q", payload.Code)
	}
}

func TestSubscriptionHandlerCancelForeignRecord(t *testing.T) {
	h, store := newSubscriptionHandler()

	foreign, err := store.Insert(context.Background(), model.Subscription{
		UserID: 999,
		Plan:   model.PlanWeekly,
		Status: model.StatusActive,
	})
	if err != nil {
		t.Fatalf("seed foreign subscription: %v", err)
	}

	resp := performSubscriptionRequest(t, h.Cancel, http.MethodPost, "/v1/subscriptions/"+foreign.ID+"/cancel", map[string]any{
		"reason": "user request",
	}, map[string]string{"id": foreign.ID})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel: status %d, want %d", resp.Code, http.StatusForbidden)
	}
}

func TestSubscriptionHandlerCancelAndRenew(t *testing.T) {
	h, _ := newSubscriptionHandler()

	resp := performSubscriptionRequest(t, h.Create, http.MethodPost, "/v1/subscriptions", map[string]any{
		"plan":  "monthly",
		"price": 14.99,
	}, nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: status %d", resp.Code)
	}
	var created struct {
		ID    string     `json:"id"`
		EndAt *time.Time `json:"end_at"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	resp = performSubscriptionRequest(t, h.Renew, http.MethodPost, "/v1/subscriptions/"+created.ID+"/renew", nil, map[string]string{"id": created.ID})
	if resp.Code != http.StatusOK {
		t.Fatalf("renew: status %d body %s", resp.Code, resp.Body.String())
	}
	var renewed struct {
		EndAt *time.Time `json:"end_at"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &renewed); err != nil {
		t.Fatalf("decode renew response: %v", err)
	}
	if renewed.EndAt == nil || created.EndAt == nil || !renewed.EndAt.After(*created.EndAt) {
		t.Fatalf("renew did not extend the window: %v -> %v", created.EndAt, renewed.EndAt)
	}

	resp = performSubscriptionRequest(t, h.Cancel, http.MethodPost, "/v1/subscriptions/"+created.ID+"/cancel", map[string]any{
		"reason": "user request",
	}, map[string]string{"id": created.ID})
	if resp.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", resp.Code)
	}
	var cancelled struct {
		Status string     `json:"status"`
		EndAt  *time.Time `json:"end_at"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("unexpected status after cancel: %s", cancelled.Status)
	}
	if cancelled.EndAt == nil || !cancelled.EndAt.Equal(*renewed.EndAt) {
		t.Fatalf("cancel shortened the paid window: %v", cancelled.EndAt)
	}
}

func performSubscriptionRequest(
	t *testing.T,
	fn http.HandlerFunc,
	method, path string,
	body map[string]any,
	urlParams map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}

	req := httptest.NewRequest(method, path, reader)
	ctx := authsvc.WithIdentity(context.Background(), authsvc.Identity{
		UserID: 101,
		SID:    "sid-101",
		Role:   "user",
	})
	if len(urlParams) > 0 {
		routeCtx := chi.NewRouteContext()
		for key, value := range urlParams {
			routeCtx.URLParams.Add(key, value)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, routeCtx)
	}
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

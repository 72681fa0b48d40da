package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/evaluator"
	"github.com/ienone/VaultStream-sub000/internal/events"
	"github.com/ienone/VaultStream-sub000/internal/locks"
	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/internal/queue"
	"github.com/ienone/VaultStream-sub000/internal/ratelimit"
	"github.com/ienone/VaultStream-sub000/internal/storage"
)

type testServer struct {
	store  *storage.SQLite
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lk := locks.NewKeyed()
	hub := events.NewHub()
	ev := evaluator.New(store, ratelimit.New(store), lk, hub, log)
	q := queue.New(store, lk, hub, log)
	srv := New(store, ev, q, hub, log)
	return &testServer{store: store, router: srv.Router()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDestinationLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/destinations", destinationDTO{
		Name:      "main",
		Transport: "telegram_channel",
		ChatID:    "-100123",
		Enabled:   true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[destinationDTO](t, rec)
	if created.ID == 0 {
		t.Fatal("expected non-zero id")
	}
	if created.NSFWPolicy != "inherit" {
		t.Errorf("default nsfw_policy = %q, want inherit", created.NSFWPolicy)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/destinations/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/destinations/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/destinations/1", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
}

func TestCreateDestinationValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body destinationDTO
	}{
		{"missing name", destinationDTO{Transport: "webhook", ChatID: "https://x"}},
		{"missing chat id", destinationDTO{Name: "x", Transport: "webhook"}},
		{"unknown transport", destinationDTO{Name: "x", Transport: "carrier_pigeon", ChatID: "y"}},
		{"unknown nsfw policy", destinationDTO{Name: "x", Transport: "webhook", ChatID: "y", NSFWPolicy: "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/destinations", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateRuleValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/rules", ruleDTO{Name: "half a limit", RateMax: 5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for rate_max without window", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/rules", ruleDTO{Name: "ok", RateMax: 5, RateWindowSeconds: 60, Enabled: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[ruleDTO](t, rec)
	if created.TagMode != "any" || created.NSFWPolicy != "block" {
		t.Errorf("defaults not applied: %+v", created)
	}
}

func seedRuleWithTarget(t *testing.T, ts *testServer, rule ruleDTO) (ruleID, destID int64) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/destinations", destinationDTO{
		Name: "main", Transport: "telegram_channel", ChatID: "-100", Enabled: true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create destination: %s", rec.Body.String())
	}
	dest := decode[destinationDTO](t, rec)

	rule.Enabled = true
	rec = ts.do(t, http.MethodPost, "/api/v1/rules", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule: %s", rec.Body.String())
	}
	created := decode[ruleDTO](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/rules/"+itoa(created.ID)+"/targets", targetDTO{
		DestinationID: dest.ID, Enabled: true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create target: %s", rec.Body.String())
	}
	return created.ID, dest.ID
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestIngestContentQueues(t *testing.T) {
	ts := newTestServer(t)
	seedRuleWithTarget(t, ts, ruleDTO{Name: "all content"})

	rec := ts.do(t, http.MethodPost, "/api/v1/content", contentDTO{ID: "c1", Platform: "pixiv", Tags: []string{"art"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[struct {
		ContentID string              `json:"content_id"`
		Outcomes  []evaluator.Outcome `json:"outcomes"`
	}](t, rec)
	if len(resp.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(resp.Outcomes))
	}
	if !resp.Outcomes[0].Queued || resp.Outcomes[0].Status != model.StatusWillPush {
		t.Errorf("unexpected outcome: %+v", resp.Outcomes[0])
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/queue?status=will_push", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	items := decode[[]queueItemDTO](t, rec)
	if len(items) != 1 || items[0].ContentID != "c1" {
		t.Errorf("unexpected queue listing: %+v", items)
	}
}

func TestIngestContentValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/content", contentDTO{Platform: "pixiv"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/content", contentDTO{ID: "c1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing platform status = %d, want 400", rec.Code)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	seedRuleWithTarget(t, ts, ruleDTO{Name: "moderated", ApprovalRequired: true})

	rec := ts.do(t, http.MethodPost, "/api/v1/content", contentDTO{ID: "c1", Platform: "pixiv"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest: %s", rec.Body.String())
	}
	resp := decode[struct {
		Outcomes []evaluator.Outcome `json:"outcomes"`
	}](t, rec)
	if len(resp.Outcomes) != 1 || resp.Outcomes[0].Status != model.StatusPendingReview {
		t.Fatalf("expected pending_review outcome: %+v", resp.Outcomes)
	}
	itemID := resp.Outcomes[0].ItemID

	// Approving a second time conflicts; the first approval succeeds.
	rec = ts.do(t, http.MethodPost, "/api/v1/queue/"+itoa(itemID)+"/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	item := decode[queueItemDTO](t, rec)
	if item.Status != "will_push" {
		t.Errorf("status = %s, want will_push", item.Status)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/queue/"+itoa(itemID)+"/approve", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second approve status = %d, want 409", rec.Code)
	}
}

func TestQueueItemDetailAndReorder(t *testing.T) {
	ts := newTestServer(t)
	ruleID, destID := seedRuleWithTarget(t, ts, ruleDTO{Name: "all"})

	ctx := context.Background()
	now := time.Now().UTC()
	var ids []int64
	for _, c := range []string{"a", "b"} {
		it, _, err := ts.store.UpsertQueueItem(ctx, storage.QueueDraft{
			ContentID: c, RuleID: ruleID, DestinationID: destID,
			Status: model.StatusWillPush, ScheduledAt: &now,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids = append(ids, it.ID)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/queue/"+itoa(ids[1])+"/reorder", reorderRequest{NewIndex: 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("reorder status = %d: %s", rec.Code, rec.Body.String())
	}
	moved := decode[queueItemDTO](t, rec)
	if moved.OrderIndex != 1 {
		t.Errorf("OrderIndex = %d, want 1", moved.OrderIndex)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/queue/"+itoa(ids[0]), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	detail := decode[struct {
		Item    queueItemDTO    `json:"item"`
		Records []pushRecordDTO `json:"records"`
	}](t, rec)
	if detail.Item.OrderIndex != 2 {
		t.Errorf("displaced item OrderIndex = %d, want 2", detail.Item.OrderIndex)
	}
}

func TestRescheduleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ruleID, destID := seedRuleWithTarget(t, ts, ruleDTO{Name: "all"})

	ctx := context.Background()
	now := time.Now().UTC()
	it, _, err := ts.store.UpsertQueueItem(ctx, storage.QueueDraft{
		ContentID: "c1", RuleID: ruleID, DestinationID: destID,
		Status: model.StatusWillPush, ScheduledAt: &now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	base := now.Add(time.Hour).Truncate(time.Millisecond)
	rec := ts.do(t, http.MethodPost, "/api/v1/queue/reschedule", rescheduleRequest{IDs: []int64{it.ID}, BaseTime: base})
	if rec.Code != http.StatusOK {
		t.Fatalf("reschedule status = %d: %s", rec.Code, rec.Body.String())
	}

	got, err := ts.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ScheduledAt.Equal(base) {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, base)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/queue/reschedule", rescheduleRequest{BaseTime: base})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty ids status = %d, want 400", rec.Code)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	ruleID, destID := seedRuleWithTarget(t, ts, ruleDTO{Name: "all"})

	ctx := context.Background()
	if _, _, err := ts.store.UpsertQueueItem(ctx, storage.QueueDraft{
		ContentID: "c1", RuleID: ruleID, DestinationID: destID,
		Status: model.StatusFiltered, Reason: model.ReasonNSFWBlocked,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	stats := decode[struct {
		ByStatus map[string]int `json:"ByStatus"`
	}](t, rec)
	if stats.ByStatus["filtered"] != 1 {
		t.Errorf("filtered count = %d, want 1", stats.ByStatus["filtered"])
	}
}

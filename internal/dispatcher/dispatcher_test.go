package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ienone/VaultStream-sub000/internal/events"
	"github.com/ienone/VaultStream-sub000/internal/locks"
	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/internal/ratelimit"
	"github.com/ienone/VaultStream-sub000/internal/storage"
	"github.com/ienone/VaultStream-sub000/internal/transport"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records sends and fails on demand.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]error
	nextID int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failOn: map[string]error{}}
}

func (f *fakeTransport) Send(_ context.Context, dest model.Destination, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[dest.ChatID]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, dest.ChatID+":"+string(payload))
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeTransport) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type staticRenderer struct{}

func (staticRenderer) Render(_ context.Context, content model.ContentItem, _ model.DistributionRule) ([]byte, error) {
	return []byte(content.ID), nil
}

type fixture struct {
	store *storage.SQLite
	tr    *fakeTransport
	d     *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tr := newFakeTransport()
	registry := transport.NewRegistry()
	registry.Register(tr, model.TransportTelegramChannel, model.TransportWebhook)

	limiter := ratelimit.New(store)
	limiter.SetNow(func() time.Time { return testNow })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(store, limiter, locks.NewKeyed(), registry, staticRenderer{}, events.NewHub(), log, cfg)
	d.SetNow(func() time.Time { return testNow })
	return &fixture{store: store, tr: tr, d: d}
}

func (f *fixture) addDest(t *testing.T, chatID string) int64 {
	t.Helper()
	d := model.Destination{
		Name:       "dest " + chatID,
		Transport:  model.TransportTelegramChannel,
		ChatID:     chatID,
		NSFWPolicy: model.DestNSFWInherit,
		Enabled:    true,
	}
	if err := f.store.CreateDestination(context.Background(), &d); err != nil {
		t.Fatalf("create destination: %v", err)
	}
	return d.ID
}

func (f *fixture) addRule(t *testing.T, r model.DistributionRule) int64 {
	t.Helper()
	if r.Name == "" {
		r.Name = "rule"
	}
	if r.TagMode == "" {
		r.TagMode = model.MatchAny
	}
	if r.NSFWPolicy == "" {
		r.NSFWPolicy = model.RuleNSFWBlock
	}
	r.Enabled = true
	if err := f.store.CreateRule(context.Background(), &r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r.ID
}

func (f *fixture) addContent(t *testing.T, id string) {
	t.Helper()
	c := model.ContentItem{ID: id, Platform: "pixiv"}
	if err := f.store.PutContent(context.Background(), &c); err != nil {
		t.Fatalf("put content: %v", err)
	}
}

func (f *fixture) enqueue(t *testing.T, content string, ruleID, destID int64, at time.Time) *model.QueueItem {
	t.Helper()
	it, _, err := f.store.UpsertQueueItem(context.Background(), storage.QueueDraft{
		ContentID:     content,
		RuleID:        ruleID,
		DestinationID: destID,
		Status:        model.StatusWillPush,
		ScheduledAt:   &at,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", content, err)
	}
	return it
}

func TestTickDeliversDueItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	destID := f.addDest(t, "chat1")
	ruleID := f.addRule(t, model.DistributionRule{})
	f.addContent(t, "c1")
	f.addContent(t, "future")
	it := f.enqueue(t, "c1", ruleID, destID, testNow.Add(-time.Minute))
	later := f.enqueue(t, "future", ruleID, destID, testNow.Add(time.Hour))

	f.d.Tick(ctx)

	got, err := f.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusPushed {
		t.Errorf("status = %s, want pushed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("pushed item has no CompletedAt")
	}

	records, err := f.store.ListPushRecords(ctx, it.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Status != model.PushSuccess {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].ExternalMessageID == "" {
		t.Error("success record missing external message id")
	}

	// The future item is untouched.
	still, err := f.store.GetQueueItem(ctx, later.ID)
	if err != nil {
		t.Fatalf("get future: %v", err)
	}
	if still.Status != model.StatusWillPush {
		t.Errorf("future item status = %s, want will_push", still.Status)
	}
	if len(f.tr.sentTo()) != 1 {
		t.Errorf("sent %d messages, want 1", len(f.tr.sentTo()))
	}
}

func TestTickPreservesDestinationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	destID := f.addDest(t, "chat1")
	ruleID := f.addRule(t, model.DistributionRule{})
	for _, c := range []string{"a", "b", "c"} {
		f.addContent(t, c)
		f.enqueue(t, c, ruleID, destID, testNow.Add(-time.Minute))
	}

	f.d.Tick(ctx)

	want := []string{"chat1:a", "chat1:b", "chat1:c"}
	if diff := cmp.Diff(want, f.tr.sentTo()); diff != "" {
		t.Errorf("send order mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedSendStaysScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})

	destID := f.addDest(t, "down")
	f.tr.failOn["down"] = errors.New("connection refused")
	ruleID := f.addRule(t, model.DistributionRule{})
	f.addContent(t, "c1")
	it := f.enqueue(t, "c1", ruleID, destID, testNow.Add(-time.Minute))

	f.d.Tick(ctx)

	got, err := f.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusWillPush {
		t.Errorf("status = %s, want will_push after a retryable failure", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	records, err := f.store.ListPushRecords(ctx, it.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Status != model.PushFailed {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].ErrorMessage == "" {
		t.Error("failure record missing error message")
	}
}

func TestMaxAttemptsRetiresItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 3})

	destID := f.addDest(t, "down")
	f.tr.failOn["down"] = errors.New("connection refused")
	ruleID := f.addRule(t, model.DistributionRule{})
	f.addContent(t, "c1")
	it := f.enqueue(t, "c1", ruleID, destID, testNow.Add(-time.Minute))

	for i := 0; i < 3; i++ {
		f.d.Tick(ctx)
	}

	got, err := f.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusFiltered || got.Reason != model.ReasonTargetUnavailable {
		t.Errorf("got %s/%s, want filtered/target_unavailable", got.Status, got.Reason)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}

	records, err := f.store.ListPushRecords(ctx, it.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 failure records, got %d", len(records))
	}
}

func TestRateLimitGatesDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	destID := f.addDest(t, "chat1")
	ruleID := f.addRule(t, model.DistributionRule{RateMax: 1, RateWindowSeconds: 3600})
	f.addContent(t, "c1")
	f.addContent(t, "c2")
	first := f.enqueue(t, "c1", ruleID, destID, testNow.Add(-time.Minute))
	second := f.enqueue(t, "c2", ruleID, destID, testNow.Add(-time.Minute))

	f.d.Tick(ctx)

	a, err := f.store.GetQueueItem(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if a.Status != model.StatusPushed {
		t.Errorf("first item status = %s, want pushed", a.Status)
	}

	b, err := f.store.GetQueueItem(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if b.Status != model.StatusFiltered || b.Reason != model.ReasonRateLimited {
		t.Errorf("second item got %s/%s, want filtered/rate_limited", b.Status, b.Reason)
	}
	if len(f.tr.sentTo()) != 1 {
		t.Errorf("sent %d messages, want 1", len(f.tr.sentTo()))
	}
}

func TestFailedSendReturnsRateSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 5})

	destID := f.addDest(t, "down")
	f.tr.failOn["down"] = errors.New("boom")
	ruleID := f.addRule(t, model.DistributionRule{RateMax: 1, RateWindowSeconds: 3600})
	f.addContent(t, "c1")
	f.enqueue(t, "c1", ruleID, destID, testNow.Add(-time.Minute))

	f.d.Tick(ctx)

	// The failed delivery released its slot; the counter is back to zero.
	window := testNow.Unix() / 3600 * 3600
	count, err := f.store.RateCount(ctx, ruleID, window)
	if err != nil {
		t.Fatalf("rate count: %v", err)
	}
	if count != 0 {
		t.Errorf("window count = %d, want 0 after release", count)
	}
}

func TestMissingContentRetiresItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	destID := f.addDest(t, "chat1")
	ruleID := f.addRule(t, model.DistributionRule{})
	it := f.enqueue(t, "ghost", ruleID, destID, testNow.Add(-time.Minute))

	f.d.Tick(ctx)

	got, err := f.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusFiltered || got.Reason != model.ReasonContentNotEligible {
		t.Errorf("got %s/%s, want filtered/content_not_eligible", got.Status, got.Reason)
	}
	if len(f.tr.sentTo()) != 0 {
		t.Error("missing content was sent")
	}
}

func TestMissingDestinationRetiresItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	ruleID := f.addRule(t, model.DistributionRule{})
	f.addContent(t, "c1")
	it := f.enqueue(t, "c1", ruleID, 777, testNow.Add(-time.Minute))

	f.d.Tick(ctx)

	got, err := f.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusFiltered || got.Reason != model.ReasonTargetUnavailable {
		t.Errorf("got %s/%s, want filtered/target_unavailable", got.Status, got.Reason)
	}
}

func TestDisabledDestinationLeavesItemsScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	dest := model.Destination{
		Name: "paused", Transport: model.TransportTelegramChannel,
		ChatID: "chat1", NSFWPolicy: model.DestNSFWInherit, Enabled: false,
	}
	if err := f.store.CreateDestination(ctx, &dest); err != nil {
		t.Fatalf("create destination: %v", err)
	}
	ruleID := f.addRule(t, model.DistributionRule{})
	f.addContent(t, "c1")
	it := f.enqueue(t, "c1", ruleID, dest.ID, testNow.Add(-time.Minute))

	f.d.Tick(ctx)

	got, err := f.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusWillPush {
		t.Errorf("status = %s, want will_push while destination is paused", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("paused destination burned attempts: %d", got.Attempts)
	}
}

func TestUnknownTransportCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 2})

	dest := model.Destination{
		Name: "dm", Transport: model.TransportTelegramDM,
		ChatID: "42", NSFWPolicy: model.DestNSFWInherit, Enabled: true,
	}
	if err := f.store.CreateDestination(ctx, &dest); err != nil {
		t.Fatalf("create destination: %v", err)
	}
	ruleID := f.addRule(t, model.DistributionRule{})
	f.addContent(t, "c1")
	it := f.enqueue(t, "c1", ruleID, dest.ID, testNow.Add(-time.Minute))

	f.d.Tick(ctx)

	got, err := f.store.GetQueueItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	records, err := f.store.ListPushRecords(ctx, it.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Status != model.PushFailed {
		t.Fatalf("unexpected records: %+v", records)
	}
}

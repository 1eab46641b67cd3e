package view

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leaderlink/engage/internal/ledger"
	"github.com/leaderlink/engage/internal/lib/logger/handlers/slogdiscard"
	"github.com/leaderlink/engage/internal/session"
	"github.com/leaderlink/engage/internal/store"
	"github.com/leaderlink/engage/internal/store/memstore"
)

// spyHandle is one live per-event subscription held by the spy ledger. It
// lets tests fire callbacks by hand and count cancellations.
type spyHandle struct {
	eventID   string
	onCount   func(int)
	onMember  func(bool)
	onError   store.ErrorFunc
	cancelled int
}

type spyLedger struct {
	mu         sync.Mutex
	countSubs  map[string][]*spyHandle
	memberSubs map[string][]*spyHandle
	toggleErr  error
	toggles    []string
}

func newSpyLedger() *spyLedger {
	return &spyLedger{
		countSubs:  map[string][]*spyHandle{},
		memberSubs: map[string][]*spyHandle{},
	}
}

func (s *spyLedger) Toggle(_ context.Context, eventID string, _ session.Session) (ledger.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggles = append(s.toggles, eventID)
	if s.toggleErr != nil {
		return "", s.toggleErr
	}
	return ledger.Added, nil
}

func (s *spyLedger) SubscribeCount(_ context.Context, eventID string, onCount func(int), onError store.ErrorFunc) (func(), error) {
	h := &spyHandle{eventID: eventID, onCount: onCount, onError: onError}
	s.mu.Lock()
	s.countSubs[eventID] = append(s.countSubs[eventID], h)
	s.mu.Unlock()
	return func() { h.cancelled++ }, nil
}

func (s *spyLedger) SubscribeMembership(_ context.Context, eventID, _ string, onMember func(bool), onError store.ErrorFunc) (func(), error) {
	h := &spyHandle{eventID: eventID, onMember: onMember, onError: onError}
	s.mu.Lock()
	s.memberSubs[eventID] = append(s.memberSubs[eventID], h)
	s.mu.Unlock()
	return func() { h.cancelled++ }, nil
}

func (s *spyLedger) handles(eventID string) (counts, members []*spyHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countSubs[eventID], s.memberSubs[eventID]
}

type sinkRecorder struct {
	mu        sync.Mutex
	snapshots [][]Model
}

func (r *sinkRecorder) sink(models []Model) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, models)
	r.mu.Unlock()
}

func (r *sinkRecorder) last(t *testing.T) []Model {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		t.Fatal("no sink deliveries")
	}
	return r.snapshots[len(r.snapshots)-1]
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func newAggregator(t *testing.T, gw store.Gateway, il InterestLedger, cfg Config) (*Aggregator, *sinkRecorder) {
	t.Helper()
	rec := &sinkRecorder{}
	agg := New(gw, il, session.Session{UserID: "viewer", DisplayName: "Viewer"}, rec.sink, cfg, slogdiscard.NewDiscardLogger())
	agg.Now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	return agg, rec
}

func seedEvents(t *testing.T, gw *memstore.Store, ids ...string) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n := 0
	gw.Now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}
	for _, id := range ids {
		if _, err := gw.CreateEvent(context.Background(), store.Event{
			ID:          id,
			Title:       "event " + id,
			ScheduledAt: time.Date(2026, 3, 20, 18, 0, 0, 0, time.UTC),
		}); err != nil {
			t.Fatalf("CreateEvent %s: %v", id, err)
		}
	}
}

func TestStart_SeedsZeroValuesUntilFirstCallback(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1")
	spy := newSpyLedger()
	agg, rec := newAggregator(t, gw, spy, Config{Tick: time.Hour})
	defer agg.Close()

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	models := rec.last(t)
	if len(models) != 1 {
		t.Fatalf("expected one model, got %d", len(models))
	}
	if models[0].LiveCount != 0 || models[0].Interested {
		t.Fatalf("expected seeded count=0/interested=false, got %+v", models[0])
	}
	if models[0].CountdownLabel == "" {
		t.Fatal("countdown label must be derived immediately")
	}

	counts, members := spy.handles("e1")
	if len(counts) != 1 || len(members) != 1 {
		t.Fatalf("expected one count and one membership subscription, got %d/%d", len(counts), len(members))
	}

	counts[0].onCount(7)
	members[0].onMember(true)
	models = rec.last(t)
	if models[0].LiveCount != 7 || !models[0].Interested {
		t.Fatalf("callbacks not reflected: %+v", models[0])
	}
}

func TestSnapshotDiff_CancelsRemovedKeepsSurvivors(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1", "e2")
	spy := newSpyLedger()
	agg, rec := newAggregator(t, gw, spy, Config{Tick: time.Hour})
	defer agg.Close()

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	if err := gw.DeleteEvent(ctx, "e1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, err := gw.CreateEvent(ctx, store.Event{ID: "e3", Title: "event e3"}); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	// e1: both handles cancelled exactly once.
	counts, members := spy.handles("e1")
	if counts[0].cancelled != 1 || members[0].cancelled != 1 {
		t.Fatalf("e1 cancels = %d/%d, want 1/1", counts[0].cancelled, members[0].cancelled)
	}
	// e2: a single subscription pair for the whole run, never cancelled.
	counts, members = spy.handles("e2")
	if len(counts) != 1 || len(members) != 1 {
		t.Fatalf("e2 resubscribe churn: %d/%d subscriptions", len(counts), len(members))
	}
	if counts[0].cancelled != 0 || members[0].cancelled != 0 {
		t.Fatalf("e2 was cancelled: %d/%d", counts[0].cancelled, members[0].cancelled)
	}
	// e3: newly opened.
	counts, members = spy.handles("e3")
	if len(counts) != 1 || len(members) != 1 {
		t.Fatalf("e3 not subscribed: %d/%d", len(counts), len(members))
	}

	models := rec.last(t)
	if len(models) != 2 {
		t.Fatalf("expected two models, got %d", len(models))
	}
	for _, m := range models {
		if m.Event.ID == "e1" {
			t.Fatal("e1 still present after leaving the list")
		}
	}
}

func TestOrdering_FollowsListNotUpdates(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1", "e2", "e3")
	spy := newSpyLedger()
	agg, rec := newAggregator(t, gw, spy, Config{Tick: time.Hour})
	defer agg.Close()

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	wantOrder := []string{"e3", "e2", "e1"} // creation time desc
	models := rec.last(t)
	for i, id := range wantOrder {
		if models[i].Event.ID != id {
			t.Fatalf("initial order mismatch at %d: got %s want %s", i, models[i].Event.ID, id)
		}
	}

	// A count update on the oldest event must not move it up.
	counts, _ := spy.handles("e1")
	counts[0].onCount(99)
	models = rec.last(t)
	for i, id := range wantOrder {
		if models[i].Event.ID != id {
			t.Fatalf("order changed by a count update at %d: got %s want %s", i, models[i].Event.ID, id)
		}
	}
	if models[2].LiveCount != 99 {
		t.Fatalf("count update lost: %+v", models[2])
	}
}

func TestClose_NoCallbacksAfterTeardown(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1", "e2")
	spy := newSpyLedger()
	agg, rec := newAggregator(t, gw, spy, Config{Tick: time.Hour})

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	agg.Close()
	agg.Close() // idempotent

	for _, id := range []string{"e1", "e2"} {
		counts, members := spy.handles(id)
		if counts[0].cancelled != 1 || members[0].cancelled != 1 {
			t.Fatalf("%s cancels = %d/%d, want exactly 1/1", id, counts[0].cancelled, members[0].cancelled)
		}
	}

	before := rec.count()
	// Simulate notifications that were already in flight at teardown.
	counts, members := spy.handles("e1")
	counts[0].onCount(5)
	members[0].onMember(true)
	if rec.count() != before {
		t.Fatalf("sink invoked after Close: %d -> %d", before, rec.count())
	}
}

func TestToggle_OptimisticFlipThenConfirm(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1")
	realLedger := ledger.New(gw)
	agg, rec := newAggregator(t, gw, realLedger, Config{Tick: time.Hour})
	defer agg.Close()

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome, err := agg.Toggle(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if outcome != ledger.Added {
		t.Fatalf("expected Added, got %v", outcome)
	}

	models := rec.last(t)
	if models[0].LiveCount != 1 || !models[0].Interested {
		t.Fatalf("expected settled count=1/interested, got %+v", models[0])
	}

	// Second toggle returns to the original state.
	if outcome, err := agg.Toggle(context.Background(), "e1"); err != nil || outcome != ledger.Removed {
		t.Fatalf("second toggle: outcome=%v err=%v", outcome, err)
	}
	models = rec.last(t)
	if models[0].LiveCount != 0 || models[0].Interested {
		t.Fatalf("expected count back to 0, got %+v", models[0])
	}
}

func TestToggle_RevertsOnLedgerFailure(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1")
	spy := newSpyLedger()
	spy.toggleErr = store.ErrUnavailable
	agg, rec := newAggregator(t, gw, spy, Config{Tick: time.Hour})
	defer agg.Close()

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := agg.Toggle(context.Background(), "e1"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	// The optimistic flip was published, then reverted.
	rec.mu.Lock()
	var sawFlip bool
	for _, snap := range rec.snapshots {
		if len(snap) == 1 && snap[0].Interested && snap[0].LiveCount == 1 {
			sawFlip = true
		}
	}
	rec.mu.Unlock()
	if !sawFlip {
		t.Fatal("optimistic flip never surfaced")
	}

	models := rec.last(t)
	if models[0].Interested || models[0].LiveCount != 0 {
		t.Fatalf("flip not reverted: %+v", models[0])
	}
}

func TestToggle_UnknownEvent(t *testing.T) {
	gw := memstore.New()
	agg, _ := newAggregator(t, gw, newSpyLedger(), Config{Tick: time.Hour})
	defer agg.Close()
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := agg.Toggle(context.Background(), "ghost"); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestSubscriptionError_MarksDegraded(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1")
	spy := newSpyLedger()
	agg, rec := newAggregator(t, gw, spy, Config{Tick: time.Hour})
	defer agg.Close()

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	counts, _ := spy.handles("e1")
	counts[0].onError(store.ErrUnavailable)

	models := rec.last(t)
	if !models[0].Degraded {
		t.Fatalf("expected degraded model, got %+v", models[0])
	}

	// Without Resubscribe no reopen is attempted.
	counts, _ = spy.handles("e1")
	if len(counts) != 1 {
		t.Fatalf("unexpected resubscribe: %d count subscriptions", len(counts))
	}
}

func TestSubscriptionError_ResubscribeWhenConfigured(t *testing.T) {
	gw := memstore.New()
	seedEvents(t, gw, "e1")
	spy := newSpyLedger()
	agg, rec := newAggregator(t, gw, spy, Config{Tick: time.Hour, Resubscribe: true})
	defer agg.Close()

	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	counts, _ := spy.handles("e1")
	counts[0].onError(store.ErrUnavailable)

	counts, _ = spy.handles("e1")
	if len(counts) != 2 {
		t.Fatalf("expected a reopened count subscription, got %d", len(counts))
	}

	// A delivery on the fresh subscription clears the degraded flag.
	counts[1].onCount(3)
	models := rec.last(t)
	if models[0].Degraded || models[0].LiveCount != 3 {
		t.Fatalf("resubscribed delivery not applied: %+v", models[0])
	}
}

// Package view reconciles one live event-list subscription with N per-event
// count and membership subscriptions into a single renderable model list.
// One Aggregator serves one attached screen; closing it releases every
// subscription it opened, exactly once.
package view

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/leaderlink/engage/internal/countdown"
	"github.com/leaderlink/engage/internal/ledger"
	"github.com/leaderlink/engage/internal/lib/logger/sl"
	"github.com/leaderlink/engage/internal/session"
	"github.com/leaderlink/engage/internal/store"
)

var (
	ErrClosed       = errors.New("aggregator is closed")
	ErrUnknownEvent = errors.New("event is not in the visible list")
)

// InterestLedger is the slice of the ledger the aggregator needs.
type InterestLedger interface {
	Toggle(ctx context.Context, eventID string, sess session.Session) (ledger.Outcome, error)
	SubscribeCount(ctx context.Context, eventID string, onCount func(int), onError store.ErrorFunc) (func(), error)
	SubscribeMembership(ctx context.Context, eventID, userID string, onMember func(bool), onError store.ErrorFunc) (func(), error)
}

// Model is the reconciled, UI-ready representation of one event.
type Model struct {
	Event          store.Event `json:"event"`
	LiveCount      int         `json:"live_count"`
	Interested     bool        `json:"am_interested"`
	CountdownLabel string      `json:"countdown_label"`
	Degraded       bool        `json:"degraded,omitempty"`
}

// SinkFunc receives the complete ordered model list after every change.
type SinkFunc func(models []Model)

type Config struct {
	// Tick is the countdown re-derive interval. Zero disables the ticker.
	Tick time.Duration
	// Resubscribe reopens a per-event subscription after a terminal error.
	// Off by default: a failed subscription stays degraded until the event
	// leaves the list or the aggregator is closed.
	Resubscribe bool
}

type entry struct {
	event            store.Event
	count            int
	interested       bool
	degraded         bool
	lastLabel        string
	cancelCount      func()
	cancelMembership func()
}

type Aggregator struct {
	gateway store.Gateway
	ledger  InterestLedger
	sess    session.Session
	cfg     Config
	log     *slog.Logger
	Now     func() time.Time

	// sinkMu serializes sink deliveries and fences them against Close.
	// Lock order: sinkMu before mu, never the reverse.
	sinkMu     sync.Mutex
	sinkClosed bool
	sink       SinkFunc

	mu         sync.Mutex
	started    bool
	closed     bool
	runCtx     context.Context
	order      []string
	entries    map[string]*entry
	cancelList func()
	stopTick   chan struct{}
}

func New(gw store.Gateway, il InterestLedger, sess session.Session, sink SinkFunc, cfg Config, log *slog.Logger) *Aggregator {
	if cfg.Tick == 0 {
		cfg.Tick = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		gateway: gw,
		ledger:  il,
		sess:    sess,
		cfg:     cfg,
		log:     log,
		Now:     func() time.Time { return time.Now().UTC() },
		sink:    sink,
		entries: map[string]*entry{},
	}
}

// Start opens the event-list subscription and, when configured, the
// countdown ticker. It may be called once.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return errors.New("aggregator already started")
	}
	a.started = true
	a.runCtx = ctx
	if a.cfg.Tick > 0 {
		a.stopTick = make(chan struct{})
	}
	a.mu.Unlock()

	cancel, err := a.gateway.SubscribeEvents(ctx, a.applySnapshot, a.listFailed)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		return ErrClosed
	}
	a.cancelList = cancel
	stop := a.stopTick
	a.mu.Unlock()

	if stop != nil {
		go a.tickLoop(stop)
	}
	return nil
}

// Close tears the aggregator down: the list subscription and every per-event
// subscription are cancelled exactly once, and no sink invocation happens
// after Close returns. Closing twice is harmless.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	cancelList := a.cancelList
	a.cancelList = nil
	stop := a.stopTick
	a.stopTick = nil
	cancels := make([]func(), 0, 2*len(a.entries))
	for _, e := range a.entries {
		cancels = append(cancels, e.cancelCount, e.cancelMembership)
	}
	a.entries = map[string]*entry{}
	a.order = nil
	a.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if cancelList != nil {
		cancelList()
	}
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}

	// Fence: wait out any in-flight sink delivery, then shut the door.
	a.sinkMu.Lock()
	a.sinkClosed = true
	a.sinkMu.Unlock()
}

// Toggle applies the optimistic flip synchronously, then asks the ledger to
// persist it. On failure the flip is reverted and the error returned so the
// presentation layer can surface it.
func (a *Aggregator) Toggle(ctx context.Context, eventID string) (ledger.Outcome, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", ErrClosed
	}
	e, ok := a.entries[eventID]
	if !ok {
		a.mu.Unlock()
		return "", ErrUnknownEvent
	}
	a.flipLocked(e)
	a.mu.Unlock()
	a.publish()

	outcome, err := a.ledger.Toggle(ctx, eventID, a.sess)
	if err != nil {
		a.mu.Lock()
		if e, ok := a.entries[eventID]; ok {
			a.flipLocked(e)
		}
		a.mu.Unlock()
		a.publish()
		return "", err
	}
	// The authoritative subscription will shortly confirm the same state;
	// that overwrite is idempotent with the flip already shown.
	return outcome, nil
}

func (a *Aggregator) flipLocked(e *entry) {
	if e.interested {
		e.interested = false
		if e.count > 0 {
			e.count--
		}
	} else {
		e.interested = true
		e.count++
	}
}

// applySnapshot diffs a new full event list against the tracked set. Map and
// order mutations happen under the lock; subscription opens and cancels run
// outside it, against entries that have already been attached or detached.
func (a *Aggregator) applySnapshot(events []store.Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	next := make(map[string]struct{}, len(events))
	order := make([]string, 0, len(events))
	var added []string
	for _, ev := range events {
		next[ev.ID] = struct{}{}
		order = append(order, ev.ID)
		if e, ok := a.entries[ev.ID]; ok {
			// Known event: keep its subscriptions untouched, refresh the
			// payload fields.
			e.event = ev
			continue
		}
		// Seed with count=0 / not interested until the first callbacks land.
		a.entries[ev.ID] = &entry{event: ev}
		added = append(added, ev.ID)
	}

	var removed []func()
	for id, e := range a.entries {
		if _, keep := next[id]; keep {
			continue
		}
		removed = append(removed, e.cancelCount, e.cancelMembership)
		delete(a.entries, id)
	}
	a.order = order
	ctx := a.runCtx
	a.mu.Unlock()

	for _, cancel := range removed {
		if cancel != nil {
			cancel()
		}
	}
	for _, id := range added {
		a.openEventSubscriptions(ctx, id)
	}
	a.publish()
}

// openEventSubscriptions opens the count and membership subscriptions for
// one event and attaches the cancel handles, unless the event has already
// left the list (or the aggregator closed), in which case the fresh handles
// are cancelled immediately.
func (a *Aggregator) openEventSubscriptions(ctx context.Context, eventID string) {
	if ctx == nil {
		ctx = context.Background()
	}

	cancelCount, err := a.ledger.SubscribeCount(ctx, eventID, func(n int) {
		a.mu.Lock()
		e, ok := a.entries[eventID]
		if !ok || a.closed {
			a.mu.Unlock()
			return
		}
		e.count = n
		a.mu.Unlock()
		a.publish()
	}, func(err error) {
		a.subscriptionFailed(eventID, subCount, err)
	})
	if err != nil {
		a.log.Error("count subscription failed to open",
			slog.String("event_id", eventID), sl.Err(err))
		a.markDegraded(eventID)
		return
	}

	cancelMembership, err := a.ledger.SubscribeMembership(ctx, eventID, a.sess.UserID, func(member bool) {
		a.mu.Lock()
		e, ok := a.entries[eventID]
		if !ok || a.closed {
			a.mu.Unlock()
			return
		}
		e.interested = member
		a.mu.Unlock()
		a.publish()
	}, func(err error) {
		a.subscriptionFailed(eventID, subMembership, err)
	})
	if err != nil {
		cancelCount()
		a.log.Error("membership subscription failed to open",
			slog.String("event_id", eventID), sl.Err(err))
		a.markDegraded(eventID)
		return
	}

	a.mu.Lock()
	e, ok := a.entries[eventID]
	if !ok || a.closed {
		a.mu.Unlock()
		cancelCount()
		cancelMembership()
		return
	}
	e.cancelCount = cancelCount
	e.cancelMembership = cancelMembership
	a.mu.Unlock()
}

type subKind int

const (
	subCount subKind = iota
	subMembership
)

// subscriptionFailed handles a terminal error on a live subscription: the
// entry is surfaced as degraded rather than silently frozen. With
// Resubscribe enabled a single reopen is attempted.
func (a *Aggregator) subscriptionFailed(eventID string, kind subKind, err error) {
	a.log.Warn("live subscription errored out",
		slog.String("event_id", eventID), sl.Err(err))
	a.markDegraded(eventID)

	if !a.cfg.Resubscribe {
		return
	}

	a.mu.Lock()
	e, ok := a.entries[eventID]
	if !ok || a.closed {
		a.mu.Unlock()
		return
	}
	var stale func()
	switch kind {
	case subCount:
		stale = e.cancelCount
		e.cancelCount = nil
	case subMembership:
		stale = e.cancelMembership
		e.cancelMembership = nil
	}
	ctx := a.runCtx
	a.mu.Unlock()

	if stale != nil {
		stale()
	}
	a.reopen(ctx, eventID, kind)
}

func (a *Aggregator) reopen(ctx context.Context, eventID string, kind subKind) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		cancel func()
		err    error
	)
	switch kind {
	case subCount:
		cancel, err = a.ledger.SubscribeCount(ctx, eventID, func(n int) {
			a.mu.Lock()
			e, ok := a.entries[eventID]
			if !ok || a.closed {
				a.mu.Unlock()
				return
			}
			e.count = n
			e.degraded = false
			a.mu.Unlock()
			a.publish()
		}, func(err error) {
			// One reopen per failure; a second error stays degraded.
			a.log.Warn("resubscribed count errored out again",
				slog.String("event_id", eventID), sl.Err(err))
			a.markDegraded(eventID)
		})
	case subMembership:
		cancel, err = a.ledger.SubscribeMembership(ctx, eventID, a.sess.UserID, func(member bool) {
			a.mu.Lock()
			e, ok := a.entries[eventID]
			if !ok || a.closed {
				a.mu.Unlock()
				return
			}
			e.interested = member
			e.degraded = false
			a.mu.Unlock()
			a.publish()
		}, func(err error) {
			a.log.Warn("resubscribed membership errored out again",
				slog.String("event_id", eventID), sl.Err(err))
			a.markDegraded(eventID)
		})
	}
	if err != nil {
		a.log.Error("resubscribe failed", slog.String("event_id", eventID), sl.Err(err))
		return
	}

	a.mu.Lock()
	e, ok := a.entries[eventID]
	if !ok || a.closed {
		a.mu.Unlock()
		cancel()
		return
	}
	switch kind {
	case subCount:
		e.cancelCount = cancel
	case subMembership:
		e.cancelMembership = cancel
	}
	a.mu.Unlock()
}

func (a *Aggregator) markDegraded(eventID string) {
	a.mu.Lock()
	if e, ok := a.entries[eventID]; ok && !a.closed {
		e.degraded = true
	}
	a.mu.Unlock()
	a.publish()
}

func (a *Aggregator) listFailed(err error) {
	a.log.Error("event list subscription errored out", sl.Err(err))
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	for _, e := range a.entries {
		e.degraded = true
	}
	a.mu.Unlock()
	a.publish()
}

func (a *Aggregator) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if a.countdownChanged() {
				a.publish()
			}
		}
	}
}

func (a *Aggregator) countdownChanged() bool {
	now := a.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := false
	for _, e := range a.entries {
		if countdown.Derive(e.event.ScheduledAt, now).Label != e.lastLabel {
			changed = true
		}
	}
	return changed
}

// publish delivers the current ordered model list to the sink. sinkMu both
// serializes deliveries (so a later snapshot can never be overtaken by an
// earlier one) and lets Close wait out an in-flight delivery.
func (a *Aggregator) publish() {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	if a.sinkClosed || a.sink == nil {
		return
	}

	now := a.Now()
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	models := make([]Model, 0, len(a.order))
	for _, id := range a.order {
		e, ok := a.entries[id]
		if !ok {
			continue
		}
		status := countdown.Derive(e.event.ScheduledAt, now)
		e.lastLabel = status.Label
		models = append(models, Model{
			Event:          e.event,
			LiveCount:      e.count,
			Interested:     e.interested,
			CountdownLabel: status.Label,
			Degraded:       e.degraded,
		})
	}
	a.mu.Unlock()

	a.sink(models)
}

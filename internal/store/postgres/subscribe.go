package postgres

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/leaderlink/engage/internal/lib/logger/sl"
	"github.com/leaderlink/engage/internal/store"
)

const (
	eventsSubject         = "engage.changed.events"
	newsSubject           = "engage.changed.news"
	interestSubjectPrefix = "engage.changed.interest."
)

func interestSubject(eventID string) string {
	return interestSubjectPrefix + eventID
}

func (s *Store) notifyEvents() {
	s.notify(eventsSubject)
}

func (s *Store) notifyNews() {
	s.notify(newsSubject)
}

func (s *Store) notifyInterest(eventID string) {
	s.notify(interestSubject(eventID))
}

func (s *Store) notify(subject string) {
	if s.Pub == nil {
		return
	}
	if err := s.Pub.Publish(subject, nil); err != nil {
		s.Log.Error("publish change notification", slog.String("subject", subject), sl.Err(err))
	}
}

// SubscribeEvents delivers the current event list immediately and again on
// every change notification. The delivered snapshot is always a fresh read
// of the full set.
//
// The hub attachment happens before the initial read: a write committed
// while the initial snapshot is being delivered queues its notification
// behind that delivery and re-reads fresh state, so no change can fall
// between the snapshot and the live subscription.
func (s *Store) SubscribeEvents(ctx context.Context, onChange store.EventsFunc, onError store.ErrorFunc) (func(), error) {
	sub := &hubSubscriber{onError: onError}
	sub.notify = func() error {
		events, err := s.ListEvents(ctx)
		if err != nil {
			return err
		}
		onChange(events)
		return nil
	}
	cancel, err := s.hubs.attach(eventsSubject, sub)
	if err != nil {
		return nil, err
	}
	if err := sub.initial(sub.notify); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

// SubscribeInterestRecords is the per-event analogue of SubscribeEvents.
// Each call gets its own subscriber; concurrent subscriptions for the same
// event share one underlying NATS subscription through the hub.
func (s *Store) SubscribeInterestRecords(ctx context.Context, eventID string, onChange store.RecordsFunc, onError store.ErrorFunc) (func(), error) {
	sub := &hubSubscriber{onError: onError}
	sub.notify = func() error {
		records, err := s.GetInterestRecords(ctx, eventID)
		if err != nil {
			return err
		}
		onChange(records)
		return nil
	}
	cancel, err := s.hubs.attach(interestSubject(eventID), sub)
	if err != nil {
		return nil, err
	}
	if err := sub.initial(sub.notify); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

// hubSubscriber is one subscription handed out by Subscribe*. Its mutex is
// held while the snapshot callback runs, so cancel cannot return while a
// delivery is in flight and no delivery can start after cancel returns.
//
// A failed re-read is terminal: the subscriber marks itself closed under
// the lock, then reports through onError with the lock released, so the
// consumer is free to cancel its own subscription from inside the error
// callback.
type hubSubscriber struct {
	mu      sync.Mutex
	closed  bool
	notify  func() error
	onError store.ErrorFunc
}

func (h *hubSubscriber) run(fn func() error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	err := fn()
	if err != nil {
		h.closed = true
	}
	h.mu.Unlock()

	if err != nil && h.onError != nil {
		h.onError(err)
	}
}

// initial performs the first delivery. A read failure here surfaces as the
// Subscribe* return value rather than through onError.
func (h *hubSubscriber) initial(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return fn()
}

func (h *hubSubscriber) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// hubRegistry holds one hub per subject so that any number of subscribers
// to the same document set share a single NATS subscription.
type hubRegistry struct {
	js  nats.JetStreamContext
	log *slog.Logger

	mu   sync.Mutex
	hubs map[string]*hub
}

func newHubRegistry(js nats.JetStreamContext, log *slog.Logger) *hubRegistry {
	return &hubRegistry{js: js, log: log, hubs: make(map[string]*hub)}
}

func (r *hubRegistry) attach(subject string, sub *hubSubscriber) (func(), error) {
	r.mu.Lock()
	h, ok := r.hubs[subject]
	if !ok {
		h = &hub{
			registry:    r,
			subject:     subject,
			subscribers: make(map[uint64]*hubSubscriber),
		}
		r.hubs[subject] = h
	}
	r.mu.Unlock()

	id, err := h.add(sub)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.close()
			h.remove(id)
		})
	}
	return cancel, nil
}

// hub fans one NATS subscription out to every live subscriber of a subject.
// The subscription is opened when the first subscriber attaches and torn
// down when the last one leaves.
type hub struct {
	registry *hubRegistry
	subject  string

	mu          sync.Mutex
	sub         *nats.Subscription
	subscribers map[uint64]*hubSubscriber
	nextID      uint64
}

func (h *hub) add(sub *hubSubscriber) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == nil {
		// DeliverNew: the attaching subscriber reads its own snapshot, so
		// replaying historical notifications would only cause redundant
		// re-reads.
		natsSub, err := h.registry.js.Subscribe(h.subject, func(_ *nats.Msg) {
			h.broadcast()
		}, nats.DeliverNew())
		if err != nil {
			return 0, err
		}
		h.sub = natsSub
	}
	h.nextID++
	id := h.nextID
	h.subscribers[id] = sub
	return id, nil
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subscribers, id)
	empty := len(h.subscribers) == 0
	natsSub := h.sub
	if empty {
		h.sub = nil
	}
	h.mu.Unlock()

	if !empty {
		return
	}
	if natsSub != nil {
		if err := natsSub.Unsubscribe(); err != nil {
			h.registry.log.Error("unsubscribe", slog.String("subject", h.subject), sl.Err(err))
		}
	}
	h.registry.mu.Lock()
	// Re-check under the registry lock: a new subscriber may have attached
	// to this hub between our unlock and here.
	h.mu.Lock()
	if len(h.subscribers) == 0 {
		delete(h.registry.hubs, h.subject)
	}
	h.mu.Unlock()
	h.registry.mu.Unlock()
}

func (h *hub) broadcast() {
	h.mu.Lock()
	targets := make([]*hubSubscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.run(sub.notify)
	}
}

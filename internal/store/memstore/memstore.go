// Package memstore is an in-memory store.Gateway with synchronous change
// delivery. It backs the test suites and the local development storage
// backend; it honors the same subscription contract as the durable store,
// including idempotent cancellation and snapshot-only delivery.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/leaderlink/engage/internal/store"
)

type markKey struct {
	kind   store.MarkKind
	userID string
	newsID string
}

type recordKey struct {
	eventID string
	userID  string
}

// Store is a complete in-memory Gateway. The zero value is not usable; call
// New.
type Store struct {
	Now   func() time.Time
	NewID func() string

	mu       sync.Mutex
	fault    error
	events   map[string]store.Event
	records  map[recordKey]store.InterestRecord
	profiles map[string]store.Profile
	news     map[string]store.News
	marks    map[markKey]struct{}

	eventSubs    map[uint64]*subscriber
	interestSubs map[string]map[uint64]*subscriber
	nextSubID    uint64
}

func New() *Store {
	return &Store{
		Now:          func() time.Time { return time.Now().UTC() },
		NewID:        nuid.Next,
		events:       map[string]store.Event{},
		records:      map[recordKey]store.InterestRecord{},
		profiles:     map[string]store.Profile{},
		news:         map[string]store.News{},
		marks:        map[markKey]struct{}{},
		eventSubs:    map[uint64]*subscriber{},
		interestSubs: map[string]map[uint64]*subscriber{},
	}
}

// SetFault makes every subsequent gateway operation fail with err until
// cleared with SetFault(nil). Already-open subscriptions keep delivering.
func (s *Store) SetFault(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

// subscriber guards one callback with its own lock so that cancel blocks
// until any in-flight dispatch finishes; after Cancel returns the callback
// never runs again.
type subscriber struct {
	mu       sync.Mutex
	closed   bool
	onEvents store.EventsFunc
	onRecs   store.RecordsFunc
}

func (sub *subscriber) deliverEvents(events []store.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.onEvents == nil {
		return
	}
	sub.onEvents(events)
}

func (sub *subscriber) deliverRecords(records []store.InterestRecord) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.onRecs == nil {
		return
	}
	sub.onRecs(records)
}

func (sub *subscriber) cancel() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
}

func (s *Store) GetEvent(_ context.Context, id string) (store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return store.Event{}, s.fault
	}
	ev, ok := s.events[id]
	if !ok {
		return store.Event{}, store.ErrNotFound
	}
	return ev, nil
}

func (s *Store) ListEvents(_ context.Context) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return nil, s.fault
	}
	return s.eventListLocked(), nil
}

func (s *Store) SubscribeEvents(_ context.Context, onChange store.EventsFunc, _ store.ErrorFunc) (func(), error) {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return nil, err
	}
	sub := &subscriber{onEvents: onChange}
	s.nextSubID++
	id := s.nextSubID
	s.eventSubs[id] = sub
	snapshot := s.eventListLocked()
	s.mu.Unlock()

	sub.deliverEvents(snapshot)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.cancel()
			s.mu.Lock()
			delete(s.eventSubs, id)
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

func (s *Store) CreateEvent(_ context.Context, ev store.Event) (string, error) {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return "", err
	}
	if ev.ID == "" {
		ev.ID = s.NewID()
	}
	now := s.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	s.events[ev.ID] = ev
	s.mu.Unlock()

	s.notifyEvents()
	return ev.ID, nil
}

func (s *Store) UpdateEvent(_ context.Context, ev store.Event) error {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return err
	}
	current, ok := s.events[ev.ID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	ev.CreatedAt = current.CreatedAt
	ev.UpdatedAt = s.Now()
	s.events[ev.ID] = ev
	s.mu.Unlock()

	s.notifyEvents()
	return nil
}

func (s *Store) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return err
	}
	delete(s.events, id)
	for key := range s.records {
		if key.eventID == id {
			delete(s.records, key)
		}
	}
	s.mu.Unlock()

	s.notifyEvents()
	s.notifyInterest(id)
	return nil
}

func (s *Store) GetInterestRecords(_ context.Context, eventID string) ([]store.InterestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return nil, s.fault
	}
	return s.recordSetLocked(eventID), nil
}

func (s *Store) SubscribeInterestRecords(_ context.Context, eventID string, onChange store.RecordsFunc, _ store.ErrorFunc) (func(), error) {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return nil, err
	}
	sub := &subscriber{onRecs: onChange}
	s.nextSubID++
	id := s.nextSubID
	subs, ok := s.interestSubs[eventID]
	if !ok {
		subs = map[uint64]*subscriber{}
		s.interestSubs[eventID] = subs
	}
	subs[id] = sub
	snapshot := s.recordSetLocked(eventID)
	s.mu.Unlock()

	sub.deliverRecords(snapshot)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.cancel()
			s.mu.Lock()
			if subs, ok := s.interestSubs[eventID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.interestSubs, eventID)
				}
			}
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

func (s *Store) SetInterestRecord(_ context.Context, rec store.InterestRecord) error {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.Now()
	}
	key := recordKey{eventID: rec.EventID, userID: rec.UserID}
	// An identical overwrite is not a change; notifying would hand
	// subscribers a duplicate delivery for nothing.
	if existing, ok := s.records[key]; ok && sameRecord(existing, rec) {
		s.mu.Unlock()
		return nil
	}
	s.records[key] = rec
	s.mu.Unlock()

	s.notifyInterest(rec.EventID)
	return nil
}

// sameRecord compares everything but the write timestamp.
func sameRecord(a, b store.InterestRecord) bool {
	a.RecordedAt = b.RecordedAt
	return a == b
}

func (s *Store) DeleteInterestRecord(_ context.Context, eventID, userID string) error {
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return err
	}
	key := recordKey{eventID: eventID, userID: userID}
	_, existed := s.records[key]
	delete(s.records, key)
	s.mu.Unlock()

	if existed {
		s.notifyInterest(eventID)
	}
	return nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return store.Profile{}, s.fault
	}
	p, ok := s.profiles[userID]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) PutProfile(_ context.Context, p store.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.profiles[p.UserID] = p
	return nil
}

func (s *Store) GetNews(_ context.Context, id string) (store.News, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return store.News{}, s.fault
	}
	n, ok := s.news[id]
	if !ok {
		return store.News{}, store.ErrNotFound
	}
	return n, nil
}

func (s *Store) ListNews(_ context.Context) ([]store.News, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return nil, s.fault
	}
	list := make([]store.News, 0, len(s.news))
	for _, n := range s.news {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *Store) CreateNews(_ context.Context, n store.News) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return "", s.fault
	}
	if n.ID == "" {
		n.ID = s.NewID()
	}
	now := s.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	s.news[n.ID] = n
	return n.ID, nil
}

func (s *Store) UpdateNews(_ context.Context, n store.News) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	current, ok := s.news[n.ID]
	if !ok {
		return store.ErrNotFound
	}
	n.CreatedAt = current.CreatedAt
	n.UpdatedAt = s.Now()
	s.news[n.ID] = n
	return nil
}

func (s *Store) DeleteNews(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	delete(s.news, id)
	for key := range s.marks {
		if key.newsID == id {
			delete(s.marks, key)
		}
	}
	return nil
}

func (s *Store) HasMark(_ context.Context, kind store.MarkKind, userID, newsID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return false, s.fault
	}
	_, ok := s.marks[markKey{kind: kind, userID: userID, newsID: newsID}]
	return ok, nil
}

func (s *Store) SetMark(_ context.Context, kind store.MarkKind, userID, newsID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	s.marks[markKey{kind: kind, userID: userID, newsID: newsID}] = struct{}{}
	return nil
}

func (s *Store) DeleteMark(_ context.Context, kind store.MarkKind, userID, newsID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		return s.fault
	}
	delete(s.marks, markKey{kind: kind, userID: userID, newsID: newsID})
	return nil
}

func (s *Store) eventListLocked() []store.Event {
	list := make([]store.Event, 0, len(s.events))
	for _, ev := range s.events {
		list = append(list, ev)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		if !list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ScheduledAt.After(list[j].ScheduledAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (s *Store) recordSetLocked(eventID string) []store.InterestRecord {
	set := make([]store.InterestRecord, 0)
	for key, rec := range s.records {
		if key.eventID == eventID {
			set = append(set, rec)
		}
	}
	sort.Slice(set, func(i, j int) bool {
		if !set[i].RecordedAt.Equal(set[j].RecordedAt) {
			return set[i].RecordedAt.Before(set[j].RecordedAt)
		}
		return set[i].UserID < set[j].UserID
	})
	return set
}

func (s *Store) notifyEvents() {
	s.mu.Lock()
	snapshot := s.eventListLocked()
	subs := make([]*subscriber, 0, len(s.eventSubs))
	for _, sub := range s.eventSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliverEvents(snapshot)
	}
}

func (s *Store) notifyInterest(eventID string) {
	s.mu.Lock()
	snapshot := s.recordSetLocked(eventID)
	subs := make([]*subscriber, 0, len(s.interestSubs[eventID]))
	for _, sub := range s.interestSubs[eventID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliverRecords(snapshot)
	}
}

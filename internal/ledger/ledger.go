// Package ledger is the single source of truth for "is user X interested in
// event Y" and the counts derived from it. It holds no storage of its own;
// everything is built from store.Gateway reads and subscriptions.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/leaderlink/engage/internal/session"
	"github.com/leaderlink/engage/internal/store"
)

var ErrSessionRequired = errors.New("a signed-in session is required")

// Outcome reports which way a toggle went.
type Outcome string

const (
	Added   Outcome = "added"
	Removed Outcome = "removed"
)

type Ledger struct {
	Gateway store.Gateway
	Now     func() time.Time
}

func New(gw store.Gateway) *Ledger {
	return &Ledger{
		Gateway: gw,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Toggle flips the caller's membership in the event's interested set.
//
// This is a check-then-act sequence against a store with no transaction
// guarantee. The race under rapid double-toggles is accepted: record
// identity is the (eventID, userID) key, so the worst outcome of two
// in-flight toggles is one redundant idempotent write, never a duplicate
// membership or a negative count.
func (l *Ledger) Toggle(ctx context.Context, eventID string, sess session.Session) (Outcome, error) {
	if !sess.Valid() {
		return "", ErrSessionRequired
	}

	records, err := l.Gateway.GetInterestRecords(ctx, eventID)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if rec.UserID == sess.UserID {
			if err := l.Gateway.DeleteInterestRecord(ctx, eventID, sess.UserID); err != nil {
				return "", err
			}
			return Removed, nil
		}
	}

	profile, err := l.Gateway.GetProfile(ctx, sess.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	rec := ResolveRecord(profile, sess)
	rec.EventID = eventID
	rec.RecordedAt = l.Now()
	if err := l.Gateway.SetInterestRecord(ctx, rec); err != nil {
		return "", err
	}
	return Added, nil
}

// ResolveRecord builds a fully-populated interest record from the
// authoritative profile document and the caller's session hints.
//
// Field precedence, highest first:
//
//	name:  profile FullName, profile Name, profile DisplayName,
//	       session DisplayName, then the placeholder "User"
//	email, phone, image: profile field, then session field
func ResolveRecord(profile store.Profile, sess session.Session) store.InterestRecord {
	return store.InterestRecord{
		UserID:       sess.UserID,
		Name:         firstNonEmpty(profile.FullName, profile.Name, profile.DisplayName, sess.DisplayName, "User"),
		Email:        firstNonEmpty(profile.Email, sess.Email),
		Phone:        firstNonEmpty(profile.Phone, sess.Phone),
		ProfileImage: firstNonEmpty(profile.ProfileImage, sess.ProfileImage),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SubscribeCount delivers the live cardinality of the event's interested
// set: once with the correct initial count (0 for an empty set) and once per
// subsequent remote change.
func (l *Ledger) SubscribeCount(ctx context.Context, eventID string, onCount func(int), onError store.ErrorFunc) (func(), error) {
	return l.Gateway.SubscribeInterestRecords(ctx, eventID, func(records []store.InterestRecord) {
		onCount(len(records))
	}, onError)
}

// SubscribeMembership delivers whether userID is in the event's interested
// set. Each call opens its own underlying subscription, so cancelling a
// membership subscription never disturbs a count subscription for the same
// event (or the other way around).
func (l *Ledger) SubscribeMembership(ctx context.Context, eventID, userID string, onMember func(bool), onError store.ErrorFunc) (func(), error) {
	return l.Gateway.SubscribeInterestRecords(ctx, eventID, func(records []store.InterestRecord) {
		member := false
		for _, rec := range records {
			if rec.UserID == userID {
				member = true
				break
			}
		}
		onMember(member)
	}, onError)
}

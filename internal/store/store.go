// Package store defines the document-store gateway the engagement core is
// built on: durable events, per-event interest records, user profiles, and
// push-based change subscriptions that always deliver complete snapshots.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a read targets a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrPermissionDenied is returned when the store rejects the operation.
	ErrPermissionDenied = errors.New("permission denied")
)

// Event is a scheduled happening published by a monitor.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Venue       string    `json:"venue"`
	ScheduledAt time.Time `json:"date_time"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InterestRecord marks one user's intent to attend one event. Its existence
// is the "interested" boolean; the (EventID, UserID) pair is the identity,
// so overwriting an existing record can never create a duplicate.
type InterestRecord struct {
	EventID      string    `json:"event_id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	ProfileImage string    `json:"profile_image,omitempty"`
	RecordedAt   time.Time `json:"timestamp"`
}

// Profile is the authoritative user document. All fields besides UserID are
// optional; callers resolve a display name through a precedence chain.
type Profile struct {
	UserID       string `json:"user_id"`
	FullName     string `json:"full_name,omitempty"`
	Name         string `json:"name,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
}

// News is an announcement published by a monitor. Likes and bookmarks
// reference news by ID; deleting a news item removes its marks with it.
type News struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarkKind distinguishes the per-user news marks.
type MarkKind string

const (
	MarkLike     MarkKind = "like"
	MarkBookmark MarkKind = "bookmark"
)

// EventsFunc receives the complete, ordered event list on every change.
type EventsFunc func(events []Event)

// RecordsFunc receives the complete interest record set on every change.
type RecordsFunc func(records []InterestRecord)

// ErrorFunc receives a terminal subscription failure. After it fires the
// subscription delivers nothing further; re-establishing is the caller's
// decision. May be nil.
type ErrorFunc func(err error)

// Gateway is the only boundary between the engagement core and the backing
// document store. Every subscription returns a cancel func that is
// idempotent and guarantees no snapshot delivery after it returns, even for
// a notification already in flight. A terminal error already being reported
// may still reach ErrorFunc while cancel runs; ErrorFunc is safe to call
// cancel from.
type Gateway interface {
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
	// SubscribeEvents invokes onChange once immediately with the current
	// full list (creation time desc, then scheduled time desc) and again
	// with the complete list after every remote add, update or delete.
	SubscribeEvents(ctx context.Context, onChange EventsFunc, onError ErrorFunc) (func(), error)

	CreateEvent(ctx context.Context, ev Event) (string, error)
	UpdateEvent(ctx context.Context, ev Event) error
	DeleteEvent(ctx context.Context, id string) error

	GetInterestRecords(ctx context.Context, eventID string) ([]InterestRecord, error)
	SubscribeInterestRecords(ctx context.Context, eventID string, onChange RecordsFunc, onError ErrorFunc) (func(), error)
	// SetInterestRecord and DeleteInterestRecord are idempotent: deleting a
	// missing record or re-writing an identical one is not an error.
	SetInterestRecord(ctx context.Context, rec InterestRecord) error
	DeleteInterestRecord(ctx context.Context, eventID, userID string) error

	GetProfile(ctx context.Context, userID string) (Profile, error)
	PutProfile(ctx context.Context, p Profile) error

	GetNews(ctx context.Context, id string) (News, error)
	ListNews(ctx context.Context) ([]News, error)
	CreateNews(ctx context.Context, n News) (string, error)
	UpdateNews(ctx context.Context, n News) error
	DeleteNews(ctx context.Context, id string) error

	HasMark(ctx context.Context, kind MarkKind, userID, newsID string) (bool, error)
	SetMark(ctx context.Context, kind MarkKind, userID, newsID string) error
	DeleteMark(ctx context.Context, kind MarkKind, userID, newsID string) error
}

// Package postgres is the durable store.Gateway: documents live in
// PostgreSQL, change notifications ride NATS JetStream. Notification
// payloads are advisory; subscribers always re-read the authoritative
// snapshot, so every delivery is a complete current set.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/leaderlink/engage/internal/platform/natsutil"
	"github.com/leaderlink/engage/internal/store"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
  event_id text PRIMARY KEY,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  venue text NOT NULL DEFAULT '',
  scheduled_at timestamptz NOT NULL,
  image_url text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createInterestRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS interest_records (
  event_id text NOT NULL,
  user_id text NOT NULL,
  name text NOT NULL DEFAULT '',
  email text NOT NULL DEFAULT '',
  phone text NOT NULL DEFAULT '',
  profile_image text NOT NULL DEFAULT '',
  recorded_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (event_id, user_id)
)`

const createProfilesTableSQL = `
CREATE TABLE IF NOT EXISTS profiles (
  user_id text PRIMARY KEY,
  full_name text NOT NULL DEFAULT '',
  name text NOT NULL DEFAULT '',
  display_name text NOT NULL DEFAULT '',
  email text NOT NULL DEFAULT '',
  phone text NOT NULL DEFAULT '',
  profile_image text NOT NULL DEFAULT ''
)`

const createNewsTableSQL = `
CREATE TABLE IF NOT EXISTS news (
  news_id text PRIMARY KEY,
  title text NOT NULL,
  body text NOT NULL DEFAULT '',
  image_url text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createNewsMarksTableSQL = `
CREATE TABLE IF NOT EXISTS news_marks (
  kind text NOT NULL,
  user_id text NOT NULL,
  news_id text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (kind, user_id, news_id)
)`

const listEventsSQL = `
SELECT event_id, title, description, venue, scheduled_at, image_url, created_at, updated_at
FROM events
ORDER BY created_at DESC, scheduled_at DESC`

const getEventSQL = `
SELECT event_id, title, description, venue, scheduled_at, image_url, created_at, updated_at
FROM events
WHERE event_id = $1`

const insertEventSQL = `
INSERT INTO events (event_id, title, description, venue, scheduled_at, image_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

const updateEventSQL = `
UPDATE events
SET title = $2, description = $3, venue = $4, scheduled_at = $5, image_url = $6, updated_at = $7
WHERE event_id = $1`

const deleteEventSQL = `DELETE FROM events WHERE event_id = $1`

const deleteEventInterestSQL = `DELETE FROM interest_records WHERE event_id = $1`

const listInterestRecordsSQL = `
SELECT event_id, user_id, name, email, phone, profile_image, recorded_at
FROM interest_records
WHERE event_id = $1
ORDER BY recorded_at, user_id`

const upsertInterestRecordSQL = `
INSERT INTO interest_records (event_id, user_id, name, email, phone, profile_image, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (event_id, user_id) DO UPDATE
SET name = EXCLUDED.name,
    email = EXCLUDED.email,
    phone = EXCLUDED.phone,
    profile_image = EXCLUDED.profile_image,
    recorded_at = EXCLUDED.recorded_at`

const deleteInterestRecordSQL = `
DELETE FROM interest_records WHERE event_id = $1 AND user_id = $2`

const getProfileSQL = `
SELECT user_id, full_name, name, display_name, email, phone, profile_image
FROM profiles
WHERE user_id = $1`

const upsertProfileSQL = `
INSERT INTO profiles (user_id, full_name, name, display_name, email, phone, profile_image)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE
SET full_name = EXCLUDED.full_name,
    name = EXCLUDED.name,
    display_name = EXCLUDED.display_name,
    email = EXCLUDED.email,
    phone = EXCLUDED.phone,
    profile_image = EXCLUDED.profile_image`

const listNewsSQL = `
SELECT news_id, title, body, image_url, created_at, updated_at
FROM news
ORDER BY created_at DESC`

const getNewsSQL = `
SELECT news_id, title, body, image_url, created_at, updated_at
FROM news
WHERE news_id = $1`

const insertNewsSQL = `
INSERT INTO news (news_id, title, body, image_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)`

const updateNewsSQL = `
UPDATE news
SET title = $2, body = $3, image_url = $4, updated_at = $5
WHERE news_id = $1`

const deleteNewsSQL = `DELETE FROM news WHERE news_id = $1`

const deleteNewsMarksSQL = `DELETE FROM news_marks WHERE news_id = $1`

const hasMarkSQL = `
SELECT 1 FROM news_marks WHERE kind = $1 AND user_id = $2 AND news_id = $3`

const upsertMarkSQL = `
INSERT INTO news_marks (kind, user_id, news_id)
VALUES ($1, $2, $3)
ON CONFLICT (kind, user_id, news_id) DO NOTHING`

const deleteMarkSQL = `
DELETE FROM news_marks WHERE kind = $1 AND user_id = $2 AND news_id = $3`

type Store struct {
	Pool  *pgxpool.Pool
	Pub   natsutil.Publisher
	Log   *slog.Logger
	NewID func() string
	Now   func() time.Time

	hubs *hubRegistry
}

func New(pool *pgxpool.Pool, js nats.JetStreamContext, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		Pool:  pool,
		Pub:   natsutil.JetStreamPublisher{JS: js},
		Log:   log,
		NewID: nuid.Next,
		Now:   func() time.Time { return time.Now().UTC() },
		hubs:  newHubRegistry(js, log),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createEventsTableSQL,
		createInterestRecordsTableSQL,
		createProfilesTableSQL,
		createNewsTableSQL,
		createNewsMarksTableSQL,
	} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (store.Event, error) {
	var ev store.Event
	err := s.Pool.QueryRow(ctx, getEventSQL, id).Scan(
		&ev.ID, &ev.Title, &ev.Description, &ev.Venue,
		&ev.ScheduledAt, &ev.ImageURL, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Event{}, store.ErrNotFound
		}
		return store.Event{}, storeErr(err)
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context) ([]store.Event, error) {
	rows, err := s.Pool.Query(ctx, listEventsSQL)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	events := make([]store.Event, 0)
	for rows.Next() {
		var ev store.Event
		if err := rows.Scan(
			&ev.ID, &ev.Title, &ev.Description, &ev.Venue,
			&ev.ScheduledAt, &ev.ImageURL, &ev.CreatedAt, &ev.UpdatedAt,
		); err != nil {
			return nil, storeErr(err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

func (s *Store) CreateEvent(ctx context.Context, ev store.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = s.NewID()
	}
	now := s.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if _, err := s.Pool.Exec(ctx, insertEventSQL,
		ev.ID, ev.Title, ev.Description, ev.Venue, ev.ScheduledAt, ev.ImageURL, ev.CreatedAt,
	); err != nil {
		return "", storeErr(err)
	}
	s.notifyEvents()
	return ev.ID, nil
}

func (s *Store) UpdateEvent(ctx context.Context, ev store.Event) error {
	tag, err := s.Pool.Exec(ctx, updateEventSQL,
		ev.ID, ev.Title, ev.Description, ev.Venue, ev.ScheduledAt, ev.ImageURL, s.Now(),
	)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	s.notifyEvents()
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.Pool.Exec(ctx, deleteEventInterestSQL, id); err != nil {
		return storeErr(err)
	}
	if _, err := s.Pool.Exec(ctx, deleteEventSQL, id); err != nil {
		return storeErr(err)
	}
	s.notifyEvents()
	s.notifyInterest(id)
	return nil
}

func (s *Store) GetInterestRecords(ctx context.Context, eventID string) ([]store.InterestRecord, error) {
	rows, err := s.Pool.Query(ctx, listInterestRecordsSQL, eventID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	records := make([]store.InterestRecord, 0)
	for rows.Next() {
		var rec store.InterestRecord
		if err := rows.Scan(
			&rec.EventID, &rec.UserID, &rec.Name, &rec.Email,
			&rec.Phone, &rec.ProfileImage, &rec.RecordedAt,
		); err != nil {
			return nil, storeErr(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return records, nil
}

func (s *Store) SetInterestRecord(ctx context.Context, rec store.InterestRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.Now()
	}
	if _, err := s.Pool.Exec(ctx, upsertInterestRecordSQL,
		rec.EventID, rec.UserID, rec.Name, rec.Email, rec.Phone, rec.ProfileImage, rec.RecordedAt,
	); err != nil {
		return storeErr(err)
	}
	s.notifyInterest(rec.EventID)
	return nil
}

func (s *Store) DeleteInterestRecord(ctx context.Context, eventID, userID string) error {
	tag, err := s.Pool.Exec(ctx, deleteInterestRecordSQL, eventID, userID)
	if err != nil {
		return storeErr(err)
	}
	// Deleting a record that was never there is a no-op, not an error, and
	// nothing changed that subscribers need to hear about.
	if tag.RowsAffected() > 0 {
		s.notifyInterest(eventID)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	var p store.Profile
	err := s.Pool.QueryRow(ctx, getProfileSQL, userID).Scan(
		&p.UserID, &p.FullName, &p.Name, &p.DisplayName, &p.Email, &p.Phone, &p.ProfileImage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Profile{}, store.ErrNotFound
		}
		return store.Profile{}, storeErr(err)
	}
	return p, nil
}

func (s *Store) PutProfile(ctx context.Context, p store.Profile) error {
	if _, err := s.Pool.Exec(ctx, upsertProfileSQL,
		p.UserID, p.FullName, p.Name, p.DisplayName, p.Email, p.Phone, p.ProfileImage,
	); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) GetNews(ctx context.Context, id string) (store.News, error) {
	var n store.News
	err := s.Pool.QueryRow(ctx, getNewsSQL, id).Scan(
		&n.ID, &n.Title, &n.Body, &n.ImageURL, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.News{}, store.ErrNotFound
		}
		return store.News{}, storeErr(err)
	}
	return n, nil
}

func (s *Store) ListNews(ctx context.Context) ([]store.News, error) {
	rows, err := s.Pool.Query(ctx, listNewsSQL)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	items := make([]store.News, 0)
	for rows.Next() {
		var n store.News
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.ImageURL, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, storeErr(err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return items, nil
}

func (s *Store) CreateNews(ctx context.Context, n store.News) (string, error) {
	if n.ID == "" {
		n.ID = s.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.Now()
	}
	if _, err := s.Pool.Exec(ctx, insertNewsSQL,
		n.ID, n.Title, n.Body, n.ImageURL, n.CreatedAt,
	); err != nil {
		return "", storeErr(err)
	}
	s.notifyNews()
	return n.ID, nil
}

func (s *Store) UpdateNews(ctx context.Context, n store.News) error {
	tag, err := s.Pool.Exec(ctx, updateNewsSQL, n.ID, n.Title, n.Body, n.ImageURL, s.Now())
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	s.notifyNews()
	return nil
}

func (s *Store) DeleteNews(ctx context.Context, id string) error {
	if _, err := s.Pool.Exec(ctx, deleteNewsMarksSQL, id); err != nil {
		return storeErr(err)
	}
	if _, err := s.Pool.Exec(ctx, deleteNewsSQL, id); err != nil {
		return storeErr(err)
	}
	s.notifyNews()
	return nil
}

func (s *Store) HasMark(ctx context.Context, kind store.MarkKind, userID, newsID string) (bool, error) {
	var marker int
	err := s.Pool.QueryRow(ctx, hasMarkSQL, string(kind), userID, newsID).Scan(&marker)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, storeErr(err)
	}
	return true, nil
}

func (s *Store) SetMark(ctx context.Context, kind store.MarkKind, userID, newsID string) error {
	if _, err := s.Pool.Exec(ctx, upsertMarkSQL, string(kind), userID, newsID); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) DeleteMark(ctx context.Context, kind store.MarkKind, userID, newsID string) error {
	if _, err := s.Pool.Exec(ctx, deleteMarkSQL, string(kind), userID, newsID); err != nil {
		return storeErr(err)
	}
	return nil
}

// storeErr maps driver failures onto the gateway taxonomy. Authorization
// rejections become ErrPermissionDenied; anything that is not a server-side
// SQL error is assumed to be connectivity and becomes ErrUnavailable.
func storeErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "42501" {
			return fmt.Errorf("%w: %s", store.ErrPermissionDenied, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

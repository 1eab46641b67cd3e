// Package engagement tracks per-user news marks: likes and bookmarks. Marks
// follow the same contract as interest records: the (kind, user, news) key
// is the identity, toggles are check-then-act over idempotent set/delete.
package engagement

import (
	"context"

	"github.com/leaderlink/engage/internal/ledger"
	"github.com/leaderlink/engage/internal/session"
	"github.com/leaderlink/engage/internal/store"
)

type Service struct {
	Gateway store.Gateway
}

func NewService(gw store.Gateway) *Service {
	return &Service{Gateway: gw}
}

// ToggleLike flips the caller's like on a news item and reports whether it
// is now set.
func (s *Service) ToggleLike(ctx context.Context, sess session.Session, newsID string) (bool, error) {
	return s.toggle(ctx, store.MarkLike, sess, newsID)
}

// ToggleBookmark flips the caller's bookmark on a news item and reports
// whether it is now set.
func (s *Service) ToggleBookmark(ctx context.Context, sess session.Session, newsID string) (bool, error) {
	return s.toggle(ctx, store.MarkBookmark, sess, newsID)
}

func (s *Service) IsLiked(ctx context.Context, sess session.Session, newsID string) (bool, error) {
	if !sess.Valid() {
		return false, ledger.ErrSessionRequired
	}
	return s.Gateway.HasMark(ctx, store.MarkLike, sess.UserID, newsID)
}

func (s *Service) IsBookmarked(ctx context.Context, sess session.Session, newsID string) (bool, error) {
	if !sess.Valid() {
		return false, ledger.ErrSessionRequired
	}
	return s.Gateway.HasMark(ctx, store.MarkBookmark, sess.UserID, newsID)
}

func (s *Service) toggle(ctx context.Context, kind store.MarkKind, sess session.Session, newsID string) (bool, error) {
	if !sess.Valid() {
		return false, ledger.ErrSessionRequired
	}

	marked, err := s.Gateway.HasMark(ctx, kind, sess.UserID, newsID)
	if err != nil {
		return false, err
	}
	if marked {
		if err := s.Gateway.DeleteMark(ctx, kind, sess.UserID, newsID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := s.Gateway.SetMark(ctx, kind, sess.UserID, newsID); err != nil {
		return false, err
	}
	return true, nil
}

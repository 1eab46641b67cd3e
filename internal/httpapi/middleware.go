package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/leaderlink/engage/internal/platform/auth"
	"github.com/leaderlink/engage/internal/session"
)

type ctxKey int

const sessionKey ctxKey = iota

// withSession resolves the Bearer token into a session on the request
// context. A missing or invalid token yields an anonymous session rather
// than a rejection: reads work signed out, and writes check the session
// themselves.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.Auth.Parse(token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		sess := session.Session{
			UserID:      claims.Subject,
			DisplayName: claims.Name,
			Email:       claims.Email,
			Phone:       claims.Phone,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func sessionFrom(ctx context.Context) session.Session {
	sess, _ := ctx.Value(sessionKey).(session.Session)
	return sess
}

// requestLogger is a slog-flavored request log middleware.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	log := s.Log.With(slog.String("component", "httpapi"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := log.With(
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			entry.Info("request completed",
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.String("duration", time.Since(start).String()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

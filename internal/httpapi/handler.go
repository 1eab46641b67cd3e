// Package httpapi exposes the engagement service over HTTP: event CRUD,
// interest toggling, news marks, and the live SSE stream.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/leaderlink/engage/internal/engagement"
	"github.com/leaderlink/engage/internal/ledger"
	"github.com/leaderlink/engage/internal/lib/api/response"
	"github.com/leaderlink/engage/internal/lib/logger/sl"
	"github.com/leaderlink/engage/internal/platform/auth"
	"github.com/leaderlink/engage/internal/platform/metrics"
	"github.com/leaderlink/engage/internal/store"
	"github.com/leaderlink/engage/internal/view"
)

var (
	toggleTotal = metrics.NewCounter(metrics.Opts{
		Name: "engage_interest_toggles_total",
		Help: "Interest toggles applied.",
	})
	markTotal = metrics.NewCounter(metrics.Opts{
		Name: "engage_news_marks_total",
		Help: "News like/bookmark toggles applied.",
	})
	streamsActive = metrics.NewGauge(metrics.Opts{
		Name: "engage_streams_active",
		Help: "Live SSE streams currently attached.",
	})
)

func init() {
	metrics.Default.MustRegister(toggleTotal, markTotal, streamsActive)
}

type Server struct {
	Gateway    store.Gateway
	Ledger     *ledger.Ledger
	Engagement *engagement.Service
	Auth       auth.Manager
	Log        *slog.Logger
	Stream     view.Config

	validate *validator.Validate
}

func NewServer(gw store.Gateway, ldg *ledger.Ledger, eng *engagement.Service, authMgr auth.Manager, streamCfg view.Config, log *slog.Logger) *Server {
	return &Server{
		Gateway:    gw,
		Ledger:     ldg,
		Engagement: eng,
		Auth:       authMgr,
		Log:        log,
		Stream:     streamCfg,
		validate:   validator.New(),
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.URLFormat)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.DefaultHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withSession)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Post("/", s.handleCreateEvent)
			r.Route("/{eventID}", func(r chi.Router) {
				r.Get("/", s.handleGetEvent)
				r.Put("/", s.handleUpdateEvent)
				r.Delete("/", s.handleDeleteEvent)
				r.Get("/interested", s.handleInterested)
				r.Post("/interest", s.handleToggleInterest)
			})
		})

		r.Route("/news", func(r chi.Router) {
			r.Get("/", s.handleListNews)
			r.Post("/", s.handleCreateNews)
			r.Route("/{newsID}", func(r chi.Router) {
				r.Get("/", s.handleGetNews)
				r.Put("/", s.handleUpdateNews)
				r.Delete("/", s.handleDeleteNews)
				r.Post("/like", s.handleToggleLike)
				r.Post("/bookmark", s.handleToggleBookmark)
				r.Get("/engagement", s.handleEngagement)
			})
		})

		r.Route("/profile", func(r chi.Router) {
			r.Get("/", s.handleGetProfile)
			r.Put("/", s.handlePutProfile)
		})

		r.Get("/stream", s.handleStream)
	})

	return r
}

type eventRequest struct {
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description"`
	Venue       string    `json:"venue"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
	ImageURL    string    `json:"image_url" validate:"omitempty,url"`
}

type eventResponse struct {
	response.Response
	Event store.Event `json:"event"`
}

type eventListResponse struct {
	response.Response
	Events []store.Event `json:"events"`
}

type createdResponse struct {
	response.Response
	ID string `json:"id"`
}

type toggleResponse struct {
	response.Response
	Outcome ledger.Outcome `json:"outcome"`
}

type interestedResponse struct {
	response.Response
	Count   int                   `json:"count"`
	Records []store.InterestRecord `json:"records"`
}

type newsRequest struct {
	Title    string `json:"title" validate:"required"`
	Body     string `json:"body"`
	ImageURL string `json:"image_url" validate:"omitempty,url"`
}

type newsResponse struct {
	response.Response
	News store.News `json:"news"`
}

type newsListResponse struct {
	response.Response
	News []store.News `json:"news"`
}

type markResponse struct {
	response.Response
	Set bool `json:"set"`
}

type engagementResponse struct {
	response.Response
	Liked      bool `json:"liked"`
	Bookmarked bool `json:"bookmarked"`
}

type profileResponse struct {
	response.Response
	Profile store.Profile `json:"profile"`
}

type profileRequest struct {
	FullName     string `json:"full_name"`
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Email        string `json:"email" validate:"omitempty,email"`
	Phone        string `json:"phone"`
	ProfileImage string `json:"profile_image" validate:"omitempty,url"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, response.OK())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Gateway.ListEvents(r.Context()); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("store unavailable"))
		return
	}
	render.JSON(w, r, response.OK())
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Gateway.ListEvents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, eventListResponse{Response: response.OK(), Events: events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.Gateway.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, eventResponse{Response: response.OK(), Event: ev})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if !sessionFrom(r.Context()).Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.Gateway.CreateEvent(r.Context(), store.Event{
		Title:       req.Title,
		Description: req.Description,
		Venue:       req.Venue,
		ScheduledAt: req.ScheduledAt,
		ImageURL:    req.ImageURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, createdResponse{Response: response.OK(), ID: id})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	if !sessionFrom(r.Context()).Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.Gateway.UpdateEvent(r.Context(), store.Event{
		ID:          chi.URLParam(r, "eventID"),
		Title:       req.Title,
		Description: req.Description,
		Venue:       req.Venue,
		ScheduledAt: req.ScheduledAt,
		ImageURL:    req.ImageURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, response.OK())
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if !sessionFrom(r.Context()).Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	if err := s.Gateway.DeleteEvent(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, response.OK())
}

func (s *Server) handleInterested(w http.ResponseWriter, r *http.Request) {
	records, err := s.Gateway.GetInterestRecords(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, interestedResponse{
		Response: response.OK(),
		Count:    len(records),
		Records:  records,
	})
}

func (s *Server) handleToggleInterest(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.Gateway.GetEvent(r.Context(), eventID); err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := s.Ledger.Toggle(r.Context(), eventID, sessionFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	toggleTotal.Inc()
	render.JSON(w, r, toggleResponse{Response: response.OK(), Outcome: outcome})
}

func (s *Server) handleListNews(w http.ResponseWriter, r *http.Request) {
	items, err := s.Gateway.ListNews(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, newsListResponse{Response: response.OK(), News: items})
}

func (s *Server) handleGetNews(w http.ResponseWriter, r *http.Request) {
	n, err := s.Gateway.GetNews(r.Context(), chi.URLParam(r, "newsID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, newsResponse{Response: response.OK(), News: n})
}

func (s *Server) handleCreateNews(w http.ResponseWriter, r *http.Request) {
	if !sessionFrom(r.Context()).Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	var req newsRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.Gateway.CreateNews(r.Context(), store.News{
		Title:    req.Title,
		Body:     req.Body,
		ImageURL: req.ImageURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, createdResponse{Response: response.OK(), ID: id})
}

func (s *Server) handleUpdateNews(w http.ResponseWriter, r *http.Request) {
	if !sessionFrom(r.Context()).Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	var req newsRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.Gateway.UpdateNews(r.Context(), store.News{
		ID:       chi.URLParam(r, "newsID"),
		Title:    req.Title,
		Body:     req.Body,
		ImageURL: req.ImageURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, response.OK())
}

func (s *Server) handleDeleteNews(w http.ResponseWriter, r *http.Request) {
	if !sessionFrom(r.Context()).Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	if err := s.Gateway.DeleteNews(r.Context(), chi.URLParam(r, "newsID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, response.OK())
}

func (s *Server) handleToggleLike(w http.ResponseWriter, r *http.Request) {
	newsID := chi.URLParam(r, "newsID")
	if _, err := s.Gateway.GetNews(r.Context(), newsID); err != nil {
		s.writeError(w, r, err)
		return
	}
	set, err := s.Engagement.ToggleLike(r.Context(), sessionFrom(r.Context()), newsID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	markTotal.Inc()
	render.JSON(w, r, markResponse{Response: response.OK(), Set: set})
}

func (s *Server) handleToggleBookmark(w http.ResponseWriter, r *http.Request) {
	newsID := chi.URLParam(r, "newsID")
	if _, err := s.Gateway.GetNews(r.Context(), newsID); err != nil {
		s.writeError(w, r, err)
		return
	}
	set, err := s.Engagement.ToggleBookmark(r.Context(), sessionFrom(r.Context()), newsID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	markTotal.Inc()
	render.JSON(w, r, markResponse{Response: response.OK(), Set: set})
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	newsID := chi.URLParam(r, "newsID")
	if _, err := s.Gateway.GetNews(r.Context(), newsID); err != nil {
		s.writeError(w, r, err)
		return
	}
	liked, err := s.Engagement.IsLiked(r.Context(), sess, newsID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bookmarked, err := s.Engagement.IsBookmarked(r.Context(), sess, newsID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, engagementResponse{
		Response:   response.OK(),
		Liked:      liked,
		Bookmarked: bookmarked,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if !sess.Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	p, err := s.Gateway.GetProfile(r.Context(), sess.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, profileResponse{Response: response.OK(), Profile: p})
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if !sess.Valid() {
		s.writeError(w, r, ledger.ErrSessionRequired)
		return
	}
	var req profileRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.Gateway.PutProfile(r.Context(), store.Profile{
		UserID:       sess.UserID,
		FullName:     req.FullName,
		Name:         req.Name,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		Phone:        req.Phone,
		ProfileImage: req.ProfileImage,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, response.OK())
}

// decode reads and validates a JSON body, writing the error response itself
// when something is off. It reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		s.Log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode request"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var validateErrs validator.ValidationErrors
		if errors.As(err, &validateErrs) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationError(validateErrs))
			return false
		}
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrSessionRequired):
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("sign in required"))
	case errors.Is(err, store.ErrNotFound), errors.Is(err, view.ErrUnknownEvent):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("not found"))
	case errors.Is(err, store.ErrPermissionDenied):
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, response.Error("permission denied"))
	case errors.Is(err, store.ErrUnavailable):
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("store unavailable"))
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		s.Log.Error("request failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
	}
}

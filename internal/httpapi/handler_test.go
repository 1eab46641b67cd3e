package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaderlink/engage/internal/engagement"
	"github.com/leaderlink/engage/internal/ledger"
	"github.com/leaderlink/engage/internal/lib/logger/handlers/slogdiscard"
	"github.com/leaderlink/engage/internal/platform/auth"
	"github.com/leaderlink/engage/internal/store"
	"github.com/leaderlink/engage/internal/store/memstore"
	"github.com/leaderlink/engage/internal/view"
)

func newTestServer(t *testing.T) (*Server, *memstore.Store) {
	t.Helper()
	gw := memstore.New()
	mgr := auth.NewManager("test-secret", time.Hour)
	srv := NewServer(gw, ledger.New(gw), engagement.NewService(gw),
		mgr, view.Config{Tick: time.Minute}, slogdiscard.NewDiscardLogger())
	return srv, gw
}

func bearer(t *testing.T, srv *Server, userID, name string) string {
	t.Helper()
	token, err := srv.Auth.Sign(auth.Claims{Subject: userID, Name: name})
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, h http.Handler, method, target, authHeader, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCreateEvent(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		authed     bool
		wantStatus int
		wantError  string
	}{
		{
			name:       "created",
			body:       `{"title":"Leadership Summit","scheduled_at":"2026-10-01T18:00:00Z","venue":"Main Hall"}`,
			authed:     true,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing title",
			body:       `{"scheduled_at":"2026-10-01T18:00:00Z"}`,
			authed:     true,
			wantStatus: http.StatusBadRequest,
			wantError:  "field Title is a required field",
		},
		{
			name:       "invalid json",
			body:       `{"title":`,
			authed:     true,
			wantStatus: http.StatusBadRequest,
			wantError:  "failed to decode request",
		},
		{
			name:       "anonymous rejected",
			body:       `{"title":"X","scheduled_at":"2026-10-01T18:00:00Z"}`,
			authed:     false,
			wantStatus: http.StatusUnauthorized,
			wantError:  "sign in required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			var authHeader string
			if tc.authed {
				authHeader = bearer(t, srv, "u1", "Alice")
			}
			rr := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/events", authHeader, tc.body)
			require.Equal(t, tc.wantStatus, rr.Code)

			var resp struct {
				Status string `json:"status"`
				Error  string `json:"error"`
				ID     string `json:"id"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			if tc.wantError != "" {
				assert.Equal(t, tc.wantError, resp.Error)
				return
			}
			assert.Equal(t, "OK", resp.Status)
			assert.NotEmpty(t, resp.ID)
		})
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/events/nope", "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListEvents_AnonymousOK(t *testing.T) {
	srv, gw := newTestServer(t)
	_, err := gw.CreateEvent(context.Background(), store.Event{Title: "Town Hall", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	rr := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/events", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Events []store.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "Town Hall", resp.Events[0].Title)
}

func TestToggleInterest(t *testing.T) {
	srv, gw := newTestServer(t)
	id, err := gw.CreateEvent(context.Background(), store.Event{Title: "Summit", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	router := srv.Router()
	authHeader := bearer(t, srv, "u1", "Alice")

	rr := doJSON(t, router, http.MethodPost, "/api/v1/events/"+id+"/interest", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "added", resp.Outcome)

	// The record carries the token's display name in the absence of a
	// stored profile.
	records, err := gw.GetInterestRecords(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].Name)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/events/"+id+"/interest", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "removed", resp.Outcome)
}

func TestToggleInterest_Anonymous(t *testing.T) {
	srv, gw := newTestServer(t)
	id, err := gw.CreateEvent(context.Background(), store.Event{Title: "Summit", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	rr := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/events/"+id+"/interest", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestToggleInterest_UnknownEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/events/ghost/interest", bearer(t, srv, "u1", "Alice"), "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInterested_CountAndRecords(t *testing.T) {
	srv, gw := newTestServer(t)
	id, err := gw.CreateEvent(context.Background(), store.Event{Title: "Summit", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	router := srv.Router()

	for _, user := range []string{"u1", "u2", "u3"} {
		rr := doJSON(t, router, http.MethodPost, "/api/v1/events/"+id+"/interest", bearer(t, srv, user, "User "+user), "")
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := doJSON(t, router, http.MethodGet, "/api/v1/events/"+id+"/interested", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Count   int                    `json:"count"`
		Records []store.InterestRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.Len(t, resp.Records, 3)
}

func TestNewsCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	authHeader := bearer(t, srv, "monitor1", "Monitor")

	rr := doJSON(t, router, http.MethodPost, "/api/v1/news", authHeader,
		`{"title":"Chapter meetup recap","body":"Thanks to everyone who came."}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/news/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		News store.News `json:"news"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "Chapter meetup recap", got.News.Title)

	rr = doJSON(t, router, http.MethodPut, "/api/v1/news/"+created.ID, authHeader,
		`{"title":"Chapter meetup recap (updated)"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/news", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		News []store.News `json:"news"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.News, 1)
	assert.Equal(t, "Chapter meetup recap (updated)", list.News[0].Title)

	rr = doJSON(t, router, http.MethodDelete, "/api/v1/news/"+created.ID, authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, router, http.MethodGet, "/api/v1/news/"+created.ID, "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNewsCreate_AnonymousRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/news", "",
		`{"title":"Drive-by"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestNewsMarks_UnknownNews(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/news/ghost/like", bearer(t, srv, "u1", "Alice"), "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNewsMarks(t *testing.T) {
	srv, gw := newTestServer(t)
	router := srv.Router()
	authHeader := bearer(t, srv, "u1", "Alice")
	newsID, err := gw.CreateNews(context.Background(), store.News{Title: "Announcement"})
	require.NoError(t, err)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/news/"+newsID+"/like", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var mark struct {
		Set bool `json:"set"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &mark))
	assert.True(t, mark.Set)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/news/"+newsID+"/bookmark", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/news/"+newsID+"/engagement", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var eng struct {
		Liked      bool `json:"liked"`
		Bookmarked bool `json:"bookmarked"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &eng))
	assert.True(t, eng.Liked)
	assert.True(t, eng.Bookmarked)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/news/"+newsID+"/like", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &mark))
	assert.False(t, mark.Set)
}

func TestProfileRoundTrip(t *testing.T) {
	srv, gw := newTestServer(t)
	router := srv.Router()
	authHeader := bearer(t, srv, "u1", "alice-token")

	rr := doJSON(t, router, http.MethodPut, "/api/v1/profile", authHeader,
		`{"full_name":"Alice Anderson","email":"alice@example.com"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/profile", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Profile store.Profile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Alice Anderson", resp.Profile.FullName)

	// The stored full name takes precedence over the token name on the
	// next interest record.
	id, err := gw.CreateEvent(context.Background(), store.Event{Title: "Summit", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	rr = doJSON(t, router, http.MethodPost, "/api/v1/events/"+id+"/interest", authHeader, "")
	require.Equal(t, http.StatusOK, rr.Code)
	records, err := gw.GetInterestRecords(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Alice Anderson", records[0].Name)
}

func TestReadyz_StoreDown(t *testing.T) {
	srv, gw := newTestServer(t)
	gw.SetFault(store.ErrUnavailable)
	rr := doJSON(t, srv.Router(), http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestExpiredToken_IsAnonymous(t *testing.T) {
	srv, gw := newTestServer(t)
	id, err := gw.CreateEvent(context.Background(), store.Event{Title: "Summit", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	expired := srv.Auth
	expired.Now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := expired.Sign(auth.Claims{Subject: "u1", Name: "Alice"})
	require.NoError(t, err)

	rr := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/events/"+id+"/interest", "Bearer "+token, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStream_DeliversViewEvents(t *testing.T) {
	srv, gw := newTestServer(t)
	id, err := gw.CreateEvent(context.Background(), store.Event{Title: "Summit", ScheduledAt: time.Now().Add(2 * time.Hour)})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", bearer(t, srv, "u1", "Alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	models := readViewEvent(t, bufio.NewReader(resp.Body))
	require.Len(t, models, 1)
	assert.Equal(t, id, models[0].Event.ID)
	assert.Equal(t, 0, models[0].LiveCount)
	assert.False(t, models[0].Interested)
	assert.NotEmpty(t, models[0].CountdownLabel)
}

// readViewEvent scans SSE frames until a "view" event arrives and decodes
// its payload.
func readViewEvent(t *testing.T, r *bufio.Reader) []view.Model {
	t.Helper()
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()

	sawView := false
	for {
		select {
		case <-deadline:
			t.Fatal("no view event before deadline")
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before a view event arrived")
			}
			if line == "event: view" {
				sawView = true
				continue
			}
			if sawView && strings.HasPrefix(line, "data: ") {
				var models []view.Model
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &models))
				return models
			}
		}
	}
}

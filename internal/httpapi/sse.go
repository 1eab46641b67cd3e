package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/leaderlink/engage/internal/lib/logger/sl"
	"github.com/leaderlink/engage/internal/view"
)

const keepAliveInterval = 15 * time.Second

// handleStream attaches one live view to the connection. Every change to the
// reconciled model list is pushed as an SSE "view" event carrying the full
// ordered list; the aggregator and all its subscriptions are torn down when
// the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The sink runs on subscription-callback goroutines, the keep-alive on
	// this one; writeMu keeps their writes whole.
	var writeMu sync.Mutex
	sink := func(models []view.Model) {
		payload, err := json.Marshal(models)
		if err != nil {
			s.Log.Error("failed to encode view models", sl.Err(err))
			return
		}
		writeMu.Lock()
		fmt.Fprintf(w, "event: view\ndata: %s\n\n", payload)
		flusher.Flush()
		writeMu.Unlock()
	}

	agg := view.New(s.Gateway, s.Ledger, sessionFrom(r.Context()), sink, s.Stream, s.Log)
	if err := agg.Start(r.Context()); err != nil {
		s.Log.Error("failed to start live view", sl.Err(err))
		writeMu.Lock()
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", "live view unavailable")
		flusher.Flush()
		writeMu.Unlock()
		return
	}
	defer agg.Close()

	streamsActive.Inc()
	defer streamsActive.Dec()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			writeMu.Lock()
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			writeMu.Unlock()
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saviobatista/fieldtrack/internal/geo"
	"github.com/saviobatista/fieldtrack/internal/stats"
	"github.com/saviobatista/fieldtrack/internal/status"
	"github.com/saviobatista/fieldtrack/internal/types"
)

const (
	dataStatusHeader = "X-Data-Status"
	sessionHeader    = "X-Session-ID"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health reports the state of every registered dependency
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, result)
}

const defaultHistoryRange = 24 * time.Hour

// ListPins returns the pins of the tenant view. ?state= keeps one online state,
// ?order=state lists the most alive pins first.
func (s *Server) ListPins(w http.ResponseWriter, r *http.Request) {
	list := viewFrom(r).Pins.GetPins()

	if raw := r.URL.Query().Get("state"); raw != "" {
		want := types.OnlineState(strings.ToUpper(raw))
		switch want {
		case types.StateOnline, types.StateStale, types.StateOffline:
		default:
			http.Error(w, "Unknown state "+raw, http.StatusBadRequest)
			return
		}
		kept := make([]types.LivePin, 0, len(list))
		for _, p := range list {
			if p.State == want {
				kept = append(kept, p)
			}
		}
		list = kept
	}

	if r.URL.Query().Get("order") == "state" {
		sort.SliceStable(list, func(i, j int) bool {
			return status.Rank(list[i].State) < status.Rank(list[j].State)
		})
	}

	writeJSON(w, http.StatusOK, list)
}

// GetPin returns the pin of one subject
func (s *Server) GetPin(w http.ResponseWriter, r *http.Request) {
	pin, ok := viewFrom(r).Pins.Pin(chi.URLParam(r, "subject"))
	if !ok {
		http.Error(w, "Subject not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

// GetTrace returns a subject's recent trace as GeoJSON, or as raw segments with ?format=segments.
// A failed history query still returns the buffered trace, flagged as degraded.
func (s *Server) GetTrace(w http.ResponseWriter, r *http.Request) {
	view := viewFrom(r)
	if view.Traces == nil {
		http.Error(w, "Traces not available", http.StatusNotFound)
		return
	}
	subjectID := chi.URLParam(r, "subject")

	segments, err := view.Traces.Trace(r.Context(), subjectID)
	if err != nil {
		if !errors.Is(err, types.ErrTransientFetch) {
			http.Error(w, "Failed to build trace: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set(dataStatusHeader, "degraded")
	}

	if r.URL.Query().Get("format") == "segments" {
		writeJSON(w, http.StatusOK, segments)
		return
	}

	data, err := geo.MarshalTrace(segments)
	if err != nil {
		http.Error(w, "Failed to encode trace: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

// GetStats returns the pipeline counters of the tenant view
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	view := viewFrom(r)
	if view.Stats == nil {
		http.Error(w, "Stats not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view.Stats.Snapshot())
}

// GetStatsHistory returns persisted counters between ?from and ?to (RFC 3339), newest first.
// The range defaults to the last 24 hours.
func (s *Server) GetStatsHistory(w http.ResponseWriter, r *http.Request) {
	view := viewFrom(r)
	if view.Stats == nil || view.History == nil {
		http.Error(w, "Stats history not available", http.StatusNotFound)
		return
	}

	end := time.Now().UTC()
	start := end.Add(-defaultHistoryRange)
	var err error
	if raw := r.URL.Query().Get("to"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "Invalid to: "+err.Error(), http.StatusBadRequest)
			return
		}
		start = end.Add(-defaultHistoryRange)
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "Invalid from: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if !start.Before(end) {
		http.Error(w, "from must be before to", http.StatusBadRequest)
		return
	}

	snaps, err := view.History.GetSystemStats(r.Context(), view.Stats.Snapshot().View, start, end)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read stats history")
		http.Error(w, "Failed to read stats history", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []stats.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// StreamPins sends the pin list as server-sent events, first immediately and
// then on every change, until the client goes away.
func (s *Server) StreamPins(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	view := viewFrom(r)
	session := uuid.NewString()
	logger := s.logger.With().Str("session", session).Str("tenant", chi.URLParam(r, "tenant")).Logger()

	// holds only the newest list; a slow client skips intermediate versions
	updates := make(chan []types.LivePin, 1)
	unsubscribe := view.Pins.Subscribe(func(pins []types.LivePin) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- pins:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionHeader, session)
	w.WriteHeader(http.StatusOK)

	logger.Info().Msg("Pin stream opened")
	defer logger.Info().Msg("Pin stream closed")

	if err := writeEvent(w, "pins", view.Pins.GetPins()); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case pins := <-updates:
			if err := writeEvent(w, "pins", pins); err != nil {
				logger.Debug().Err(err).Msg("Error writing pin event")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

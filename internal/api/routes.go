package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/saviobatista/fieldtrack/internal/pins"
	"github.com/saviobatista/fieldtrack/internal/stats"
	"github.com/saviobatista/fieldtrack/internal/types"
)

// PinSource is the live pin state of one tenant view
type PinSource interface {
	GetPins() []types.LivePin
	Pin(subjectID string) (types.LivePin, bool)
	Subscribe(o pins.Observer) func()
}

// TraceSource builds a subject's recent trace
type TraceSource interface {
	Trace(ctx context.Context, subjectID string) ([]types.TraceSegment, error)
}

// StatsSource reports pipeline counters
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// StatsHistory reads persisted pipeline counters
type StatsHistory interface {
	GetSystemStats(ctx context.Context, view string, start, end time.Time) ([]stats.Snapshot, error)
}

// View bundles what the API serves for one tenant
type View struct {
	Pins    PinSource
	Traces  TraceSource
	Stats   StatsSource
	History StatsHistory
}

// HealthCheck reports whether a backing service is reachable
type HealthCheck func(ctx context.Context) error

// Server serves pins and traces of the configured tenant views
type Server struct {
	views     map[string]View
	checks    map[string]HealthCheck
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewServer creates an API server over views keyed by tenant id
func NewServer(views map[string]View, logger zerolog.Logger) *Server {
	return &Server{
		views:     views,
		checks:    make(map[string]HealthCheck),
		logger:    logger.With().Str("component", "api").Logger(),
		keepAlive: 15 * time.Second,
	}
}

// AddHealthCheck registers a named dependency check for /healthz
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Routes returns the HTTP handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.Health)

	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Use(s.requireView)

		r.Get("/pins", s.ListPins)
		r.Get("/pins/stream", s.StreamPins)
		r.Get("/pins/{subject}", s.GetPin)
		r.Get("/subjects/{subject}/trace", s.GetTrace)
		r.Get("/stats", s.GetStats)
		r.Get("/stats/history", s.GetStatsHistory)
	})

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

type viewKey struct{}

func (s *Server) requireView(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view, ok := s.views[chi.URLParam(r, "tenant")]
		if !ok {
			http.Error(w, "Unknown tenant", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewKey{}, view)))
	})
}

func viewFrom(r *http.Request) View {
	v, _ := r.Context().Value(viewKey{}).(View)
	return v
}

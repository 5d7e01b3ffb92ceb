package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store persists statistics snapshots
type Store interface {
	StoreSystemStats(ctx context.Context, snap Snapshot) error
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Time               time.Time
	View               string
	PushedSamples      uint64
	AcceptedSamples    uint64
	OutOfOrderSamples  uint64
	InvalidSamples     uint64
	SnapshotLoads      uint64
	SnapshotFailures   uint64
	SnapshotSamples    uint64
	EnrichmentFailures uint64
	SubscriptionDrops  uint64
	Reconnects         uint64
	PinsOnline         uint64
	PinsStale          uint64
	PinsOffline        uint64
	LastSampleTime     time.Time
	Uptime             time.Duration
}

// Stats tracks pipeline statistics for one tenant view
type Stats struct {
	view string

	// Sample counts
	PushedSamples     uint64
	AcceptedSamples   uint64
	OutOfOrderSamples uint64
	InvalidSamples    uint64

	// Reconciliation
	SnapshotLoads      uint64
	SnapshotFailures   uint64
	SnapshotSamples    uint64
	EnrichmentFailures uint64

	// Transport
	SubscriptionDrops uint64
	Reconnects        uint64

	// Pin states
	PinsOnline  uint64
	PinsStale   uint64
	PinsOffline uint64

	// Timing
	LastSampleTime time.Time
	StartTime      time.Time

	// Store for persistence
	store Store

	mu sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	return &Stats{StartTime: time.Now()}
}

// NewForView creates a Stats instance labelled with a view name
func NewForView(view string) *Stats {
	s := New()
	s.view = view
	return s
}

// SetStore sets the store for persistence
func (s *Stats) SetStore(store Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// Persist stores the current statistics
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("stats store not set")
	}
	return store.StoreSystemStats(ctx, s.Snapshot())
}

// IncrementPushedSamples counts a sample delivered by the push feed
func (s *Stats) IncrementPushedSamples() {
	atomic.AddUint64(&s.PushedSamples, 1)
	s.mu.Lock()
	s.LastSampleTime = time.Now()
	s.mu.Unlock()
}

// IncrementAcceptedSamples counts a pushed sample that replaced a pin's last sample
func (s *Stats) IncrementAcceptedSamples() {
	atomic.AddUint64(&s.AcceptedSamples, 1)
}

// IncrementOutOfOrderSamples counts a pushed sample that was not newer than the held one
func (s *Stats) IncrementOutOfOrderSamples() {
	atomic.AddUint64(&s.OutOfOrderSamples, 1)
}

// IncrementInvalidSamples counts a dropped malformed sample
func (s *Stats) IncrementInvalidSamples() {
	atomic.AddUint64(&s.InvalidSamples, 1)
}

// IncrementSnapshotLoads counts a snapshot query
func (s *Stats) IncrementSnapshotLoads() {
	atomic.AddUint64(&s.SnapshotLoads, 1)
}

// IncrementSnapshotFailures counts a failed snapshot query
func (s *Stats) IncrementSnapshotFailures() {
	atomic.AddUint64(&s.SnapshotFailures, 1)
}

// IncrementSnapshotSamples counts a snapshot sample that advanced a pin
func (s *Stats) IncrementSnapshotSamples() {
	atomic.AddUint64(&s.SnapshotSamples, 1)
}

// IncrementEnrichmentFailures counts a failed identity lookup
func (s *Stats) IncrementEnrichmentFailures() {
	atomic.AddUint64(&s.EnrichmentFailures, 1)
}

// IncrementSubscriptionDrops counts a lost push transport
func (s *Stats) IncrementSubscriptionDrops() {
	atomic.AddUint64(&s.SubscriptionDrops, 1)
}

// IncrementReconnects counts a restored push transport
func (s *Stats) IncrementReconnects() {
	atomic.AddUint64(&s.Reconnects, 1)
}

// SetPinStates sets the number of pins per online state
func (s *Stats) SetPinStates(online, stale, offline uint64) {
	atomic.StoreUint64(&s.PinsOnline, online)
	atomic.StoreUint64(&s.PinsStale, stale)
	atomic.StoreUint64(&s.PinsOffline, offline)
}

// Snapshot returns a copy of the current statistics
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Time:               time.Now(),
		View:               s.view,
		PushedSamples:      atomic.LoadUint64(&s.PushedSamples),
		AcceptedSamples:    atomic.LoadUint64(&s.AcceptedSamples),
		OutOfOrderSamples:  atomic.LoadUint64(&s.OutOfOrderSamples),
		InvalidSamples:     atomic.LoadUint64(&s.InvalidSamples),
		SnapshotLoads:      atomic.LoadUint64(&s.SnapshotLoads),
		SnapshotFailures:   atomic.LoadUint64(&s.SnapshotFailures),
		SnapshotSamples:    atomic.LoadUint64(&s.SnapshotSamples),
		EnrichmentFailures: atomic.LoadUint64(&s.EnrichmentFailures),
		SubscriptionDrops:  atomic.LoadUint64(&s.SubscriptionDrops),
		Reconnects:         atomic.LoadUint64(&s.Reconnects),
		PinsOnline:         atomic.LoadUint64(&s.PinsOnline),
		PinsStale:          atomic.LoadUint64(&s.PinsStale),
		PinsOffline:        atomic.LoadUint64(&s.PinsOffline),
		LastSampleTime:     s.LastSampleTime,
		Uptime:             time.Since(s.StartTime),
	}
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf(
		"Pushed Samples: %d\n"+
			"Accepted Samples: %d\n"+
			"Out Of Order Samples: %d\n"+
			"Invalid Samples: %d\n"+
			"Snapshot Loads: %d (failed %d)\n"+
			"Enrichment Failures: %d\n"+
			"Subscription Drops: %d (reconnects %d)\n"+
			"Pins: %d online, %d stale, %d offline\n"+
			"Uptime: %s",
		snap.PushedSamples,
		snap.AcceptedSamples,
		snap.OutOfOrderSamples,
		snap.InvalidSamples,
		snap.SnapshotLoads, snap.SnapshotFailures,
		snap.EnrichmentFailures,
		snap.SubscriptionDrops, snap.Reconnects,
		snap.PinsOnline, snap.PinsStale, snap.PinsOffline,
		snap.Uptime.Round(time.Second),
	)
}

// RegisterMetrics exposes the counters as OpenTelemetry observable instruments
func (s *Stats) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	counters := map[string]*uint64{
		"fieldtrack.samples.pushed":          &s.PushedSamples,
		"fieldtrack.samples.accepted":        &s.AcceptedSamples,
		"fieldtrack.samples.out_of_order":    &s.OutOfOrderSamples,
		"fieldtrack.samples.invalid":         &s.InvalidSamples,
		"fieldtrack.snapshot.loads":          &s.SnapshotLoads,
		"fieldtrack.snapshot.failures":       &s.SnapshotFailures,
		"fieldtrack.enrichment.failures":     &s.EnrichmentFailures,
		"fieldtrack.subscription.drops":      &s.SubscriptionDrops,
		"fieldtrack.subscription.reconnects": &s.Reconnects,
	}

	observed := make(map[metric.Int64ObservableCounter]*uint64, len(counters))
	instruments := make([]metric.Observable, 0, len(counters)+1)
	for name, ptr := range counters {
		c, err := meter.Int64ObservableCounter(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
		}
		observed[c] = ptr
		instruments = append(instruments, c)
	}

	pins, err := meter.Int64ObservableGauge("fieldtrack.pins", metric.WithDescription("Pins per online state"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pins gauge: %w", err)
	}
	instruments = append(instruments, pins)

	view := attribute.String("view", s.view)
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for c, ptr := range observed {
			o.ObserveInt64(c, int64(atomic.LoadUint64(ptr)), metric.WithAttributes(view))
		}
		o.ObserveInt64(pins, int64(atomic.LoadUint64(&s.PinsOnline)), metric.WithAttributes(view, attribute.String("state", "online")))
		o.ObserveInt64(pins, int64(atomic.LoadUint64(&s.PinsStale)), metric.WithAttributes(view, attribute.String("state", "stale")))
		o.ObserveInt64(pins, int64(atomic.LoadUint64(&s.PinsOffline)), metric.WithAttributes(view, attribute.String("state", "offline")))
		return nil
	}, instruments...)
}

// StartLogging periodically logs statistics until ctx is done
func (s *Stats) StartLogging(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			logger.Info().
				Str("view", snap.View).
				Uint64("pushed", snap.PushedSamples).
				Uint64("accepted", snap.AcceptedSamples).
				Uint64("out_of_order", snap.OutOfOrderSamples).
				Uint64("invalid", snap.InvalidSamples).
				Uint64("snapshot_failures", snap.SnapshotFailures).
				Uint64("pins_online", snap.PinsOnline).
				Uint64("pins_stale", snap.PinsStale).
				Uint64("pins_offline", snap.PinsOffline).
				Msg("Statistics")
		}
	}
}

// StartPersistence starts periodic persistence of statistics
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final persistence before shutdown
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Persist(flushCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to persist final statistics")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to persist statistics")
			}
		}
	}
}

// Package pins owns the reconciled live map state of one tenant view.
package pins

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/stats"
	"github.com/saviobatista/fieldtrack/internal/status"
	"github.com/saviobatista/fieldtrack/internal/types"
)

// ErrClosed is returned for work that completes after the view was torn down
var ErrClosed = errors.New("pin engine closed")

// enrichmentConcurrency bounds parallel identity lookups during a snapshot
const enrichmentConcurrency = 8

// SnapshotSource returns the latest sample per subject in a single round trip.
// An empty subjectIDs means every subject of the tenant.
type SnapshotSource interface {
	LatestSamples(ctx context.Context, tenantID string, subjectIDs []string) ([]*types.LocationSample, error)
}

// ProfileResolver returns display metadata for a subject
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, subjectID string) (*types.Profile, error)
}

// SampleRecorder receives every accepted sample, e.g. to buffer it for traces
type SampleRecorder interface {
	Record(sample *types.LocationSample)
}

// Observer is notified with the full pin list whenever it changes
type Observer func(pins []types.LivePin)

type pinEntry struct {
	sample   *types.LocationSample
	state    types.OnlineState
	profile  types.Profile
	resolved bool
}

// Engine is the single source of truth for the pins of one tenant view
type Engine struct {
	tenantID   string
	classifier status.Classifier
	snapshots  SnapshotSource
	profiles   ProfileResolver
	recorder   SampleRecorder
	stats      *stats.Stats
	logger     zerolog.Logger
	now        func() time.Time

	pollInterval      time.Duration
	reconcileInterval time.Duration
	maxBackoff        time.Duration

	mu         sync.Mutex
	pins       map[string]*pinEntry
	generation uint64
	closed     bool
	version    uint64
	// enrichCtx is cancelled on Close so background lookups stop
	enrichCtx    context.Context
	cancelEnrich context.CancelFunc
	enriching    map[string]bool

	obsMu        sync.Mutex
	observers    map[int]Observer
	nextObserver int

	// deliverMu orders deliveries; observers run without obsMu held
	deliverMu sync.Mutex
	delivered uint64
}

// Option customises an Engine
type Option func(*Engine)

// WithRecorder forwards accepted samples to r
func WithRecorder(r SampleRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithStats records engine activity in s
func WithStats(s *stats.Stats) Option {
	return func(e *Engine) { e.stats = s }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for one tenant view
func NewEngine(tenantID string, snapshots SnapshotSource, profiles ProfileResolver, cfg config.Tracking, logger zerolog.Logger, opts ...Option) *Engine {
	enrichCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		tenantID:          tenantID,
		classifier:        status.NewClassifier(cfg),
		snapshots:         snapshots,
		profiles:          profiles,
		logger:            logger.With().Str("component", "pins").Str("tenant", tenantID).Logger(),
		now:               time.Now,
		pollInterval:      cfg.PollInterval,
		reconcileInterval: cfg.ReconcileInterval,
		maxBackoff:        cfg.MaxBackoff,
		pins:              make(map[string]*pinEntry),
		enrichCtx:         enrichCtx,
		cancelEnrich:      cancel,
		enriching:         make(map[string]bool),
		observers:         make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.stats == nil {
		e.stats = stats.New()
	}
	return e
}

// TenantID returns the tenant this engine serves
func (e *Engine) TenantID() string {
	return e.tenantID
}

// LoadSnapshot reconciles the pins with the latest sample of each subject.
// On failure the held pins are left untouched and returned together with a
// *types.TransientFetchError.
func (e *Engine) LoadSnapshot(ctx context.Context, subjectIDs []string) ([]types.LivePin, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	generation := e.generation
	e.mu.Unlock()

	e.stats.IncrementSnapshotLoads()
	samples, err := e.snapshots.LatestSamples(ctx, e.tenantID, subjectIDs)
	if err != nil {
		e.stats.IncrementSnapshotFailures()
		e.logger.Warn().Err(err).Msg("Snapshot query failed, keeping last known pins")
		return e.GetPins(), &types.TransientFetchError{Op: "snapshot", TenantID: e.tenantID, Err: err}
	}

	valid := make([]*types.LocationSample, 0, len(samples))
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			e.stats.IncrementInvalidSamples()
			e.logger.Warn().Err(err).Msg("Dropping invalid snapshot sample")
			continue
		}
		valid = append(valid, s)
	}

	profiles := e.resolveProfiles(ctx, valid)

	e.mu.Lock()
	if e.closed || e.generation != generation {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	now := e.now()
	changed := false
	for _, s := range valid {
		if e.acceptLocked(s, now) {
			changed = true
			e.stats.IncrementSnapshotSamples()
			if e.recorder != nil {
				e.recorder.Record(s)
			}
		}
		if p, ok := profiles[s.SubjectID]; ok && e.setProfileLocked(s.SubjectID, p) {
			changed = true
		}
	}
	pins, version := e.commitLocked(changed)
	if pins == nil {
		pins = e.snapshotLocked()
	}
	e.mu.Unlock()

	e.notify(pins, version)
	return pins, nil
}

type resolvedProfile struct {
	profile  types.Profile
	resolved bool
}

// resolveProfiles looks up every subject once for this reconciliation cycle.
// Lookup failures degrade to placeholders.
func (e *Engine) resolveProfiles(ctx context.Context, samples []*types.LocationSample) map[string]resolvedProfile {
	out := make(map[string]resolvedProfile, len(samples))
	if e.profiles == nil {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichmentConcurrency)
	seen := make(map[string]bool, len(samples))
	for _, s := range samples {
		subjectID := s.SubjectID
		if seen[subjectID] {
			continue
		}
		seen[subjectID] = true

		g.Go(func() error {
			rp := e.lookupProfile(gctx, subjectID)
			mu.Lock()
			out[subjectID] = rp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) lookupProfile(ctx context.Context, subjectID string) resolvedProfile {
	p, err := e.profiles.ResolveProfile(ctx, subjectID)
	if err != nil || p == nil {
		if err == nil {
			err = errors.New("profile not found")
		}
		e.stats.IncrementEnrichmentFailures()
		e.logger.Warn().Err(&types.EnrichmentError{SubjectID: subjectID, Err: err}).Msg("Using placeholder profile")
		return resolvedProfile{profile: types.PlaceholderProfile(subjectID)}
	}
	return resolvedProfile{profile: *p, resolved: true}
}

// ApplyIncrementalUpdate applies a pushed sample. It is a no-op unless the sample
// is strictly newer than the one held for the subject. Reports whether the sample
// was accepted.
func (e *Engine) ApplyIncrementalUpdate(sample *types.LocationSample) bool {
	e.stats.IncrementPushedSamples()
	if err := sample.Validate(); err != nil {
		e.stats.IncrementInvalidSamples()
		e.logger.Warn().Err(err).Msg("Dropping invalid pushed sample")
		return false
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	held, known := e.pins[sample.SubjectID]
	// a redelivery of the held sample would only take ring space
	if e.recorder != nil && (!known || !held.sample.Timestamp.Equal(sample.Timestamp)) {
		e.recorder.Record(sample)
	}
	accepted := e.acceptLocked(sample, e.now())
	if !accepted {
		e.mu.Unlock()
		e.stats.IncrementOutOfOrderSamples()
		return false
	}
	enrich := !known && e.profiles != nil && !e.enriching[sample.SubjectID]
	if enrich {
		e.enriching[sample.SubjectID] = true
	}
	generation := e.generation
	pins, version := e.commitLocked(true)
	e.mu.Unlock()

	e.stats.IncrementAcceptedSamples()
	e.notify(pins, version)

	if enrich {
		go e.enrich(sample.SubjectID, generation)
	}
	return true
}

// enrich resolves the profile of a subject first seen on the push path
func (e *Engine) enrich(subjectID string, generation uint64) {
	rp := e.lookupProfile(e.enrichCtx, subjectID)

	e.mu.Lock()
	delete(e.enriching, subjectID)
	if e.closed || e.generation != generation {
		e.mu.Unlock()
		return
	}
	changed := e.setProfileLocked(subjectID, rp)
	pins, version := e.commitLocked(changed)
	e.mu.Unlock()

	e.notify(pins, version)
}

// Tick re-evaluates the online state of every pin at now
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	changed := false
	for _, entry := range e.pins {
		state := e.classifier.Classify(entry.sample.Timestamp, now)
		if state != entry.state {
			entry.state = state
			changed = true
		}
	}
	pins, version := e.commitLocked(changed)
	e.mu.Unlock()

	e.notify(pins, version)
}

// GetPins returns a copy of the current pins ordered by subject id
func (e *Engine) GetPins() []types.LivePin {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Pin returns the current pin of one subject
func (e *Engine) Pin(subjectID string) (types.LivePin, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pins[subjectID]
	if !ok {
		return types.LivePin{}, false
	}
	return toLivePin(subjectID, entry), true
}

// Subscribe registers an observer and returns a function that removes it
func (e *Engine) Subscribe(o Observer) func() {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = o
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// Close tears the view down. Late snapshot or enrichment results are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.generation++
	e.mu.Unlock()

	e.cancelEnrich()

	e.obsMu.Lock()
	e.observers = make(map[int]Observer)
	e.obsMu.Unlock()
}

// Closed reports whether Close was called
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// acceptLocked keeps the sample with the greatest timestamp per subject.
// Equal timestamps keep the sample that arrived first.
func (e *Engine) acceptLocked(s *types.LocationSample, now time.Time) bool {
	entry, ok := e.pins[s.SubjectID]
	if ok && !s.Timestamp.After(entry.sample.Timestamp) {
		return false
	}
	if !ok {
		entry = &pinEntry{profile: types.PlaceholderProfile(s.SubjectID)}
		e.pins[s.SubjectID] = entry
	}
	entry.sample = s
	entry.state = e.classifier.Classify(s.Timestamp, now)
	return true
}

func (e *Engine) setProfileLocked(subjectID string, rp resolvedProfile) bool {
	entry, ok := e.pins[subjectID]
	if !ok {
		return false
	}
	// a failed lookup keeps a profile resolved in an earlier cycle
	if !rp.resolved && entry.resolved {
		return false
	}
	if entry.profile == rp.profile && entry.resolved == rp.resolved {
		return false
	}
	entry.profile = rp.profile
	entry.resolved = rp.resolved
	return true
}

// commitLocked bumps the version when something changed and returns what observers should see
func (e *Engine) commitLocked(changed bool) ([]types.LivePin, uint64) {
	e.updateGaugesLocked()
	if !changed {
		return nil, 0
	}
	e.version++
	return e.snapshotLocked(), e.version
}

func (e *Engine) updateGaugesLocked() {
	var online, stale, offline uint64
	for _, entry := range e.pins {
		switch entry.state {
		case types.StateOnline:
			online++
		case types.StateStale:
			stale++
		default:
			offline++
		}
	}
	e.stats.SetPinStates(online, stale, offline)
}

func (e *Engine) snapshotLocked() []types.LivePin {
	out := make([]types.LivePin, 0, len(e.pins))
	for id, entry := range e.pins {
		out = append(out, toLivePin(id, entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

func toLivePin(subjectID string, entry *pinEntry) types.LivePin {
	s := *entry.sample
	return types.LivePin{
		SubjectID:       subjectID,
		LastSample:      s,
		State:           entry.state,
		DisplayName:     entry.profile.DisplayName,
		AvatarURL:       entry.profile.AvatarURL,
		ProfileResolved: entry.resolved,
		MockLocation:    s.IsMockLocation,
		BatteryPercent:  s.BatteryPercent,
		IsCharging:      s.IsCharging,
	}
}

// notify delivers pins to observers unless a newer version was already delivered
func (e *Engine) notify(pins []types.LivePin, version uint64) {
	if version == 0 {
		return
	}

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if version <= e.delivered {
		return
	}
	e.delivered = version

	e.obsMu.Lock()
	observers := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		observers = append(observers, o)
	}
	e.obsMu.Unlock()

	for _, o := range observers {
		o(pins)
	}
}

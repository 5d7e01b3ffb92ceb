package trace

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/types"
)

// HistorySource is the historical window query of the position feed
type HistorySource interface {
	SampleHistory(ctx context.Context, tenantID, subjectID string, from, to time.Time) ([]*types.LocationSample, error)
}

// Service builds traces for one tenant view from the history query and the in-memory window
type Service struct {
	tenantID  string
	history   HistorySource
	window    *Window
	segmenter *Segmenter
	lookback  time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a trace service. history may be nil, in which case only buffered samples are used.
func NewService(tenantID string, history HistorySource, cfg config.Tracking, logger zerolog.Logger) *Service {
	return &Service{
		tenantID:  tenantID,
		history:   history,
		window:    NewWindow(cfg.RingSize, cfg.LookbackWindow),
		segmenter: NewSegmenter(ThresholdsFrom(cfg)),
		lookback:  cfg.LookbackWindow,
		logger:    logger.With().Str("tenant", tenantID).Logger(),
		now:       time.Now,
	}
}

// Record buffers a live sample for the subject's trace
func (s *Service) Record(sample *types.LocationSample) {
	s.window.Record(sample)
}

// Window exposes the raw sample buffer
func (s *Service) Window() *Window {
	return s.window
}

// Trace returns the subject's segments over the lookback window. When the history
// query fails the buffered samples are segmented instead and the failure is returned
// alongside the result as a *types.TransientFetchError.
func (s *Service) Trace(ctx context.Context, subjectID string) ([]types.TraceSegment, error) {
	now := s.now()
	buffered := s.window.Samples(subjectID, now)

	if s.history == nil {
		return s.segmenter.Segment(buffered, subjectID), nil
	}

	history, err := s.history.SampleHistory(ctx, s.tenantID, subjectID, now.Add(-s.lookback), now)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", subjectID).Msg("History query failed, using buffered samples")
		return s.segmenter.Segment(buffered, subjectID), &types.TransientFetchError{Op: "history", TenantID: s.tenantID, Err: err}
	}

	// Prepare inside Segment sorts and drops duplicates delivered by both paths
	merged := make([]*types.LocationSample, 0, len(history)+len(buffered))
	merged = append(merged, history...)
	merged = append(merged, buffered...)
	return s.segmenter.Segment(merged, subjectID), nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/fieldtrack/internal/capture"
	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/db"
	"github.com/saviobatista/fieldtrack/internal/logging"
	"github.com/saviobatista/fieldtrack/internal/nats"
	"github.com/saviobatista/fieldtrack/internal/parser"
	"github.com/saviobatista/fieldtrack/internal/redis"
	"github.com/saviobatista/fieldtrack/internal/stats"
	"github.com/saviobatista/fieldtrack/internal/storage"
	"github.com/saviobatista/fieldtrack/internal/types"
)

// Publisher interface for testability
type Publisher interface {
	PublishSample(sample *types.LocationSample) error
}

// SampleStore interface for testability
type SampleStore interface {
	StoreSample(ctx context.Context, sample *types.LocationSample) error
}

// TimestampGuard remembers the newest accepted timestamp per subject
type TimestampGuard interface {
	GetLastAccepted(ctx context.Context, tenantID, subjectID string) (time.Time, error)
	SetLastAccepted(ctx context.Context, tenantID, subjectID string, ts time.Time) error
}

// Archiver keeps the raw report lines as received
type Archiver interface {
	WriteMessage(message []byte) error
}

// Ingestor validates device reports and fans them out to storage and the push feed
type Ingestor struct {
	publisher Publisher
	store     SampleStore
	guard     TimestampGuard
	archive   Archiver
	tolerance time.Duration
	stats     *stats.Stats
	logger    zerolog.Logger
	now       func() time.Time
}

// NewIngestor creates an ingestor. guard may be nil.
func NewIngestor(publisher Publisher, store SampleStore, guard TimestampGuard, tolerance time.Duration, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		publisher: publisher,
		store:     store,
		guard:     guard,
		tolerance: tolerance,
		stats:     stats.NewForView("ingestor"),
		logger:    logger,
		now:       time.Now,
	}
}

// SetArchiver archives every raw report before it is parsed
func (i *Ingestor) SetArchiver(archive Archiver) {
	i.archive = archive
}

// ProcessMessage handles one raw report. Invalid reports return a *types.InvalidSampleError.
func (i *Ingestor) ProcessMessage(ctx context.Context, msg capture.Message) error {
	if i.archive != nil {
		if err := i.archive.WriteMessage(msg.Data); err != nil {
			i.logger.Warn().Err(err).Msg("Failed to archive report")
		}
	}

	sample, err := parser.ParseSample(msg.Data, msg.Timestamp)
	if err != nil {
		i.stats.IncrementInvalidSamples()
		return err
	}
	if sample == nil {
		return nil
	}
	i.stats.IncrementPushedSamples()

	var last time.Time
	if i.guard != nil {
		last, err = i.guard.GetLastAccepted(ctx, sample.TenantID, sample.SubjectID)
		if err != nil {
			i.logger.Warn().Err(err).Str("subject", sample.SubjectID).Msg("Failed to read last accepted timestamp")
		}
	}
	if err := parser.CheckTimestamp(sample, last, i.now(), i.tolerance); err != nil {
		i.stats.IncrementInvalidSamples()
		return err
	}

	if err := i.store.StoreSample(ctx, sample); err != nil {
		// the push feed still carries the sample; the snapshot catches up on the next write
		i.logger.Warn().Err(err).Str("subject", sample.SubjectID).Msg("Failed to store sample")
	}

	if err := i.publisher.PublishSample(sample); err != nil {
		return fmt.Errorf("failed to publish sample: %w", err)
	}
	i.stats.IncrementAcceptedSamples()

	if i.guard != nil && sample.Timestamp.After(last) {
		if err := i.guard.SetLastAccepted(ctx, sample.TenantID, sample.SubjectID, sample.Timestamp); err != nil {
			i.logger.Warn().Err(err).Str("subject", sample.SubjectID).Msg("Failed to record last accepted timestamp")
		}
	}
	return nil
}

// Consume processes messages until the channel closes or ctx is done
func (i *Ingestor) Consume(ctx context.Context, messages <-chan capture.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := i.ProcessMessage(ctx, msg); err != nil {
				i.logger.Warn().Err(err).Str("source", msg.Source).Msg("Dropping report")
			}
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("SOURCES environment variable is required")
	}

	natsClient, err := nats.New(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create NATS client: %w", err)
	}
	defer natsClient.Close()

	dbClient, err := db.New(cfg.DBConnStr)
	if err != nil {
		return fmt.Errorf("failed to create database client: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing database client")
		}
	}()

	var guard TimestampGuard
	redisClient, err := redis.New(cfg.RedisAddr)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, timestamp regression guard disabled")
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("Error closing Redis client")
			}
		}()
		guard = redisClient
	}

	ingestor := NewIngestor(natsClient, dbClient, guard, cfg.Tracking.TimestampTolerance, logging.Component(logger, "ingestor"))
	ingestor.stats.SetStore(dbClient)

	if cfg.ArchiveDir != "" {
		archive := storage.New(cfg.ArchiveDir, logger)
		if err := archive.Start(); err != nil {
			return fmt.Errorf("failed to start report archive: %w", err)
		}
		defer func() {
			if err := archive.Stop(); err != nil {
				logger.Warn().Err(err).Msg("Error closing report archive")
			}
		}()
		ingestor.SetArchiver(archive)
	}
	go ingestor.stats.StartLogging(ctx, time.Minute, logger)
	go ingestor.stats.StartPersistence(ctx, 5*time.Minute, logger)

	capt := capture.New(cfg.Sources, logger)
	if err := capt.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	defer capt.Stop()

	logger.Info().Strs("sources", cfg.Sources).Msg("Ingestor started")
	ingestor.Consume(ctx, capt.Messages())
	logger.Info().Msg("Shutting down...")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With().Str("service", "ingestor").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Ingestor failed")
		os.Exit(1)
	}
}

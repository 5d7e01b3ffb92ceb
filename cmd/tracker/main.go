package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/saviobatista/fieldtrack/internal/api"
	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/db"
	"github.com/saviobatista/fieldtrack/internal/identity"
	"github.com/saviobatista/fieldtrack/internal/logging"
	"github.com/saviobatista/fieldtrack/internal/nats"
	"github.com/saviobatista/fieldtrack/internal/pins"
	"github.com/saviobatista/fieldtrack/internal/redis"
	"github.com/saviobatista/fieldtrack/internal/stats"
	"github.com/saviobatista/fieldtrack/internal/trace"
	"github.com/saviobatista/fieldtrack/internal/types"
)

const instrumentationName = "github.com/saviobatista/fieldtrack/cmd/tracker"

// Store is the relational backend the tracker reads from
type Store interface {
	pins.SnapshotSource
	trace.HistorySource
	stats.Store
	api.StatsHistory
}

// natsFeed adapts the NATS client to the engine's push feed
type natsFeed struct {
	client *nats.Client
}

func (f natsFeed) SubscribeSamples(tenantID string, handler func(*types.LocationSample)) (pins.Subscription, error) {
	sub, err := f.client.SubscribeSamples(tenantID, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (f natsFeed) AddConnectionListener(listener func(types.ConnectionEvent)) func() {
	return f.client.AddConnectionListener(listener)
}

// tenantView is the live map state of one tenant
type tenantView struct {
	tenantID string
	engine   *pins.Engine
	traces   *trace.Service
	stats    *stats.Stats
}

// buildViews creates one engine and trace service per tenant. profilesFor
// returns the profile resolver of a tenant.
func buildViews(tenants []string, store Store, profilesFor func(tenantID string) pins.ProfileResolver, tracking config.Tracking, logger zerolog.Logger) ([]*tenantView, error) {
	if len(tenants) == 0 {
		return nil, fmt.Errorf("TENANTS environment variable is required")
	}

	views := make([]*tenantView, 0, len(tenants))
	for _, tenantID := range tenants {
		st := stats.NewForView(tenantID)
		st.SetStore(store)
		traces := trace.NewService(tenantID, store, tracking, logging.Component(logger, "trace"))
		engine := pins.NewEngine(tenantID, store, profilesFor(tenantID), tracking, logger,
			pins.WithRecorder(traces),
			pins.WithStats(st),
		)
		views = append(views, &tenantView{tenantID: tenantID, engine: engine, traces: traces, stats: st})
	}
	return views, nil
}

func apiViews(views []*tenantView, history api.StatsHistory) map[string]api.View {
	out := make(map[string]api.View, len(views))
	for _, v := range views {
		out[v.tenantID] = api.View{Pins: v.engine, Traces: v.traces, Stats: v.stats, History: history}
	}
	return out
}

// runViews runs every engine with its statistics loops until ctx is done
func runViews(ctx context.Context, views []*tenantView, feed pins.Feed, meter metric.Meter, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range views {
		if meter != nil {
			reg, err := v.stats.RegisterMetrics(meter)
			if err != nil {
				logger.Warn().Err(err).Str("tenant", v.tenantID).Msg("Failed to register metrics")
			} else {
				defer func() { _ = reg.Unregister() }()
			}
		}

		statsLogger := logger.With().Str("tenant", v.tenantID).Logger()
		g.Go(func() error { return v.engine.Run(gctx, feed, nil) })
		g.Go(func() error {
			v.stats.StartLogging(gctx, time.Minute, statsLogger)
			return nil
		})
		g.Go(func() error {
			v.stats.StartPersistence(gctx, 5*time.Minute, statsLogger)
			return nil
		})
	}
	return g.Wait()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if len(cfg.Tenants) == 0 {
		return fmt.Errorf("TENANTS environment variable is required")
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
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = dbClient.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var cache identity.ProfileCache
	redisClient, err := redis.New(cfg.RedisAddr)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, profiles will not be cached")
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("Error closing Redis client")
			}
		}()
		cache = redisClient
	}

	signer := identity.NewSigner(cfg.AvatarBaseURL, cfg.AvatarSigningKey, cfg.AvatarURLTTL)
	resolver := identity.NewResolver(dbClient, cache, signer, cfg.ProfileCacheTTL, logger)

	profilesFor := func(tenantID string) pins.ProfileResolver { return resolver.ForTenant(tenantID) }
	views, err := buildViews(cfg.Tenants, dbClient, profilesFor, cfg.Tracking, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(apiViews(views, dbClient), logger)
	server.AddHealthCheck("database", dbClient.Ping)
	server.AddHealthCheck("nats", func(context.Context) error {
		if !natsClient.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// ends open pin streams on shutdown
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		return runViews(gctx, views, natsFeed{client: natsClient}, otel.Meter(instrumentationName), logger)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Strs("tenants", cfg.Tenants).Msg("Tracker started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With().Str("service", "tracker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Tracker failed")
		os.Exit(1)
	}
}

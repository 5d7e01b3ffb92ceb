package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/saviobatista/fieldtrack/internal/stats"
	"github.com/saviobatista/fieldtrack/internal/types"
)

type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Client{db: db}, nil
}

// DB exposes the underlying connection pool, e.g. for migrations
func (c *Client) DB() *sql.DB {
	return c.db
}

// Ping verifies the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

const sampleColumns = `tenant_id, subject_id, time, latitude, longitude,
			accuracy_meters, speed_kph, heading_degrees, battery_percent,
			is_charging, is_mock_location`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSample(row rowScanner) (*types.LocationSample, error) {
	var (
		s                                 types.LocationSample
		accuracy, speed, heading, battery sql.NullFloat64
		charging                          sql.NullBool
	)
	if err := row.Scan(
		&s.TenantID, &s.SubjectID, &s.Timestamp, &s.Latitude, &s.Longitude,
		&accuracy, &speed, &heading, &battery,
		&charging, &s.IsMockLocation,
	); err != nil {
		return nil, err
	}
	s.AccuracyMeters = nullFloat(accuracy)
	s.SpeedKph = nullFloat(speed)
	s.HeadingDegrees = nullFloat(heading)
	s.BatteryPercent = nullFloat(battery)
	if charging.Valid {
		v := charging.Bool
		s.IsCharging = &v
	}
	s.Timestamp = s.Timestamp.UTC()
	return &s, nil
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func querySamples(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*types.LocationSample, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*types.LocationSample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// LatestSamples returns the newest sample of each subject of a tenant.
// An empty subjectIDs selects every subject.
func (c *Client) LatestSamples(ctx context.Context, tenantID string, subjectIDs []string) ([]*types.LocationSample, error) {
	query := `
		SELECT DISTINCT ON (subject_id) ` + sampleColumns + `
		FROM location_samples
		WHERE tenant_id = $1
			AND (cardinality($2::text[]) = 0 OR subject_id = ANY($2::text[]))
		ORDER BY subject_id, time DESC
	`
	if subjectIDs == nil {
		subjectIDs = []string{}
	}
	samples, err := querySamples(ctx, c.db, query, tenantID, pq.Array(subjectIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest samples: %w", err)
	}
	return samples, nil
}

// SampleHistory returns a subject's samples within [from, to] in ascending time order
func (c *Client) SampleHistory(ctx context.Context, tenantID, subjectID string, from, to time.Time) ([]*types.LocationSample, error) {
	query := `
		SELECT ` + sampleColumns + `
		FROM location_samples
		WHERE tenant_id = $1 AND subject_id = $2 AND time BETWEEN $3 AND $4
		ORDER BY time ASC
	`
	samples, err := querySamples(ctx, c.db, query, tenantID, subjectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query sample history: %w", err)
	}
	return samples, nil
}

// StoreSample stores a location sample. Re-delivered samples are ignored.
func (c *Client) StoreSample(ctx context.Context, s *types.LocationSample) error {
	query := `
		INSERT INTO location_samples (` + sampleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, subject_id, time) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, query,
		s.TenantID, s.SubjectID, s.Timestamp, s.Latitude, s.Longitude,
		s.AccuracyMeters, s.SpeedKph, s.HeadingDegrees, s.BatteryPercent,
		s.IsCharging, s.IsMockLocation,
	)
	if err != nil {
		return fmt.Errorf("failed to store sample: %w", err)
	}
	return nil
}

// GetProfile returns the identity record of a subject, or nil when unknown
func (c *Client) GetProfile(ctx context.Context, subjectID string) (*types.Profile, error) {
	query := `
		SELECT subject_id, display_name, avatar_ref
		FROM subjects
		WHERE subject_id = $1
	`
	var (
		p         types.Profile
		avatarRef sql.NullString
	)
	err := c.db.QueryRowContext(ctx, query, subjectID).Scan(&p.SubjectID, &p.DisplayName, &avatarRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.AvatarRef = avatarRef.String
	return &p, nil
}

// UpsertProfile creates or updates the identity record of a subject
func (c *Client) UpsertProfile(ctx context.Context, tenantID string, p *types.Profile) error {
	query := `
		INSERT INTO subjects (subject_id, tenant_id, display_name, avatar_ref)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (subject_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_ref = EXCLUDED.avatar_ref
	`
	if _, err := c.db.ExecContext(ctx, query, p.SubjectID, tenantID, p.DisplayName, p.AvatarRef); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// StoreSystemStats stores a statistics snapshot
func (c *Client) StoreSystemStats(ctx context.Context, snap stats.Snapshot) error {
	query := `
		INSERT INTO pipeline_stats (
			time, view, pushed_samples, accepted_samples, out_of_order_samples,
			invalid_samples, snapshot_loads, snapshot_failures, enrichment_failures,
			subscription_drops, reconnects, pins_online, pins_stale, pins_offline,
			uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`
	_, err := c.db.ExecContext(ctx, query,
		snap.Time,
		snap.View,
		int64(snap.PushedSamples),
		int64(snap.AcceptedSamples),
		int64(snap.OutOfOrderSamples),
		int64(snap.InvalidSamples),
		int64(snap.SnapshotLoads),
		int64(snap.SnapshotFailures),
		int64(snap.EnrichmentFailures),
		int64(snap.SubscriptionDrops),
		int64(snap.Reconnects),
		int64(snap.PinsOnline),
		int64(snap.PinsStale),
		int64(snap.PinsOffline),
		int64(snap.Uptime.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to store stats: %w", err)
	}
	return nil
}

// GetSystemStats retrieves statistics of a view for a time range, newest first
func (c *Client) GetSystemStats(ctx context.Context, view string, start, end time.Time) ([]stats.Snapshot, error) {
	query := `
		SELECT
			time, view, pushed_samples, accepted_samples, out_of_order_samples,
			invalid_samples, snapshot_loads, snapshot_failures, enrichment_failures,
			subscription_drops, reconnects, pins_online, pins_stale, pins_offline,
			uptime_seconds
		FROM pipeline_stats
		WHERE view = $1 AND time BETWEEN $2 AND $3
		ORDER BY time DESC
	`

	rows, err := c.db.QueryContext(ctx, query, view, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var out []stats.Snapshot
	for rows.Next() {
		var (
			snap   stats.Snapshot
			counts [12]int64
			uptime int64
		)
		if err := rows.Scan(
			&snap.Time, &snap.View,
			&counts[0], &counts[1], &counts[2], &counts[3], &counts[4], &counts[5],
			&counts[6], &counts[7], &counts[8], &counts[9], &counts[10], &counts[11],
			&uptime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		snap.PushedSamples = uint64(counts[0])
		snap.AcceptedSamples = uint64(counts[1])
		snap.OutOfOrderSamples = uint64(counts[2])
		snap.InvalidSamples = uint64(counts[3])
		snap.SnapshotLoads = uint64(counts[4])
		snap.SnapshotFailures = uint64(counts[5])
		snap.EnrichmentFailures = uint64(counts[6])
		snap.SubscriptionDrops = uint64(counts[7])
		snap.Reconnects = uint64(counts[8])
		snap.PinsOnline = uint64(counts[9])
		snap.PinsStale = uint64(counts[10])
		snap.PinsOffline = uint64(counts[11])
		snap.Uptime = time.Duration(uptime) * time.Second
		out = append(out, snap)
	}

	return out, rows.Err()
}

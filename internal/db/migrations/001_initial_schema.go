package migrations

// InitialSchema creates the location, identity and statistics tables
var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		CREATE TABLE IF NOT EXISTS location_samples (
			time TIMESTAMPTZ NOT NULL,
			tenant_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy_meters DOUBLE PRECISION,
			speed_kph DOUBLE PRECISION,
			heading_degrees DOUBLE PRECISION,
			battery_percent DOUBLE PRECISION,
			is_charging BOOLEAN,
			is_mock_location BOOLEAN NOT NULL DEFAULT FALSE
		);

		SELECT create_hypertable('location_samples', 'time', if_not_exists => TRUE);

		-- One sample per subject and instant; also serves DISTINCT ON snapshot queries
		CREATE UNIQUE INDEX IF NOT EXISTS idx_location_samples_subject_time
			ON location_samples (tenant_id, subject_id, time DESC);

		CREATE TABLE IF NOT EXISTS subjects (
			subject_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			avatar_ref TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_subjects_tenant ON subjects (tenant_id);

		CREATE TABLE IF NOT EXISTS pipeline_stats (
			time TIMESTAMPTZ NOT NULL,
			view TEXT NOT NULL,
			pushed_samples BIGINT NOT NULL,
			accepted_samples BIGINT NOT NULL,
			out_of_order_samples BIGINT NOT NULL,
			invalid_samples BIGINT NOT NULL,
			snapshot_loads BIGINT NOT NULL,
			snapshot_failures BIGINT NOT NULL,
			enrichment_failures BIGINT NOT NULL,
			subscription_drops BIGINT NOT NULL,
			reconnects BIGINT NOT NULL,
			pins_online BIGINT NOT NULL,
			pins_stale BIGINT NOT NULL,
			pins_offline BIGINT NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);

		SELECT create_hypertable('pipeline_stats', 'time', if_not_exists => TRUE);

		CREATE INDEX IF NOT EXISTS idx_pipeline_stats_view_time ON pipeline_stats (view, time DESC);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS pipeline_stats;
		DROP TABLE IF EXISTS subjects;
		DROP TABLE IF EXISTS location_samples;
	`,
}

package migrations

var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	-- Raw samples are only needed for traces and snapshots
	SELECT add_retention_policy('location_samples', INTERVAL '30 days');

	SELECT add_retention_policy('pipeline_stats', INTERVAL '90 days');

	CREATE MATERIALIZED VIEW IF NOT EXISTS pipeline_stats_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		view,
		MAX(pushed_samples) AS pushed_samples,
		MAX(accepted_samples) AS accepted_samples,
		MAX(invalid_samples) AS invalid_samples,
		MAX(snapshot_failures) AS snapshot_failures,
		MAX(subscription_drops) AS subscription_drops
	FROM pipeline_stats
	GROUP BY day, view
	WITH NO DATA;

	CREATE MATERIALIZED VIEW IF NOT EXISTS location_samples_hourly
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 hour', time) AS hour,
		tenant_id,
		COUNT(*) AS sample_count,
		COUNT(DISTINCT subject_id) AS subject_count
	FROM location_samples
	GROUP BY hour, tenant_id
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS pipeline_stats_daily;
	DROP MATERIALIZED VIEW IF EXISTS location_samples_hourly;
	SELECT remove_retention_policy('location_samples');
	SELECT remove_retention_policy('pipeline_stats');
	`,
}

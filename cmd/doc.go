// Package cmd defines and implements the CLI commands for the sensorarchive executable.
//
// Architecture overview:
//   - CLI: `sensorarchive download` runs one job in-process and prints the report (text, JSON or YAML).
//     `sensorarchive summary` resolves a station without fetching. `sensorarchive serve` exposes the same two
//     operations over HTTP via internal/api.Server.
//   - Planning: the job resolves each requested station through the registry (static config or Postgres), keeps the
//     sensors whose type maps to an archive token, and expands (sensor, day) work units over the inclusive date range.
//     Unknown stations, unknown sensors and unsupported types are reported as unresolved rather than failing the job.
//   - Download pool: units flow through a bounded in-memory queue to a fixed worker pool sized by job.concurrency.
//     Each worker checks the local tree, fetches via the Colly-based client (per-host rate limit, exponential backoff
//     with jitter, 404 means no data) and writes the daily file through a temp file and rename.
//   - Merge: once every unit has an outcome, monthly (and optionally yearly) files are rebuilt per (station, sensor)
//     with bounded parallelism. Columns are unioned, rows deduplicated on (timestamp, sensor_id) and sorted by
//     timestamp.
//   - Fanout: merged files can be mirrored to GCS or any gocloud bucket URL (optionally gzip-compressed), and a
//     job.completed event is published to Pub/Sub or an in-process publisher.
//
// Operational notes:
//   - Cancellation: SIGINT/SIGTERM cancel the root context. In-flight units finish as canceled, queued units are
//     reported as canceled without a fetch, and merges are skipped. Completed daily files are never partial.
//   - Re-runs are incremental: days already on disk are skipped unless --overwrite is set.
//   - Configure via config file or env vars with the SENSORARCHIVE_ prefix, e.g. SENSORARCHIVE_JOB_CONCURRENCY,
//     SENSORARCHIVE_STORAGE_BASE_DIR, SENSORARCHIVE_REGISTRY_BACKEND=postgres and SENSORARCHIVE_DB_DSN.
package cmd

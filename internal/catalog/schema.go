package catalog

// schemaVersion is bumped whenever the table layout changes. Migrations
// are applied in order at open time.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		name       TEXT PRIMARY KEY,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS partitions (
		id            TEXT PRIMARY KEY,
		collection    TEXT NOT NULL,
		start_ms      BIGINT NOT NULL,
		end_ms        BIGINT NOT NULL,
		object_key    TEXT NOT NULL,
		byte_size     BIGINT NOT NULL,
		record_count  BIGINT NOT NULL,
		checksum      TEXT NOT NULL,
		codec         TEXT NOT NULL,
		level         INTEGER NOT NULL,
		content_type  TEXT NOT NULL,
		status        TEXT NOT NULL,
		created_at    BIGINT NOT NULL,
		tombstoned_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_partitions_lookup
		ON partitions (collection, status, start_ms)`,
}

const entryColumns = `id, collection, start_ms, end_ms, object_key, byte_size,
	record_count, checksum, codec, level, content_type, status, created_at,
	tombstoned_at`

// Package catalog is the relational index over partitions. It is the
// single source of truth for which objects exist, what time range each
// covers and where each partition sits in its lifecycle. Object bytes
// live elsewhere; the catalog only ever stores metadata.
package catalog

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/GaspardMerten/motion-lake-server/internal/errdefs"
	"github.com/GaspardMerten/motion-lake-server/internal/types"
)

// Catalog provides partition and collection metadata operations backed
// by an embedded DuckDB database. Safe for concurrent use; write
// transactions are serialized through a single connection.
type Catalog struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the catalog database at path and applies the
// schema.
func Open(path string, logger *zap.Logger) (*Catalog, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "opening catalog database: %v", err)
	}

	// DuckDB holds an exclusive file lock; a single writer connection
	// avoids transaction conflicts between concurrent commits.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errdefs.Wrapf(errdefs.ErrIO, "pinging catalog database: %v", err)
	}

	c := &Catalog{db: db, logger: logger}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "applying catalog schema: %v", err)
		}
	}

	var version int
	err := c.db.QueryRowContext(ctx, `SELECT version FROM schema_info`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := c.db.ExecContext(ctx, `INSERT INTO schema_info (version) VALUES (?)`, schemaVersion); err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "recording schema version: %v", err)
		}
		return nil
	}
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "reading schema version: %v", err)
	}
	if version != schemaVersion {
		return errdefs.Wrapf(errdefs.ErrIO, "catalog schema version %d, expected %d", version, schemaVersion)
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Transaction runs fn inside a transaction, rolling back on error or
// panic.
func (c *Catalog) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "beginning catalog transaction: %v", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "committing catalog transaction: %v", err)
	}
	return nil
}

// CreateCollection registers a collection. With allowExisting false an
// existing name fails with ErrConflict.
func (c *Catalog) CreateCollection(ctx context.Context, name string, allowExisting bool) error {
	return c.Transaction(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT name FROM collections WHERE name = ?`, name).Scan(&existing)
		if err == nil {
			if allowExisting {
				return nil
			}
			return errdefs.Wrapf(errdefs.ErrConflict, "collection %s already exists", name)
		}
		if err != sql.ErrNoRows {
			return errdefs.Wrapf(errdefs.ErrIO, "checking collection %s: %v", name, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO collections (name, created_at) VALUES (?, ?)`,
			name, time.Now().UnixMilli(),
		)
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "creating collection %s: %v", name, err)
		}
		return nil
	})
}

// GetCollection returns a collection summary with aggregates over its
// committed partitions. Unknown names fail with ErrNotFound.
func (c *Catalog) GetCollection(ctx context.Context, name string) (types.CollectionInfo, error) {
	var info types.CollectionInfo
	err := c.db.QueryRowContext(ctx, `
		SELECT c.name,
			COALESCE(MIN(p.start_ms), 0),
			COALESCE(MAX(p.end_ms), 0),
			COALESCE(SUM(p.record_count), 0),
			COUNT(p.id),
			COALESCE(SUM(p.byte_size), 0)
		FROM collections c
		LEFT JOIN partitions p ON p.collection = c.name AND p.status = 'committed'
		WHERE c.name = ?
		GROUP BY c.name`, name,
	).Scan(&info.Name, &info.StartMs, &info.EndMs,
		&info.RecordCount, &info.PartitionCount, &info.TotalBytes)
	if err == sql.ErrNoRows {
		return types.CollectionInfo{}, errdefs.Wrapf(errdefs.ErrNotFound, "collection %s", name)
	}
	if err != nil {
		return types.CollectionInfo{}, errdefs.Wrapf(errdefs.ErrIO, "loading collection %s: %v", name, err)
	}
	return info, nil
}

// ListCollections returns summaries for every collection, sorted by name.
func (c *Catalog) ListCollections(ctx context.Context) ([]types.CollectionInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT c.name,
			COALESCE(MIN(p.start_ms), 0),
			COALESCE(MAX(p.end_ms), 0),
			COALESCE(SUM(p.record_count), 0),
			COUNT(p.id),
			COALESCE(SUM(p.byte_size), 0)
		FROM collections c
		LEFT JOIN partitions p ON p.collection = c.name AND p.status = 'committed'
		GROUP BY c.name
		ORDER BY c.name`)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "listing collections: %v", err)
	}
	defer rows.Close()

	var infos []types.CollectionInfo
	for rows.Next() {
		var info types.CollectionInfo
		if err := rows.Scan(&info.Name, &info.StartMs, &info.EndMs,
			&info.RecordCount, &info.PartitionCount, &info.TotalBytes); err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrIO, "scanning collection: %v", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "iterating collections: %v", err)
	}
	return infos, nil
}

// DeleteCollection tombstones every committed partition of the
// collection and removes the collection row. The reclaimer frees the
// object bytes later. Pending rows are left for the orphan sweep.
func (c *Catalog) DeleteCollection(ctx context.Context, name string) error {
	return c.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "deleting collection %s: %v", name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "deleting collection %s: %v", name, err)
		}
		if affected == 0 {
			return errdefs.Wrapf(errdefs.ErrNotFound, "collection %s", name)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE partitions SET status = 'tombstoned', tombstoned_at = ?
			WHERE collection = ? AND status = 'committed'`,
			time.Now().UnixMilli(), name,
		)
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "tombstoning partitions of %s: %v", name, err)
		}
		return nil
	})
}

// BeginPartition inserts the pending row for a partition before its
// object is uploaded. Entry status must be StatusPending.
func (c *Catalog) BeginPartition(ctx context.Context, entry types.CatalogEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO partitions (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		entry.ID, entry.Collection, entry.Range.StartMs, entry.Range.EndMs,
		entry.ObjectKey, entry.ByteSize, entry.RecordCount, entry.Checksum,
		entry.Codec, entry.Level, entry.ContentType.String(),
		types.StatusPending.String(), entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "inserting pending partition %s: %v", entry.ID, err)
	}
	return nil
}

// CommitPartition flips a pending partition to committed. The overlap
// check against committed rows of the same collection runs inside the
// same transaction, so two racing commits cannot both pass it. With
// supersede set, overlapping committed partitions are tombstoned
// instead of causing a conflict.
func (c *Catalog) CommitPartition(ctx context.Context, id string, supersede bool) error {
	return c.Transaction(ctx, func(tx *sql.Tx) error {
		var collection string
		var startMs, endMs int64
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT collection, start_ms, end_ms, status FROM partitions WHERE id = ?`, id,
		).Scan(&collection, &startMs, &endMs, &status)
		if err == sql.ErrNoRows {
			return errdefs.Wrapf(errdefs.ErrNotFound, "partition %s", id)
		}
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "loading partition %s: %v", id, err)
		}
		if status != types.StatusPending.String() {
			return errdefs.Wrapf(errdefs.ErrConflict, "partition %s is %s, not pending", id, status)
		}

		if supersede {
			_, err = tx.ExecContext(ctx, `
				UPDATE partitions SET status = 'tombstoned', tombstoned_at = ?
				WHERE collection = ? AND status = 'committed'
					AND start_ms < ? AND ? < end_ms`,
				time.Now().UnixMilli(), collection, endMs, startMs,
			)
			if err != nil {
				return errdefs.Wrapf(errdefs.ErrIO, "tombstoning superseded partitions: %v", err)
			}
		} else {
			var overlapping int64
			err = tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM partitions
				WHERE collection = ? AND status = 'committed' AND id <> ?
					AND start_ms < ? AND ? < end_ms`,
				collection, id, endMs, startMs,
			).Scan(&overlapping)
			if err != nil {
				return errdefs.Wrapf(errdefs.ErrIO, "checking range overlap: %v", err)
			}
			if overlapping > 0 {
				return errdefs.Wrapf(errdefs.ErrConflict,
					"range [%d, %d) overlaps a committed partition of %s", startMs, endMs, collection)
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE partitions SET status = 'committed' WHERE id = ?`, id)
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrIO, "committing partition %s: %v", id, err)
		}
		return nil
	})
}

// AbortPartition removes a pending row after a failed upload. Aborting
// an absent or already committed partition is an error.
func (c *Catalog) AbortPartition(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM partitions WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "aborting partition %s: %v", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "aborting partition %s: %v", id, err)
	}
	if affected == 0 {
		return errdefs.Wrapf(errdefs.ErrNotFound, "pending partition %s", id)
	}
	return nil
}

// QueryPartitions returns the committed partitions of a collection that
// intersect rng, ordered by start time.
func (c *Catalog) QueryPartitions(ctx context.Context, collection string, rng types.TimeRange) ([]types.CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM partitions
		WHERE collection = ? AND status = 'committed'
			AND start_ms < ? AND ? < end_ms
		ORDER BY start_ms ASC`,
		collection, rng.EndMs, rng.StartMs,
	)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "querying partitions of %s: %v", collection, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Tombstone marks a committed partition for removal. The row and its
// object survive until the reclaimer's grace period elapses.
func (c *Catalog) Tombstone(ctx context.Context, collection, id string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE partitions SET status = 'tombstoned', tombstoned_at = ?
		WHERE id = ? AND collection = ? AND status = 'committed'`,
		time.Now().UnixMilli(), id, collection,
	)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "tombstoning partition %s: %v", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "tombstoning partition %s: %v", id, err)
	}
	if affected == 0 {
		return errdefs.Wrapf(errdefs.ErrNotFound, "committed partition %s in %s", id, collection)
	}
	return nil
}

// ListTombstoned returns tombstoned partitions whose tombstone is older
// than the cutoff.
func (c *Catalog) ListTombstoned(ctx context.Context, olderThan time.Time) ([]types.CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM partitions
		WHERE status = 'tombstoned' AND tombstoned_at <= ?
		ORDER BY tombstoned_at ASC`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "listing tombstoned partitions: %v", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListPending returns every pending partition, for the startup sweep.
func (c *Catalog) ListPending(ctx context.Context) ([]types.CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM partitions
		WHERE status = 'pending'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "listing pending partitions: %v", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ObjectKeys returns every object key the catalog references, in any
// status. Objects absent from this set are orphans.
func (c *Catalog) ObjectKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT object_key FROM partitions`)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "listing object keys: %v", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrIO, "scanning object key: %v", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "iterating object keys: %v", err)
	}
	return keys, nil
}

// DeleteEntry removes a partition row for good, after its object bytes
// are gone.
func (c *Catalog) DeleteEntry(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM partitions WHERE id = ?`, id); err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "deleting partition %s: %v", id, err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]types.CatalogEntry, error) {
	var entries []types.CatalogEntry
	for rows.Next() {
		var e types.CatalogEntry
		var contentType, status string
		var createdAt int64
		var tombstonedAt sql.NullInt64
		err := rows.Scan(&e.ID, &e.Collection, &e.Range.StartMs, &e.Range.EndMs,
			&e.ObjectKey, &e.ByteSize, &e.RecordCount, &e.Checksum,
			&e.Codec, &e.Level, &contentType, &status, &createdAt, &tombstonedAt)
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrIO, "scanning partition: %v", err)
		}
		e.ContentType = types.ParseContentType(contentType)
		e.Status = parseStatus(status)
		e.CreatedAt = time.UnixMilli(createdAt)
		if tombstonedAt.Valid {
			e.TombstonedAt = time.UnixMilli(tombstonedAt.Int64)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "iterating partitions: %v", err)
	}
	return entries, nil
}

func parseStatus(s string) types.PartitionStatus {
	switch s {
	case "committed":
		return types.StatusCommitted
	case "tombstoned":
		return types.StatusTombstoned
	default:
		return types.StatusPending
	}
}

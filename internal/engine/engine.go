// Package engine ties the codec, object store and catalog together into
// the ingest and query surface of the lake. All lifecycle decisions live
// here; the HTTP layer and the command binary stay thin callers.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GaspardMerten/motion-lake-server/internal/catalog"
	"github.com/GaspardMerten/motion-lake-server/internal/codec"
	"github.com/GaspardMerten/motion-lake-server/internal/config"
	"github.com/GaspardMerten/motion-lake-server/internal/errdefs"
	"github.com/GaspardMerten/motion-lake-server/internal/metrics"
	"github.com/GaspardMerten/motion-lake-server/internal/object"
	"github.com/GaspardMerten/motion-lake-server/internal/types"
)

// Config holds engine dependencies and tuning.
type Config struct {
	Catalog *catalog.Catalog
	Store   object.Store
	// Backend labels object store metrics (file_system or s3).
	Backend     string
	Compression config.CompressionConfig
	// QueryWorkers bounds parallel object fetches per query.
	QueryWorkers int
	Logger       *zap.Logger
}

// Engine is the lake's ingest and query engine. Safe for concurrent use.
type Engine struct {
	catalog     *catalog.Catalog
	store       object.Store
	backend     string
	compression config.CompressionConfig
	workers     int
	logger      *zap.Logger

	mu      sync.Mutex
	commits map[string]*sync.Mutex
}

func New(cfg Config) *Engine {
	workers := cfg.QueryWorkers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		backend:     cfg.Backend,
		compression: cfg.Compression,
		workers:     workers,
		logger:      cfg.Logger,
		commits:     make(map[string]*sync.Mutex),
	}
}

// commitLock returns the commit mutex for a collection. Commits of
// different collections never contend.
func (e *Engine) commitLock(collection string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.commits[collection]
	if !ok {
		lock = &sync.Mutex{}
		e.commits[collection] = lock
	}
	return lock
}

// IngestOptions tunes a single ingest. Zero values fall back to the
// engine's configured compression.
type IngestOptions struct {
	ContentType types.ContentType
	Codec       string
	Level       int
	// Supersede tombstones committed partitions the new range overlaps
	// instead of rejecting the ingest.
	Supersede bool
}

// Ingest writes one batch as a new partition of the collection. The
// batch must be non-empty and every timestamp must fall inside rng.
// The collection is created on first ingest. On any failure the lake is
// left as if the call never happened: encode failures have no side
// effects, upload failures drop the pending row, and a commit conflict
// deletes the just-written object before ErrConflict surfaces.
func (e *Engine) Ingest(ctx context.Context, collection string, rng types.TimeRange, records []types.Record, opts IngestOptions) (types.CatalogEntry, error) {
	if err := validateBatch(collection, rng, records); err != nil {
		metrics.IngestsTotal.WithLabelValues(collection, "validation").Inc()
		return types.CatalogEntry{}, err
	}

	if err := e.catalog.CreateCollection(ctx, collection, true); err != nil {
		metrics.IngestsTotal.WithLabelValues(collection, "error").Inc()
		return types.CatalogEntry{}, err
	}

	// Rows are stored in timestamp order so the query path can merge
	// partitions without re-sorting.
	sorted := make([]types.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimestampMs < sorted[j].TimestampMs
	})

	codecOpts := codec.Options{
		Codec:       e.compression.Codec,
		Level:       e.compression.Level,
		ContentType: opts.ContentType,
	}
	if opts.Codec != "" {
		codecOpts.Codec = opts.Codec
		codecOpts.Level = opts.Level
	}

	encodeStart := time.Now()
	enc, err := codec.Encode(sorted, codecOpts)
	if err != nil {
		metrics.IngestsTotal.WithLabelValues(collection, "error").Inc()
		return types.CatalogEntry{}, err
	}
	metrics.EncodeDuration.WithLabelValues(collection).Observe(time.Since(encodeStart).Seconds())

	entry := types.CatalogEntry{
		ID:          uuid.NewString(),
		Collection:  collection,
		Range:       rng,
		ObjectKey:   objectKey(collection, rng, enc.Checksum),
		ByteSize:    int64(len(enc.Data)),
		RecordCount: enc.RecordCount,
		Checksum:    enc.Checksum,
		Codec:       codecOpts.Codec,
		Level:       codecOpts.Level,
		ContentType: opts.ContentType,
		Status:      types.StatusPending,
		CreatedAt:   time.Now(),
	}

	if err := e.catalog.BeginPartition(ctx, entry); err != nil {
		metrics.IngestsTotal.WithLabelValues(collection, "error").Inc()
		return types.CatalogEntry{}, err
	}

	if err := e.putObject(ctx, entry.ObjectKey, enc.Data); err != nil {
		// The upload may have failed because ctx died; the abort still
		// has to reach the catalog.
		if abortErr := e.catalog.AbortPartition(context.WithoutCancel(ctx), entry.ID); abortErr != nil {
			e.logger.Warn("failed to abort pending partition after upload failure",
				zap.String("partition", entry.ID), zap.Error(abortErr))
		}
		metrics.IngestsTotal.WithLabelValues(collection, "error").Inc()
		return types.CatalogEntry{}, err
	}

	// Uploads of disjoint ranges run in parallel; only the commit itself
	// is serialized per collection, so the overlap check inside the
	// transaction sees a settled committed set.
	lock := e.commitLock(collection)
	lock.Lock()
	commitErr := e.catalog.CommitPartition(ctx, entry.ID, opts.Supersede)
	lock.Unlock()
	if commitErr != nil {
		e.cleanupFailedCommit(ctx, entry)
		if errdefs.IsConflict(commitErr) {
			metrics.IngestsTotal.WithLabelValues(collection, "conflict").Inc()
		} else {
			metrics.IngestsTotal.WithLabelValues(collection, "error").Inc()
		}
		return types.CatalogEntry{}, commitErr
	}
	entry.Status = types.StatusCommitted

	metrics.IngestsTotal.WithLabelValues(collection, "committed").Inc()
	metrics.RecordsWritten.WithLabelValues(collection).Add(float64(entry.RecordCount))
	metrics.BytesWritten.WithLabelValues(collection).Add(float64(entry.ByteSize))

	e.logger.Info("partition committed",
		zap.String("collection", collection),
		zap.String("partition", entry.ID),
		zap.Int64("start_ms", rng.StartMs),
		zap.Int64("end_ms", rng.EndMs),
		zap.Int64("records", entry.RecordCount),
		zap.Int64("bytes", entry.ByteSize),
	)
	return entry, nil
}

// Supersede ingests a replacement partition, tombstoning the committed
// partitions its range overlaps in the same commit transaction.
func (e *Engine) Supersede(ctx context.Context, collection string, rng types.TimeRange, records []types.Record, opts IngestOptions) (types.CatalogEntry, error) {
	opts.Supersede = true
	return e.Ingest(ctx, collection, rng, records, opts)
}

// cleanupFailedCommit removes the pending row and object bytes of a
// partition whose commit did not go through. Cleanup failures are logged
// and left for the startup sweep.
func (e *Engine) cleanupFailedCommit(ctx context.Context, entry types.CatalogEntry) {
	// The commit may have failed because ctx died; cleanup still has to
	// reach the store and the catalog.
	ctx = context.WithoutCancel(ctx)
	if err := e.deleteObject(ctx, entry.ObjectKey); err != nil {
		e.logger.Warn("failed to delete object of uncommitted partition",
			zap.String("key", entry.ObjectKey), zap.Error(err))
	}
	if err := e.catalog.AbortPartition(ctx, entry.ID); err != nil {
		e.logger.Warn("failed to abort uncommitted partition",
			zap.String("partition", entry.ID), zap.Error(err))
	}
}

// QueryOptions tunes a query. The zero value streams every matching
// record in ascending timestamp order.
type QueryOptions struct {
	Descending bool
	// Limit caps the number of records returned; zero means no cap.
	Limit int
	// Offset skips that many matching records first.
	Offset int
}

// Query opens a cursor over the committed records of a collection whose
// timestamps fall inside rng. An unknown collection fails with
// ErrNotFound; a known collection with no matching partitions yields an
// empty cursor. The cursor sees the committed set as of this call and
// is unaffected by later ingests.
func (e *Engine) Query(ctx context.Context, collection string, rng types.TimeRange, opts QueryOptions) (*Cursor, error) {
	if !rng.Valid() {
		return nil, errdefs.Wrapf(errdefs.ErrValidation, "empty time range [%d, %d)", rng.StartMs, rng.EndMs)
	}

	if _, err := e.catalog.GetCollection(ctx, collection); err != nil {
		if errdefs.IsNotFound(err) {
			metrics.QueriesTotal.WithLabelValues(collection, "not_found").Inc()
		} else {
			metrics.QueriesTotal.WithLabelValues(collection, "error").Inc()
		}
		return nil, err
	}

	entries, err := e.catalog.QueryPartitions(ctx, collection, rng)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(collection, "error").Inc()
		return nil, err
	}

	objects, err := e.fetchObjects(ctx, entries)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(collection, "error").Inc()
		return nil, err
	}
	metrics.PartitionsScanned.WithLabelValues(collection).Add(float64(len(entries)))

	var cursor *Cursor
	if opts.Descending {
		cursor, err = newDescendingCursor(collection, objects, rng, opts)
	} else {
		cursor, err = newAscendingCursor(collection, objects, rng, opts)
	}
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(collection, "error").Inc()
		return nil, err
	}

	metrics.QueriesTotal.WithLabelValues(collection, "ok").Inc()
	e.logger.Debug("query cursor opened",
		zap.String("collection", collection),
		zap.Int64("start_ms", rng.StartMs),
		zap.Int64("end_ms", rng.EndMs),
		zap.Int("partitions", len(entries)),
		zap.Bool("descending", opts.Descending),
	)
	return cursor, nil
}

// fetchObjects downloads and checksum-verifies the objects of the given
// entries, preserving entry order. Fetch parallelism is bounded by the
// configured worker count.
func (e *Engine) fetchObjects(ctx context.Context, entries []types.CatalogEntry) ([][]byte, error) {
	objects := make([][]byte, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			data, err := e.getObject(gctx, entry.ObjectKey)
			if err != nil {
				return err
			}
			if err := codec.VerifyChecksum(data, entry.Checksum); err != nil {
				return fmt.Errorf("object %s: %w", entry.ObjectKey, err)
			}
			objects[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return objects, nil
}

// Tombstone marks a committed partition for removal. Its bytes are
// freed by the reclaimer after the grace period.
func (e *Engine) Tombstone(ctx context.Context, collection, partitionID string) error {
	if err := e.catalog.Tombstone(ctx, collection, partitionID); err != nil {
		return err
	}
	e.logger.Info("partition tombstoned",
		zap.String("collection", collection),
		zap.String("partition", partitionID),
	)
	return nil
}

// CreateCollection registers a collection ahead of its first ingest.
func (e *Engine) CreateCollection(ctx context.Context, name string) error {
	if name == "" {
		return errdefs.Wrapf(errdefs.ErrValidation, "empty collection name")
	}
	return e.catalog.CreateCollection(ctx, name, false)
}

// GetCollection returns a collection summary.
func (e *Engine) GetCollection(ctx context.Context, name string) (types.CollectionInfo, error) {
	return e.catalog.GetCollection(ctx, name)
}

// ListCollections returns summaries for every collection.
func (e *Engine) ListCollections(ctx context.Context) ([]types.CollectionInfo, error) {
	return e.catalog.ListCollections(ctx)
}

// DeleteCollection removes a collection. Its partitions are tombstoned
// and reclaimed later.
func (e *Engine) DeleteCollection(ctx context.Context, name string) error {
	if err := e.catalog.DeleteCollection(ctx, name); err != nil {
		return err
	}
	e.logger.Info("collection deleted", zap.String("collection", name))
	return nil
}

func (e *Engine) putObject(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := e.store.Put(ctx, key, data)
	metrics.StoreOpDuration.WithLabelValues(e.backend, "put").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOpErrors.WithLabelValues(e.backend, "put").Inc()
	}
	return err
}

func (e *Engine) getObject(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := e.store.Get(ctx, key)
	metrics.StoreOpDuration.WithLabelValues(e.backend, "get").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOpErrors.WithLabelValues(e.backend, "get").Inc()
	}
	return data, err
}

func (e *Engine) deleteObject(ctx context.Context, key string) error {
	start := time.Now()
	err := e.store.Delete(ctx, key)
	metrics.StoreOpDuration.WithLabelValues(e.backend, "delete").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOpErrors.WithLabelValues(e.backend, "delete").Inc()
	}
	return err
}

func validateBatch(collection string, rng types.TimeRange, records []types.Record) error {
	if collection == "" {
		return errdefs.Wrapf(errdefs.ErrValidation, "empty collection name")
	}
	if !rng.Valid() {
		return errdefs.Wrapf(errdefs.ErrValidation, "empty time range [%d, %d)", rng.StartMs, rng.EndMs)
	}
	if len(records) == 0 {
		return errdefs.Wrapf(errdefs.ErrValidation, "empty batch")
	}
	for i := range records {
		if !rng.Contains(records[i].TimestampMs) {
			return errdefs.Wrapf(errdefs.ErrValidation,
				"record %d timestamp %d outside range [%d, %d)",
				i, records[i].TimestampMs, rng.StartMs, rng.EndMs)
		}
	}
	return nil
}

// objectKey builds the storage key for a partition. The checksum prefix
// plus a random token means a key is never reused for different bytes.
func objectKey(collection string, rng types.TimeRange, checksum string) string {
	token := fmt.Sprintf("%s-%s", checksum[:8], uuid.NewString()[:8])
	return fmt.Sprintf("%s/%d-%d-%s.parquet", collection, rng.StartMs, rng.EndMs, token)
}

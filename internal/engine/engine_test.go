package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/GaspardMerten/motion-lake-server/internal/catalog"
	"github.com/GaspardMerten/motion-lake-server/internal/config"
	"github.com/GaspardMerten/motion-lake-server/internal/errdefs"
	"github.com/GaspardMerten/motion-lake-server/internal/object"
	"github.com/GaspardMerten/motion-lake-server/internal/types"
)

type testLake struct {
	engine  *Engine
	catalog *catalog.Catalog
	store   object.Store
}

func newTestLake(t *testing.T) *testLake {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	store, err := object.NewFSStore(config.FileSystemConfig{Root: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	eng := New(Config{
		Catalog:      cat,
		Store:        store,
		Backend:      config.BackendFileSystem,
		Compression:  config.CompressionConfig{Codec: "gzip", Level: 9},
		QueryWorkers: 4,
		Logger:       zap.NewNop(),
	})
	return &testLake{engine: eng, catalog: cat, store: store}
}

func makeRecords(startMs int64, n int) []types.Record {
	records := make([]types.Record, n)
	for i := 0; i < n; i++ {
		records[i] = types.Record{
			ID:          fmt.Sprintf("veh-%03d", i),
			TimestampMs: startMs + int64(i),
			Payload:     []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		}
	}
	return records
}

func collect(t *testing.T, c *Cursor) []types.Record {
	t.Helper()
	defer c.Close()
	var out []types.Record
	for c.Next() {
		out = append(out, c.Record())
	}
	if err := c.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestIngestQuery_RoundTrip(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	rng := types.TimeRange{StartMs: 0, EndMs: 1000}
	entry, err := lake.engine.Ingest(ctx, "trips", rng, makeRecords(0, 100), IngestOptions{ContentType: types.ContentJSON})
	if err != nil {
		t.Fatal(err)
	}
	if entry.RecordCount != 100 || entry.Status != types.StatusCommitted {
		t.Fatalf("unexpected entry %+v", entry)
	}

	cursor, err := lake.engine.Query(ctx, "trips", rng, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, cursor)
	if len(got) != 100 {
		t.Fatalf("got %d records, want 100", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimestampMs < got[i-1].TimestampMs {
			t.Fatalf("records out of order at %d", i)
		}
	}
}

func TestIngest_Validation(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()
	rng := types.TimeRange{StartMs: 0, EndMs: 1000}

	cases := []struct {
		name       string
		collection string
		rng        types.TimeRange
		records    []types.Record
	}{
		{"empty batch", "trips", rng, nil},
		{"empty collection", "", rng, makeRecords(0, 1)},
		{"inverted range", "trips", types.TimeRange{StartMs: 1000, EndMs: 0}, makeRecords(0, 1)},
		{"timestamp outside range", "trips", rng, makeRecords(999, 5)},
		{"timestamp at end boundary", "trips", rng, []types.Record{{ID: "x", TimestampMs: 1000}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lake.engine.Ingest(ctx, tc.collection, tc.rng, tc.records, IngestOptions{})
			if !errdefs.IsValidation(err) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	// No debris: a failed validation leaves no collection behind.
	if _, err := lake.engine.Query(ctx, "trips", rng, QueryOptions{}); !errdefs.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIngest_ConflictCleansUp(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 1000}, makeRecords(0, 10), IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	_, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 500, EndMs: 1500}, makeRecords(500, 10), IngestOptions{})
	if !errdefs.IsConflict(err) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The rejected partition's object and row are gone.
	keys, err := lake.store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 object after conflict cleanup, got %v", keys)
	}
	found, err := lake.catalog.QueryPartitions(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 10000})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 committed partition, got %d", len(found))
	}

	// The committed data is still fully readable.
	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 1000}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, cursor); len(got) != 10 {
		t.Fatalf("got %d records, want 10", len(got))
	}
}

func TestIngest_ConcurrentOverlapSingleWinner(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if err := lake.engine.CreateCollection(ctx, "trips"); err != nil {
		t.Fatal(err)
	}

	ranges := []types.TimeRange{
		{StartMs: 0, EndMs: 1000},
		{StartMs: 500, EndMs: 1500},
	}
	errs := make([]error, len(ranges))
	var wg sync.WaitGroup
	for i, rng := range ranges {
		wg.Add(1)
		go func(i int, rng types.TimeRange) {
			defer wg.Done()
			_, errs[i] = lake.engine.Ingest(ctx, "trips", rng, makeRecords(rng.StartMs, 10), IngestOptions{})
		}(i, rng)
	}
	wg.Wait()

	var committed, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errdefs.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected ingest error: %v", err)
		}
	}
	if committed != 1 || conflicts != 1 {
		t.Fatalf("committed = %d, conflicts = %d, want exactly one of each", committed, conflicts)
	}

	// The loser left neither an object nor a catalog row behind.
	keys, err := lake.store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 object, got %v", keys)
	}
	found, err := lake.catalog.QueryPartitions(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 10000})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 committed partition, got %d", len(found))
	}
	pending, err := lake.catalog.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending rows left behind: %+v", pending)
	}
}

// cancelPutStore cancels the ingest context from inside Put, the way a
// caller disconnecting mid-upload does.
type cancelPutStore struct {
	object.Store
	cancel context.CancelFunc
}

func (s *cancelPutStore) Put(ctx context.Context, key string, data []byte) error {
	s.cancel()
	return ctx.Err()
}

func TestIngest_CancelledUploadCleansUp(t *testing.T) {
	lake := newTestLake(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := New(Config{
		Catalog:      lake.catalog,
		Store:        &cancelPutStore{Store: lake.store, cancel: cancel},
		Backend:      config.BackendFileSystem,
		Compression:  config.CompressionConfig{Codec: "gzip", Level: 9},
		QueryWorkers: 4,
		Logger:       zap.NewNop(),
	})

	_, err := eng.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 10), IngestOptions{})
	if err == nil {
		t.Fatal("expected ingest to fail")
	}

	// The abort must land even though the caller's context is dead, or
	// every cancelled ingest would leak a pending row until the next
	// startup sweep.
	pending, err := lake.catalog.ListPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending rows left after cancelled ingest: %+v", pending)
	}
}

func TestQuery_UnknownCollection(t *testing.T) {
	lake := newTestLake(t)

	_, err := lake.engine.Query(context.Background(), "ghosts", types.TimeRange{StartMs: 0, EndMs: 1000}, QueryOptions{})
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQuery_KnownCollectionEmptyRange(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 1000}, makeRecords(0, 10), IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 5000, EndMs: 6000}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, cursor); len(got) != 0 {
		t.Fatalf("expected empty cursor, got %d records", len(got))
	}
}

func TestQuery_UnionAcrossPartitions(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 50), IngestOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 100, EndMs: 200}, makeRecords(100, 50), IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 200}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, cursor)
	if len(got) != 100 {
		t.Fatalf("got %d records, want 100", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimestampMs < got[i-1].TimestampMs {
			t.Fatalf("merge out of order at %d", i)
		}
	}
}

func TestQuery_RangeFilterInsidePartition(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 100), IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 20, EndMs: 30}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, cursor)
	if len(got) != 10 {
		t.Fatalf("got %d records, want 10", len(got))
	}
	for _, rec := range got {
		if rec.TimestampMs < 20 || rec.TimestampMs >= 30 {
			t.Fatalf("record %d outside [20, 30)", rec.TimestampMs)
		}
	}
}

func TestQuery_DescendingLimitOffset(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 50), IngestOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 100, EndMs: 200}, makeRecords(100, 50), IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 200}, QueryOptions{Descending: true})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, cursor)
	if len(got) != 100 {
		t.Fatalf("got %d records, want 100", len(got))
	}
	if got[0].TimestampMs != 149 || got[99].TimestampMs != 0 {
		t.Fatalf("descending bounds = [%d ... %d], want [149 ... 0]", got[0].TimestampMs, got[99].TimestampMs)
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimestampMs > got[i-1].TimestampMs {
			t.Fatalf("descending order broken at %d", i)
		}
	}

	cursor, err = lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 200}, QueryOptions{Limit: 10, Offset: 5})
	if err != nil {
		t.Fatal(err)
	}
	got = collect(t, cursor)
	if len(got) != 10 {
		t.Fatalf("got %d records, want 10", len(got))
	}
	if got[0].TimestampMs != 5 || got[9].TimestampMs != 14 {
		t.Fatalf("limit/offset window = [%d ... %d], want [5 ... 14]", got[0].TimestampMs, got[9].TimestampMs)
	}
}

func TestQuery_CorruptObject(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	rng := types.TimeRange{StartMs: 0, EndMs: 100}
	entry, err := lake.engine.Ingest(ctx, "trips", rng, makeRecords(0, 10), IngestOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Flip the stored bytes under the catalog's feet.
	if err := lake.store.Put(ctx, entry.ObjectKey, []byte("garbage")); err != nil {
		t.Fatal(err)
	}

	_, err = lake.engine.Query(ctx, "trips", rng, QueryOptions{})
	if !errdefs.IsCorrupt(err) {
		t.Fatalf("expected ErrCorruptData, got %v", err)
	}
}

func TestQuery_SnapshotIsolation(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 10), IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 1000}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// An ingest after the cursor opened is not visible to it.
	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 100, EndMs: 200}, makeRecords(100, 10), IngestOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := collect(t, cursor); len(got) != 10 {
		t.Fatalf("cursor saw %d records, want the 10 from its snapshot", len(got))
	}

	// A fresh query sees both partitions.
	cursor, err = lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 1000}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, cursor); len(got) != 20 {
		t.Fatalf("fresh query saw %d records, want 20", len(got))
	}
}

func TestSupersede(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 10), IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	// Replacing the range succeeds where a plain ingest would conflict.
	replacement := makeRecords(0, 20)
	if _, err := lake.engine.Supersede(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, replacement, IngestOptions{}); err != nil {
		t.Fatal(err)
	}

	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, cursor); len(got) != 20 {
		t.Fatalf("got %d records, want the 20 replacements", len(got))
	}
}

func TestTombstoneAndReclaim(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	rng := types.TimeRange{StartMs: 0, EndMs: 100}
	entry, err := lake.engine.Ingest(ctx, "trips", rng, makeRecords(0, 10), IngestOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := lake.engine.Tombstone(ctx, "trips", entry.ID); err != nil {
		t.Fatal(err)
	}

	// Tombstoned data is already invisible to queries.
	cursor, err := lake.engine.Query(ctx, "trips", rng, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, cursor); len(got) != 0 {
		t.Fatalf("tombstoned records still visible: %d", len(got))
	}

	// With a zero grace period one cycle frees the bytes and the row.
	reclaimer := NewReclaimer(lake.catalog, lake.store, time.Minute, 0, zap.NewNop())
	if err := reclaimer.cycle(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := lake.store.Get(ctx, entry.ObjectKey); !errdefs.IsNotFound(err) {
		t.Fatalf("object still present after reclaim: %v", err)
	}
	tombstoned, err := lake.catalog.ListTombstoned(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(tombstoned) != 0 {
		t.Fatalf("catalog row still present after reclaim: %+v", tombstoned)
	}
}

func TestReclaim_RespectsGrace(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	entry, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 10), IngestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := lake.engine.Tombstone(ctx, "trips", entry.ID); err != nil {
		t.Fatal(err)
	}

	reclaimer := NewReclaimer(lake.catalog, lake.store, time.Minute, time.Hour, zap.NewNop())
	if err := reclaimer.cycle(ctx); err != nil {
		t.Fatal(err)
	}

	// Inside the grace period the object must survive.
	if _, err := lake.store.Get(ctx, entry.ObjectKey); err != nil {
		t.Fatalf("object deleted before grace elapsed: %v", err)
	}
}

func TestSweepOrphans(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	// A healthy partition the sweep must not touch.
	entry, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 10), IngestOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Crash debris: a pending row without a committed object, and an
	// object no catalog row references.
	stale := types.CatalogEntry{
		ID:          "stale-pending",
		Collection:  "trips",
		Range:       types.TimeRange{StartMs: 500, EndMs: 600},
		ObjectKey:   "trips/500-600-stale.parquet",
		Checksum:    "abc",
		Codec:       "gzip",
		Level:       9,
		Status:      types.StatusPending,
		CreatedAt:   time.Now(),
		RecordCount: 1,
		ByteSize:    1,
	}
	if err := lake.catalog.BeginPartition(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := lake.store.Put(ctx, "trips/900-999-orphan.parquet", []byte("orphan")); err != nil {
		t.Fatal(err)
	}

	reclaimer := NewReclaimer(lake.catalog, lake.store, time.Minute, 0, zap.NewNop())
	swept, err := reclaimer.SweepOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 2 {
		t.Fatalf("swept %d, want 2", swept)
	}

	pending, err := lake.catalog.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("stale pending row survived: %+v", pending)
	}
	if _, err := lake.store.Get(ctx, "trips/900-999-orphan.parquet"); !errdefs.IsNotFound(err) {
		t.Fatalf("orphan object survived: %v", err)
	}

	// The committed partition is untouched.
	if _, err := lake.store.Get(ctx, entry.ObjectKey); err != nil {
		t.Fatalf("committed object swept: %v", err)
	}
}

func TestCreateCollection_Explicit(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if err := lake.engine.CreateCollection(ctx, "trips"); err != nil {
		t.Fatal(err)
	}
	if err := lake.engine.CreateCollection(ctx, "trips"); !errdefs.IsConflict(err) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := lake.engine.CreateCollection(ctx, ""); !errdefs.IsValidation(err) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	// Explicitly created collections answer queries with empty cursors.
	cursor, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 1000}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, cursor); len(got) != 0 {
		t.Fatalf("expected empty cursor, got %d records", len(got))
	}
}

func TestDeleteCollection(t *testing.T) {
	lake := newTestLake(t)
	ctx := context.Background()

	if _, err := lake.engine.Ingest(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, makeRecords(0, 10), IngestOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := lake.engine.DeleteCollection(ctx, "trips"); err != nil {
		t.Fatal(err)
	}
	if _, err := lake.engine.Query(ctx, "trips", types.TimeRange{StartMs: 0, EndMs: 100}, QueryOptions{}); !errdefs.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The partitions were tombstoned for the reclaimer, not leaked.
	tombstoned, err := lake.catalog.ListTombstoned(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(tombstoned) != 1 {
		t.Fatalf("expected 1 tombstoned partition, got %d", len(tombstoned))
	}
}

package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GaspardMerten/motion-lake-server/internal/catalog"
	"github.com/GaspardMerten/motion-lake-server/internal/errdefs"
	"github.com/GaspardMerten/motion-lake-server/internal/metrics"
	"github.com/GaspardMerten/motion-lake-server/internal/object"
)

// Reclaimer frees the object bytes of tombstoned partitions once their
// grace period has elapsed, then drops the catalog rows. The grace
// period lets in-flight cursors finish reading objects that were
// tombstoned after they opened.
type Reclaimer struct {
	catalog  *catalog.Catalog
	store    object.Store
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
}

func NewReclaimer(cat *catalog.Catalog, store object.Store, interval, grace time.Duration, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{
		catalog:  cat,
		store:    store,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Run starts the periodic reclamation loop.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.cycle(ctx); err != nil {
				r.logger.Error("reclaim cycle error", zap.Error(err))
			}
		}
	}
}

func (r *Reclaimer) cycle(ctx context.Context) error {
	cutoff := time.Now().Add(-r.grace)
	entries, err := r.catalog.ListTombstoned(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := r.store.Delete(ctx, entry.ObjectKey); err != nil {
			r.logger.Error("failed to delete tombstoned object",
				zap.String("key", entry.ObjectKey), zap.Error(err))
			continue
		}
		if err := r.catalog.DeleteEntry(ctx, entry.ID); err != nil {
			r.logger.Error("failed to delete tombstoned catalog row",
				zap.String("partition", entry.ID), zap.Error(err))
			continue
		}
		metrics.PartitionsReclaimed.WithLabelValues(entry.Collection).Inc()
		r.logger.Info("partition reclaimed",
			zap.String("collection", entry.Collection),
			zap.String("partition", entry.ID),
			zap.Int64("bytes", entry.ByteSize),
		)
	}
	return nil
}

// SweepOrphans removes the debris a crash can leave behind: pending
// rows whose commit never happened, and objects no catalog row
// references. Run once at startup before serving traffic.
func (r *Reclaimer) SweepOrphans(ctx context.Context) (int, error) {
	swept := 0

	pending, err := r.catalog.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range pending {
		if err := r.store.Delete(ctx, entry.ObjectKey); err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn("failed to delete object of stale pending partition",
				zap.String("key", entry.ObjectKey), zap.Error(err))
			continue
		}
		if err := r.catalog.AbortPartition(ctx, entry.ID); err != nil {
			r.logger.Warn("failed to drop stale pending partition",
				zap.String("partition", entry.ID), zap.Error(err))
			continue
		}
		r.logger.Warn("stale pending partition swept",
			zap.String("collection", entry.Collection),
			zap.String("partition", entry.ID),
		)
		swept++
	}

	known, err := r.catalog.ObjectKeys(ctx)
	if err != nil {
		return swept, err
	}
	keys, err := r.store.List(ctx, "")
	if err != nil {
		return swept, err
	}
	for _, key := range keys {
		if _, ok := known[key]; ok {
			continue
		}
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Warn("failed to delete orphaned object",
				zap.String("key", key), zap.Error(err))
			continue
		}
		r.logger.Warn("orphaned object swept", zap.String("key", key))
		swept++
	}

	metrics.OrphansSwept.Add(float64(swept))
	return swept, nil
}

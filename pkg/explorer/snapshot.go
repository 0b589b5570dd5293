package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

const snapshotSchemaVersion = 1

// SnapshotSaver persists graph snapshots.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *store.Snapshot) error
}

// SnapshotPruner deletes snapshots older than a retention window.
type SnapshotPruner interface {
	PruneSnapshots(ctx context.Context, retention time.Duration) (int64, error)
}

// SnapshotWorker periodically persists the graph when it has changed.
type SnapshotWorker struct {
	store       SnapshotSaver
	graph       *graph.Graph
	interval    time.Duration
	logger      *zap.Logger
	lastVersion uint64

	pruner    SnapshotPruner
	archiver  *SnapshotArchiver
	retention time.Duration
}

// NewSnapshotWorker creates a new worker
func NewSnapshotWorker(st SnapshotSaver, g *graph.Graph, interval time.Duration, logger *zap.Logger) *SnapshotWorker {
	if interval == 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotWorker{
		store:    st,
		graph:    g,
		interval: interval,
		logger:   logger,
	}
}

// SetRetention prunes snapshots older than retention after every save.
func (w *SnapshotWorker) SetRetention(p SnapshotPruner, retention time.Duration) {
	w.pruner = p
	w.retention = retention
}

// Run starts the snapshot loop
func (w *SnapshotWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("snapshot_worker_started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("snapshot_worker_stopped")
			return
		case <-ticker.C:
			saved, err := w.TakeSnapshot(ctx)
			if err != nil {
				w.logger.Error("snapshot_failed", zap.Error(err))
			} else if saved {
				w.logger.Info("snapshot_created")
				w.prune(ctx)
			}
		}
	}
}

// SetArchiver moves expired snapshots to blob storage instead of deleting them.
func (w *SnapshotWorker) SetArchiver(a *SnapshotArchiver) {
	w.archiver = a
}

func (w *SnapshotWorker) prune(ctx context.Context) {
	if w.retention <= 0 {
		return
	}
	if w.archiver != nil {
		if _, err := w.archiver.ArchiveBefore(ctx, time.Now().UTC().Add(-w.retention)); err != nil {
			w.logger.Error("snapshot_archive_failed", zap.Error(err))
		}
		return
	}
	if w.pruner == nil {
		return
	}
	n, err := w.pruner.PruneSnapshots(ctx, w.retention)
	if err != nil {
		w.logger.Error("snapshot_prune_failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("snapshots_pruned", zap.Int64("count", n))
	}
}

// TakeSnapshot saves the graph if it changed since the last save and has a root.
func (w *SnapshotWorker) TakeSnapshot(ctx context.Context) (bool, error) {
	version := w.graph.Version()
	if version == w.lastVersion {
		return false, nil
	}

	snap := w.graph.Snapshot()
	if snap.RootID == 0 {
		w.lastVersion = version
		return false, nil
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to marshal snapshot payload: %w", err)
	}

	rec := &store.Snapshot{
		SnapshotID:    uuid.NewString(),
		SchemaVersion: snapshotSchemaVersion,
		RootID:        snap.RootID,
		GraphVersion:  version,
		TsSnapshot:    time.Now().UTC(),
		NodeCount:     len(snap.Nodes),
		EdgeCount:     len(snap.Edges),
		Payload:       payload,
	}

	if err := w.store.SaveSnapshot(ctx, rec); err != nil {
		return false, fmt.Errorf("store save failed: %w", err)
	}
	w.lastVersion = version
	return true, nil
}

// LoadLatestSnapshot decodes the newest persisted graph for rootID.
func LoadLatestSnapshot(ctx context.Context, src SnapshotSource, rootID int64) (graph.Snapshot, error) {
	rec, err := src.GetLatestSnapshot(ctx, rootID)
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	if rec == nil {
		return graph.Snapshot{}, ErrNoSnapshot
	}
	if rec.SchemaVersion != snapshotSchemaVersion {
		return graph.Snapshot{}, fmt.Errorf("unsupported snapshot schema version %d", rec.SchemaVersion)
	}

	var snap graph.Snapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return graph.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot payload: %w", err)
	}
	return snap, nil
}

package explorer

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/blob"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

const defaultArchiveBatch = 100

// ArchiveStore is the snapshot table the archiver drains.
type ArchiveStore interface {
	SnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*store.Snapshot, error)
	DeleteSnapshots(ctx context.Context, ids []string) error
}

// SnapshotArchiver moves expired snapshots into blob storage as gzipped
// JSON lines, deleting them from the store only after the upload succeeded.
type SnapshotArchiver struct {
	store     ArchiveStore
	blobStore blob.BlobStore
	batchSize int
	logger    *zap.Logger
}

// NewSnapshotArchiver creates an archiver. batchSize <= 0 uses 100.
func NewSnapshotArchiver(st ArchiveStore, bs blob.BlobStore, batchSize int, logger *zap.Logger) *SnapshotArchiver {
	if batchSize <= 0 {
		batchSize = defaultArchiveBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotArchiver{
		store:     st,
		blobStore: bs,
		batchSize: batchSize,
		logger:    logger,
	}
}

// ArchiveBefore archives every snapshot older than cutoff and returns how many moved.
func (a *SnapshotArchiver) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		n, err := a.archiveBatch(ctx, cutoff)
		total += n
		if err != nil || n < a.batchSize {
			return total, err
		}
	}
}

func (a *SnapshotArchiver) archiveBatch(ctx context.Context, cutoff time.Time) (int, error) {
	snaps, err := a.store.SnapshotsBefore(ctx, cutoff, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read candidate snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	encoder := json.NewEncoder(gzWriter)
	for _, snap := range snaps {
		if err := encoder.Encode(snap); err != nil {
			gzWriter.Close()
			return 0, fmt.Errorf("failed to encode snapshot %s: %w", snap.SnapshotID, err)
		}
	}
	if err := gzWriter.Close(); err != nil {
		return 0, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	// snapshots/YYYY/MM/DD/<first>_<last>_<uuid>.jsonl.gz
	first, last := snaps[0], snaps[len(snaps)-1]
	year, month, day := first.TsSnapshot.UTC().Date()
	key := fmt.Sprintf("snapshots/%04d/%02d/%02d/%d_%d_%s.jsonl.gz",
		year, month, day,
		first.TsSnapshot.Unix(),
		last.TsSnapshot.Unix(),
		uuid.NewString(),
	)

	if err := a.blobStore.Put(ctx, key, &buf); err != nil {
		return 0, fmt.Errorf("failed to upload archive to blob store: %w", err)
	}

	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.SnapshotID
	}
	if err := a.store.DeleteSnapshots(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete archived snapshots: %w", err)
	}

	a.logger.Info("snapshots_archived", zap.String("key", key), zap.Int("count", len(snaps)))
	return len(snaps), nil
}

// ReadArchive decodes one archive blob.
func ReadArchive(ctx context.Context, bs blob.BlobStore, key string) ([]*store.Snapshot, error) {
	rc, err := bs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", key, err)
	}
	defer gz.Close()

	var snaps []*store.Snapshot
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var snap store.Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode archive %s: %w", key, err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, scanner.Err()
}

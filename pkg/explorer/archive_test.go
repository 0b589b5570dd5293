package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/ciexplorer/pkg/blob"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

func TestSnapshotArchiver_ArchiveBefore(t *testing.T) {
	st, err := store.NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	bs := blob.NewLocalBlobStore(t.TempDir())
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		age := time.Duration(10-i) * 24 * time.Hour
		if i == 4 {
			age = time.Hour
		}
		require.NoError(t, st.SaveSnapshot(ctx, &store.Snapshot{
			SnapshotID:    fmt.Sprintf("s%d", i),
			SchemaVersion: 1,
			RootID:        42,
			TsSnapshot:    now.Add(-age),
			Payload:       json.RawMessage(`{"root_id":42}`),
		}))
	}

	archiver := NewSnapshotArchiver(st, bs, 2, nil)
	n, err := archiver.ArchiveBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	left, err := st.ListSnapshots(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "s4", left[0].SnapshotID)

	keys, err := bs.List(ctx, "snapshots")
	require.NoError(t, err)
	require.Len(t, keys, 2, "two batches of two")

	var ids []string
	for _, key := range keys {
		assert.True(t, strings.HasSuffix(key, ".jsonl.gz"), key)
		snaps, err := ReadArchive(ctx, bs, key)
		require.NoError(t, err)
		for _, s := range snaps {
			ids = append(ids, s.SnapshotID)
			assert.JSONEq(t, `{"root_id":42}`, string(s.Payload))
		}
	}
	assert.ElementsMatch(t, []string{"s0", "s1", "s2", "s3"}, ids)
}

func TestSnapshotWorker_ArchivesInsteadOfPruning(t *testing.T) {
	e, _, st := newTestExplorer(t)
	bs := blob.NewLocalBlobStore(t.TempDir())
	ctx := context.Background()

	worker := NewSnapshotWorker(st, e.Graph(), time.Hour, nil)
	worker.SetRetention(st, 24*time.Hour)
	worker.SetArchiver(NewSnapshotArchiver(st, bs, 0, nil))

	require.NoError(t, st.SaveSnapshot(ctx, &store.Snapshot{
		SnapshotID:    "old",
		SchemaVersion: 1,
		RootID:        42,
		TsSnapshot:    time.Now().UTC().Add(-48 * time.Hour),
		Payload:       json.RawMessage(`{}`),
	}))

	worker.prune(ctx)

	snaps, err := st.ListSnapshots(ctx, 42, 10)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	keys, err := bs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	archived, err := ReadArchive(ctx, bs, keys[0])
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "old", archived[0].SnapshotID)
}

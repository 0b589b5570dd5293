package explorer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/model"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

func rec(id int64, label string) model.NodeRecord {
	return model.NodeRecord{
		LinkedObject: model.LinkedObject{PublicID: id, TypeID: 1},
		TypeInfo:     model.TypeInfo{TypeID: 1, Label: label},
	}
}

func edge(from, to, rel int64) model.CIEdge {
	return model.CIEdge{From: from, To: to, Metadata: []model.RelationMeta{{RelationID: rel, RelationName: "depends_on"}}}
}

// fakeFetcher answers from a table keyed by request. gate, when set, blocks
// the matching request until it is closed.
type fakeFetcher struct {
	mu        sync.Mutex
	fragments map[model.FetchRequest]model.Fragment
	errs      map[model.FetchRequest]error
	gates     map[model.FetchRequest]chan struct{}
	started   chan model.FetchRequest
}

func newFakeFetcher() *fakeFetcher {
	root := rec(42, "Server")
	f := &fakeFetcher{
		fragments: map[model.FetchRequest]model.Fragment{},
		errs:      map[model.FetchRequest]error{},
		gates:     map[model.FetchRequest]chan struct{}{},
		started:   make(chan model.FetchRequest, 16),
	}
	f.fragments[model.FetchRequest{TargetID: 42, Mode: model.ModeRoot}] = model.Fragment{Root: &model.RootResponse{
		RootNode:    &root,
		ParentNodes: []model.NodeRecord{rec(41, "Rack")},
		ChildNodes:  []model.NodeRecord{rec(43, "Disk"), rec(44, "NIC")},
		ParentEdges: []model.CIEdge{edge(41, 42, 1)},
		ChildEdges:  []model.CIEdge{edge(42, 43, 2), edge(42, 44, 3)},
	}}
	f.fragments[model.FetchRequest{TargetID: 43, Mode: model.ModeChildren}] = model.Fragment{Children: &model.ChildrenResponse{
		ChildNodes: []model.NodeRecord{rec(42, "Server"), rec(45, "Partition")},
		ChildEdges: []model.CIEdge{edge(43, 42, 4), edge(43, 45, 5)},
	}}
	f.fragments[model.FetchRequest{TargetID: 41, Mode: model.ModeParents}] = model.Fragment{Parents: &model.ParentsResponse{
		ParentNodes: []model.NodeRecord{rec(40, "Room")},
		ParentEdges: []model.CIEdge{edge(40, 41, 6)},
	}}
	other := rec(100, "Switch")
	f.fragments[model.FetchRequest{TargetID: 100, Mode: model.ModeRoot}] = model.Fragment{Root: &model.RootResponse{RootNode: &other}}
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, req model.FetchRequest) (model.Fragment, error) {
	f.mu.Lock()
	gate := f.gates[req]
	frag, ok := f.fragments[req]
	err := f.errs[req]
	f.mu.Unlock()

	f.started <- req
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Fragment{}, ctx.Err()
		}
	}
	if err != nil {
		return model.Fragment{}, err
	}
	if !ok {
		return model.Fragment{}, fmt.Errorf("fetch %s: %w", req, client.ErrNotFound)
	}
	return frag, nil
}

func (f *fakeFetcher) gate(req model.FetchRequest) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[req] = ch
	return ch
}

func newTestExplorer(t *testing.T) (*Explorer, *fakeFetcher, *store.Store) {
	t.Helper()
	st, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := newFakeFetcher()
	e := New(f, graph.New(nil), nil)
	e.SetRecorder(st)
	e.SetSnapshotSource(st)
	return e, f, st
}

func TestExplorer_OpenAndExpand(t *testing.T) {
	e, _, st := newTestExplorer(t)
	ctx := context.Background()

	res, err := e.Open(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, res.Graph.Nodes, 4)
	assert.Len(t, res.Graph.Edges, 3)

	res, err = e.ExpandChildren(ctx, 43)
	require.NoError(t, err)
	root, _ := res.Graph.Node(42)
	assert.Equal(t, model.DirectionRoot, root.Direction)
	assert.Equal(t, 0, root.Level)
	part, _ := res.Graph.Node(45)
	assert.Equal(t, 2, part.Level)

	res, err = e.ExpandParents(ctx, 41)
	require.NoError(t, err)
	room, _ := res.Graph.Node(40)
	assert.Equal(t, -2, room.Level)

	events, err := st.ReadRecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	types := map[store.EventType]bool{}
	for _, evt := range events {
		types[evt.EventType] = true
		assert.Equal(t, "ok", evt.Outcome)
		assert.Equal(t, int64(42), evt.RootID)
	}
	assert.True(t, types[store.EventTypeExplorerOpened])
	assert.True(t, types[store.EventTypeChildrenExpanded])
	assert.True(t, types[store.EventTypeParentsExpanded])
}

func TestExplorer_ExpandUnknownNode(t *testing.T) {
	e, f, _ := newTestExplorer(t)
	ctx := context.Background()
	_, err := e.Open(ctx, 42)
	require.NoError(t, err)
	<-f.started

	_, err = e.ExpandChildren(ctx, 999)
	assert.ErrorIs(t, err, graph.ErrUnknownNode)
	select {
	case req := <-f.started:
		t.Fatalf("unexpected fetch %s", req)
	default:
	}
}

func TestExplorer_FetchErrorKeepsGraph(t *testing.T) {
	e, f, st := newTestExplorer(t)
	ctx := context.Background()
	_, err := e.Open(ctx, 42)
	require.NoError(t, err)
	before := e.Snapshot()

	f.errs[model.FetchRequest{TargetID: 44, Mode: model.ModeChildren}] = &client.TransportError{Op: "fetch", StatusCode: 502}
	_, err = e.ExpandChildren(ctx, 44)
	assert.True(t, client.IsTransport(err))
	assert.Equal(t, before, e.Snapshot())

	_, err = e.ExpandParents(ctx, 44)
	assert.ErrorIs(t, err, client.ErrNotFound)
	assert.Equal(t, before, e.Snapshot())

	events, err := st.ReadRecentEvents(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "not_found", events[0].Outcome)
}

func TestExplorer_OpenFailure(t *testing.T) {
	e, f, _ := newTestExplorer(t)
	f.errs[model.FetchRequest{TargetID: 7, Mode: model.ModeRoot}] = client.ErrForbidden

	_, err := e.Open(context.Background(), 7)
	assert.ErrorIs(t, err, client.ErrForbidden)
	assert.Empty(t, e.Snapshot().Nodes)
}

func TestExplorer_StaleExpandDiscardedAfterReRoot(t *testing.T) {
	e, f, _ := newTestExplorer(t)
	ctx := context.Background()
	_, err := e.Open(ctx, 42)
	require.NoError(t, err)
	<-f.started

	slow := model.FetchRequest{TargetID: 43, Mode: model.ModeChildren}
	gate := f.gate(slow)

	done := make(chan error, 1)
	go func() {
		_, err := e.ExpandChildren(ctx, 43)
		done <- err
	}()

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("expand never started")
	}

	_, err = e.Open(ctx, 100)
	require.NoError(t, err)
	close(gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, graph.ErrStaleEpoch)
	case <-time.After(5 * time.Second):
		t.Fatal("expand never finished")
	}

	snap := e.Snapshot()
	assert.Equal(t, int64(100), snap.RootID)
	assert.Len(t, snap.Nodes, 1)
}

func TestExplorer_CloseDiscardsInFlight(t *testing.T) {
	e, f, _ := newTestExplorer(t)
	ctx := context.Background()

	slow := model.FetchRequest{TargetID: 42, Mode: model.ModeRoot}
	gate := f.gate(slow)

	done := make(chan error, 1)
	go func() {
		_, err := e.Open(ctx, 42)
		done <- err
	}()
	<-f.started

	e.Close(ctx)
	close(gate)

	assert.ErrorIs(t, <-done, graph.ErrStaleEpoch)
	assert.Empty(t, e.Snapshot().Nodes)
}

func TestExplorer_Resume(t *testing.T) {
	e, _, st := newTestExplorer(t)
	ctx := context.Background()

	_, err := e.Resume(ctx, 42)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = e.Open(ctx, 42)
	require.NoError(t, err)
	_, err = e.ExpandChildren(ctx, 43)
	require.NoError(t, err)
	want := e.Snapshot()

	worker := NewSnapshotWorker(st, e.Graph(), time.Hour, nil)
	saved, err := worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	e.Close(ctx)
	require.Empty(t, e.Snapshot().Nodes)

	res, err := e.Resume(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, len(want.Nodes), len(res.Graph.Nodes))
	assert.Equal(t, want.Edges, res.Graph.Edges)
	n, _ := res.Graph.Node(45)
	assert.Equal(t, 2, n.Level)
}

func TestSnapshotWorker_SkipsUnchanged(t *testing.T) {
	e, _, st := newTestExplorer(t)
	ctx := context.Background()
	worker := NewSnapshotWorker(st, e.Graph(), time.Hour, nil)

	saved, err := worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, saved, "empty graph is not persisted")

	_, err = e.Open(ctx, 42)
	require.NoError(t, err)

	saved, err = worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	// Re-applying the same fragment changes nothing.
	_, err = e.ExpandParents(ctx, 41)
	require.NoError(t, err)
	saved, err = worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, saved)
	_, err = e.ExpandParents(ctx, 41)
	require.NoError(t, err)
	saved, err = worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	snaps, err := st.ListSnapshots(ctx, 42, 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestSnapshotWorker_Prune(t *testing.T) {
	e, _, st := newTestExplorer(t)
	ctx := context.Background()
	worker := NewSnapshotWorker(st, e.Graph(), time.Hour, nil)
	worker.SetRetention(st, 24*time.Hour)

	require.NoError(t, st.SaveSnapshot(ctx, &store.Snapshot{
		SnapshotID:    "old",
		SchemaVersion: 1,
		RootID:        42,
		TsSnapshot:    time.Now().UTC().Add(-48 * time.Hour),
		Payload:       []byte(`{}`),
	}))

	_, err := e.Open(ctx, 42)
	require.NoError(t, err)
	saved, err := worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, saved)
	worker.prune(ctx)

	snaps, err := st.ListSnapshots(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.NotEqual(t, "old", snaps[0].SnapshotID)
}

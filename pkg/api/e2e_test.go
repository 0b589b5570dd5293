package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/ciexplorer/pkg/api"
	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/explorer"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

// cmdb serves: 41 -hosts-> 42 -has_disk-> 43 -part-> 44, plus a second
// relation 42 -boots_from-> 43 reported by the children call.
func cmdb(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != client.DefaultRelationsPath {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("target_id") + "/" + q.Get("target_type") + "/" + q.Get("with_root") {
		case "42/BOTH/true":
			w.Write([]byte(`{
				"root_node": {"linked_object": {"public_id": 42, "type_id": 1}, "type_info": {"type_id": 1, "label": "Server"}},
				"parent_nodes": [{"linked_object": {"public_id": 41, "type_id": 2}, "type_info": {"type_id": 2, "label": "Rack"}}],
				"child_nodes": [{"linked_object": {"public_id": 43, "type_id": 3}, "type_info": {"type_id": 3, "label": "Disk"}}],
				"parent_edges": [{"from": 41, "to": 42, "metadata": [{"relation_id": 1, "relationName": "hosts"}]}],
				"child_edges": [{"from": 42, "to": 43, "metadata": [{"relation_id": 2, "relationName": "has_disk"}]}]
			}`))
		case "43/CHILD/false":
			w.Write([]byte(`{
				"child_nodes": [{"linked_object": {"public_id": 44, "type_id": 4}, "type_info": {"type_id": 4, "label": "Partition"}}],
				"child_edges": [
					{"from": 43, "to": 44, "metadata": [{"relation_id": 3, "relationName": "part"}]},
					{"from": 42, "to": 43, "metadata": [{"relation_id": 5, "relationName": "boots_from"}]}
				]
			}`))
		case "7/BOTH/true":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
}

func post(t *testing.T, url string, body any) (*http.Response, explorer.Result) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var res explorer.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, res
}

func TestEndToEnd(t *testing.T) {
	var hits int32
	backend := cmdb(t, &hits)
	defer backend.Close()

	st, err := store.NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	g := graph.New(nil)
	exp := explorer.New(client.NewClient(backend.URL, client.WithRetries(0, nil)), g, nil)
	exp.SetRecorder(st)
	exp.SetSnapshotSource(st)
	worker := explorer.NewSnapshotWorker(st, g, 0, nil)

	srv := httptest.NewServer(api.NewServer(exp, st, "", nil).Handler())
	defer srv.Close()
	ctx := context.Background()

	// open
	resp, res := post(t, srv.URL+"/v1/explorer/open", api.OpenRequest{RootID: 42})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, res.Graph.Nodes, 3)
	assert.Equal(t, 0, res.Graph.Nodes[42].Level)
	assert.Equal(t, -1, res.Graph.Nodes[41].Level)
	assert.Equal(t, graph.ColorParent, res.Graph.Nodes[41].Color)

	// expand children twice; the second time nothing changes
	resp, res = post(t, srv.URL+"/v1/explorer/expand", api.ExpandRequest{NodeID: 43, Direction: "children"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, res.Graph.Nodes[44].Level)
	edge, ok := res.Graph.Edge(42, 43)
	require.True(t, ok)
	assert.Len(t, edge.Metadata, 2, "second relation merged into the existing edge")
	first := res.Graph

	_, res = post(t, srv.URL+"/v1/explorer/expand", api.ExpandRequest{NodeID: 43, Direction: "children"})
	assert.Equal(t, first, res.Graph)

	saved, err := worker.TakeSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, saved)

	// expanding something outside the graph never reaches the backend
	before := atomic.LoadInt32(&hits)
	resp, _ = post(t, srv.URL+"/v1/explorer/expand", api.ExpandRequest{NodeID: 99, Direction: "parents"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, before, atomic.LoadInt32(&hits))

	// forbidden root empties the graph
	resp, _ = post(t, srv.URL+"/v1/explorer/open", api.OpenRequest{RootID: 7})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, g.Stats().Nodes)

	// resume restores the snapshot without fetching
	before = atomic.LoadInt32(&hits)
	resp, res = post(t, srv.URL+"/v1/explorer/resume", api.OpenRequest{RootID: 42})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first, res.Graph)
	assert.Equal(t, before, atomic.LoadInt32(&hits))

	// history
	r, err := http.Get(srv.URL + "/v1/events?limit=10")
	require.NoError(t, err)
	defer r.Body.Close()
	var events []store.Event
	require.NoError(t, json.NewDecoder(r.Body).Decode(&events))
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventTypeExplorerResumed, events[0].EventType)

	r2, err := http.Get(srv.URL + "/v1/snapshots?root_id=42")
	require.NoError(t, err)
	defer r2.Body.Close()
	var snaps []store.Snapshot
	require.NoError(t, json.NewDecoder(r2.Body).Decode(&snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, 4, snaps[0].NodeCount)
	assert.Equal(t, 3, snaps[0].EdgeCount)
}

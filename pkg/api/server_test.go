package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/explorer"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/model"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

type MockExplorer struct {
	err      error
	result   explorer.Result
	calls    []string
	lastID   int64
	lastMode model.Mode
	closed   bool
}

func (m *MockExplorer) Open(ctx context.Context, rootID int64) (explorer.Result, error) {
	m.calls = append(m.calls, "open")
	m.lastID = rootID
	return m.result, m.err
}

func (m *MockExplorer) Expand(ctx context.Context, nodeID int64, mode model.Mode) (explorer.Result, error) {
	m.calls = append(m.calls, "expand")
	m.lastID = nodeID
	m.lastMode = mode
	return m.result, m.err
}

func (m *MockExplorer) Resume(ctx context.Context, rootID int64) (explorer.Result, error) {
	m.calls = append(m.calls, "resume")
	m.lastID = rootID
	return m.result, m.err
}

func (m *MockExplorer) Close(ctx context.Context) {
	m.closed = true
}

func (m *MockExplorer) Snapshot() graph.Snapshot {
	return m.result.Graph
}

type MockStore struct {
	events    []*store.Event
	snapshots []*store.Snapshot
	lastRoot  int64
	lastLimit int
	err       error
}

func (m *MockStore) ReadRecentEvents(ctx context.Context, limit int) ([]*store.Event, error) {
	m.lastLimit = limit
	return m.events, m.err
}

func (m *MockStore) ListSnapshots(ctx context.Context, rootID int64, limit int) ([]*store.Snapshot, error) {
	m.lastRoot = rootID
	m.lastLimit = limit
	return m.snapshots, m.err
}

func sampleResult() explorer.Result {
	return explorer.Result{
		Epoch: 3,
		Graph: graph.Snapshot{
			RootID: 42,
			Nodes: map[int64]model.CINode{
				42: {LinkedObject: model.LinkedObject{PublicID: 42}, Level: 0, Direction: model.DirectionRoot, Color: graph.ColorRoot},
				43: {LinkedObject: model.LinkedObject{PublicID: 43}, Level: 1, Direction: model.DirectionChild, Color: graph.ColorChild},
			},
			Edges: []model.CIEdge{{From: 42, To: 43, Metadata: []model.RelationMeta{{RelationID: 7}}}},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSecureHeaders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	secureHandler := withSecureHeaders(handler)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	secureHandler.ServeHTTP(w, req)

	expectedHeaders := map[string]string{
		"Content-Security-Policy":   "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:;",
		"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "no-referrer",
		"X-XSS-Protection":          "1; mode=block",
	}

	for key, expected := range expectedHeaders {
		got := w.Header().Get(key)
		if got != expected {
			t.Errorf("Header %s: expected %q, got %q", key, expected, got)
		}
	}
}

func TestHealthAndTraceID(t *testing.T) {
	s := NewServer(&MockExplorer{}, nil, "", nil)

	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))

	w = do(t, s.Handler(), "GET", "/v1/health", nil)
	assert.Len(t, w.Header().Get("X-Trace-ID"), 32)
}

func TestHandleOpen(t *testing.T) {
	exp := &MockExplorer{result: sampleResult()}
	h := NewServer(exp, nil, "", nil).Handler()

	w := do(t, h, "POST", "/v1/explorer/open", OpenRequest{RootID: 42})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(42), exp.lastID)

	var res explorer.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, uint64(3), res.Epoch)
	assert.Equal(t, int64(42), res.Graph.RootID)
	assert.Len(t, res.Graph.Nodes, 2)
	assert.Equal(t, graph.ColorChild, res.Graph.Nodes[43].Color)
}

func TestHandleOpen_Validation(t *testing.T) {
	exp := &MockExplorer{}
	h := NewServer(exp, nil, "", nil).Handler()

	w := do(t, h, "GET", "/v1/explorer/open", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req := httptest.NewRequest("POST", "/v1/explorer/open", bytes.NewBufferString("{oops"))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)

	w = do(t, h, "POST", "/v1/explorer/open", OpenRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, exp.calls)
}

func TestHandleExpand(t *testing.T) {
	tests := []struct {
		direction string
		wantCode  int
		wantMode  model.Mode
	}{
		{"children", http.StatusOK, model.ModeChildren},
		{"parents", http.StatusOK, model.ModeParents},
		{"parent", http.StatusOK, model.ModeParents},
		{"sideways", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.direction, func(t *testing.T) {
			exp := &MockExplorer{result: sampleResult()}
			h := NewServer(exp, nil, "", nil).Handler()

			w := do(t, h, "POST", "/v1/explorer/expand", ExpandRequest{NodeID: 43, Direction: tt.direction})
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantMode, exp.lastMode)
		})
	}
}

func TestExplorerErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"NotFound", client.ErrNotFound, http.StatusNotFound, "not_found"},
		{"Forbidden", client.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"Transport", &client.TransportError{Op: "fetch", StatusCode: 503}, http.StatusBadGateway, "backend_error"},
		{"MalformedRoot", graph.ErrMalformedRoot, http.StatusBadGateway, "backend_error"},
		{"Stale", graph.ErrStaleEpoch, http.StatusConflict, "stale_response"},
		{"UnknownNode", graph.ErrUnknownNode, http.StatusNotFound, "unknown_node"},
		{"NoSnapshot", explorer.ErrNoSnapshot, http.StatusNotFound, "no_snapshot"},
		{"Other", errors.New("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &MockExplorer{err: tt.err, result: sampleResult()}
			h := NewServer(exp, nil, "", nil).Handler()

			w := do(t, h, "POST", "/v1/explorer/expand", ExpandRequest{NodeID: 43, Direction: "children"})
			assert.Equal(t, tt.wantCode, w.Code)

			var body struct {
				Error string         `json:"error"`
				Graph graph.Snapshot `json:"graph"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body.Error)
			// the graph as it stands is still returned
			assert.Equal(t, int64(42), body.Graph.RootID)
		})
	}
}

func TestHandleResumeAndClose(t *testing.T) {
	exp := &MockExplorer{result: sampleResult()}
	h := NewServer(exp, nil, "", nil).Handler()

	w := do(t, h, "POST", "/v1/explorer/resume", OpenRequest{RootID: 42})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"resume"}, exp.calls)

	w = do(t, h, "DELETE", "/v1/explorer", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, exp.closed)

	w = do(t, h, "GET", "/v1/explorer", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleGraph(t *testing.T) {
	h := NewServer(&MockExplorer{result: sampleResult()}, nil, "", nil).Handler()

	w := do(t, h, "GET", "/v1/explorer/graph", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap graph.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, sampleResult().Graph, snap)
}

func TestHandleEvents(t *testing.T) {
	st := &MockStore{events: []*store.Event{{EventID: "e1", EventType: store.EventTypeExplorerOpened, RootID: 42}}}
	h := NewServer(&MockExplorer{}, st, "", nil).Handler()

	w := do(t, h, "GET", "/v1/events?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, st.lastLimit)

	var events []store.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, store.EventTypeExplorerOpened, events[0].EventType)

	st.err = errors.New("db locked")
	w = do(t, h, "GET", "/v1/events", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 50, st.lastLimit)
}

func TestHandleSnapshots(t *testing.T) {
	st := &MockStore{snapshots: []*store.Snapshot{{SnapshotID: "s1", RootID: 42, NodeCount: 2, Payload: json.RawMessage(`{"root_id":42}`)}}}
	h := NewServer(&MockExplorer{}, st, "", nil).Handler()

	w := do(t, h, "GET", "/v1/snapshots?root_id=42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(42), st.lastRoot)
	assert.NotContains(t, w.Body.String(), `"payload":{`)
	assert.Contains(t, w.Body.String(), `"snapshot_id":"s1"`)

	w = do(t, h, "GET", "/v1/snapshots?root_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryWithoutStore(t *testing.T) {
	h := NewServer(&MockExplorer{}, nil, "", nil).Handler()

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/v1/events", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/v1/snapshots", nil).Code)
}

func TestAuth(t *testing.T) {
	s := NewServer(&MockExplorer{result: sampleResult()}, nil, "", nil)
	s.SetAuthToken("s3cret")
	h := s.Handler()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"Missing", "", http.StatusUnauthorized},
		{"BadFormat", "Token s3cret", http.StatusUnauthorized},
		{"Wrong", "Bearer nope", http.StatusUnauthorized},
		{"Valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/explorer/graph", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	// health stays open
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/v1/health", nil).Code)
}

func TestRecovery(t *testing.T) {
	s := NewServer(nil, nil, "", nil)
	h := s.withRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	explorer.FetchTotal.WithLabelValues("root", "ok").Inc()
	h := NewServer(&MockExplorer{}, nil, "", nil).Handler()

	w := do(t, h, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ciexplorer_fetch_total")
}

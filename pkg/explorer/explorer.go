package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/client"
	"github.com/rmax-ai/ciexplorer/pkg/graph"
	"github.com/rmax-ai/ciexplorer/pkg/model"
	"github.com/rmax-ai/ciexplorer/pkg/store"
)

// ErrNoSnapshot is returned by Resume when nothing was persisted for the root.
var ErrNoSnapshot = errors.New("no snapshot for root")

// Recorder receives the explorer action log.
type Recorder interface {
	AppendEvent(ctx context.Context, evt *store.Event) error
}

// SnapshotSource provides persisted graphs for Resume.
type SnapshotSource interface {
	GetLatestSnapshot(ctx context.Context, rootID int64) (*store.Snapshot, error)
}

// Result is what a UI action returns: the new graph state and any
// data-integrity warnings raised while merging.
type Result struct {
	Epoch    uint64          `json:"epoch"`
	Warnings []graph.Warning `json:"warnings,omitempty"`
	Graph    graph.Snapshot  `json:"graph"`
}

// Explorer drives one CI relationship graph: it fetches fragments for UI
// actions and hands them to the graph. Responses that arrive after the graph
// was closed or re-rooted are discarded.
type Explorer struct {
	fetcher   client.Fetcher
	graph     *graph.Graph
	recorder  Recorder
	snapshots SnapshotSource
	logger    *zap.Logger
}

// New creates an explorer over an existing graph.
func New(fetcher client.Fetcher, g *graph.Graph, logger *zap.Logger) *Explorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if g == nil {
		g = graph.New(logger)
	}
	return &Explorer{
		fetcher: fetcher,
		graph:   g,
		logger:  logger,
	}
}

// SetRecorder enables the action log.
func (e *Explorer) SetRecorder(r Recorder) {
	e.recorder = r
}

// SetSnapshotSource enables Resume.
func (e *Explorer) SetSnapshotSource(s SnapshotSource) {
	e.snapshots = s
}

// Graph returns the underlying graph.
func (e *Explorer) Graph() *graph.Graph {
	return e.graph
}

// Snapshot returns the current graph for rendering.
func (e *Explorer) Snapshot() graph.Snapshot {
	return e.graph.Snapshot()
}

// Open discards the current graph and loads rootID with one hop each way.
func (e *Explorer) Open(ctx context.Context, rootID int64) (Result, error) {
	epoch := e.graph.Reset()
	e.logger.Info("explorer_opening", zap.Int64("root_id", rootID), zap.Uint64("epoch", epoch))

	frag, err := e.fetch(ctx, model.FetchRequest{TargetID: rootID, Mode: model.ModeRoot})
	if err != nil {
		e.record(ctx, store.EventTypeExplorerOpened, rootID, rootID, epoch, err, nil)
		return Result{Epoch: epoch}, err
	}
	if frag.Root == nil {
		frag.Root = &model.RootResponse{}
	}

	warnings, err := e.graph.InitializeIn(epoch, *frag.Root)
	return e.finish(ctx, store.EventTypeExplorerOpened, rootID, epoch, warnings, err)
}

// ExpandChildren merges the next hop of children of nodeID.
func (e *Explorer) ExpandChildren(ctx context.Context, nodeID int64) (Result, error) {
	return e.Expand(ctx, nodeID, model.ModeChildren)
}

// ExpandParents merges the next hop of parents of nodeID.
func (e *Explorer) ExpandParents(ctx context.Context, nodeID int64) (Result, error) {
	return e.Expand(ctx, nodeID, model.ModeParents)
}

// Expand fetches and merges one hop from nodeID in the direction given by mode.
func (e *Explorer) Expand(ctx context.Context, nodeID int64, mode model.Mode) (Result, error) {
	evtType := store.EventTypeChildrenExpanded
	switch mode {
	case model.ModeChildren:
	case model.ModeParents:
		evtType = store.EventTypeParentsExpanded
	default:
		return Result{}, fmt.Errorf("cannot expand with mode %q", mode)
	}

	epoch := e.graph.Epoch()
	if !e.graph.Has(nodeID) {
		return Result{Epoch: epoch}, graph.ErrUnknownNode
	}

	frag, err := e.fetch(ctx, model.FetchRequest{TargetID: nodeID, Mode: mode})
	if err != nil {
		e.record(ctx, evtType, e.graph.Stats().RootID, nodeID, epoch, err, nil)
		return Result{Epoch: epoch, Graph: e.graph.Snapshot()}, err
	}

	var warnings []graph.Warning
	if mode == model.ModeChildren {
		var resp model.ChildrenResponse
		if frag.Children != nil {
			resp = *frag.Children
		}
		warnings, err = e.graph.MergeChildrenIn(epoch, nodeID, resp)
	} else {
		var resp model.ParentsResponse
		if frag.Parents != nil {
			resp = *frag.Parents
		}
		warnings, err = e.graph.MergeParentsIn(epoch, nodeID, resp)
	}
	return e.finish(ctx, evtType, nodeID, epoch, warnings, err)
}

// Resume restores the latest persisted graph for rootID without fetching.
func (e *Explorer) Resume(ctx context.Context, rootID int64) (Result, error) {
	if e.snapshots == nil {
		return Result{}, ErrNoSnapshot
	}
	snap, err := LoadLatestSnapshot(ctx, e.snapshots, rootID)
	if err != nil {
		return Result{}, err
	}

	warnings := e.graph.Restore(snap)
	epoch := e.graph.Epoch()
	e.logger.Info("explorer_resumed", zap.Int64("root_id", rootID), zap.Uint64("epoch", epoch), zap.Int("nodes", len(snap.Nodes)))
	return e.finish(ctx, store.EventTypeExplorerResumed, rootID, epoch, warnings, nil)
}

// Close discards the graph. In-flight responses for it will be dropped.
func (e *Explorer) Close(ctx context.Context) {
	rootID := e.graph.Stats().RootID
	epoch := e.graph.Reset()
	e.updateGauges()
	e.logger.Info("explorer_closed", zap.Int64("root_id", rootID), zap.Uint64("epoch", epoch))
	e.record(ctx, store.EventTypeExplorerClosed, rootID, rootID, epoch, nil, nil)
}

func (e *Explorer) fetch(ctx context.Context, req model.FetchRequest) (model.Fragment, error) {
	frag, err := e.fetcher.Fetch(ctx, req)
	FetchTotal.WithLabelValues(string(req.Mode), client.Outcome(err)).Inc()
	if err != nil {
		e.logger.Warn("fetch_failed", zap.String("request", req.String()), zap.Error(err))
	}
	return frag, err
}

func (e *Explorer) finish(ctx context.Context, evtType store.EventType, targetID int64, epoch uint64, warnings []graph.Warning, err error) (Result, error) {
	for _, w := range warnings {
		IntegrityWarningsTotal.WithLabelValues(string(w.Kind)).Inc()
		e.logger.Warn("data_integrity_warning", zap.String("kind", string(w.Kind)), zap.String("detail", w.Error()))
	}

	if errors.Is(err, graph.ErrStaleEpoch) {
		StaleResponsesTotal.Inc()
		e.logger.Info("stale_response_discarded", zap.String("action", string(evtType)), zap.Int64("target_id", targetID), zap.Uint64("epoch", epoch))
	}

	e.updateGauges()
	snap := e.graph.Snapshot()
	e.record(ctx, evtType, snap.RootID, targetID, epoch, err, map[string]any{
		"nodes":    len(snap.Nodes),
		"edges":    len(snap.Edges),
		"warnings": len(warnings),
	})

	if err != nil {
		return Result{Epoch: epoch, Warnings: warnings, Graph: snap}, err
	}
	e.logger.Debug("fragment_merged",
		zap.String("action", string(evtType)),
		zap.Int64("target_id", targetID),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)))
	return Result{Epoch: epoch, Warnings: warnings, Graph: snap}, nil
}

func (e *Explorer) updateGauges() {
	stats := e.graph.Stats()
	GraphNodes.Set(float64(stats.Nodes))
	GraphEdges.Set(float64(stats.Edges))
	PendingEdges.Set(float64(stats.Pending))
}

func (e *Explorer) record(ctx context.Context, evtType store.EventType, rootID, targetID int64, epoch uint64, err error, payload map[string]any) {
	if e.recorder == nil {
		return
	}
	outcome := client.Outcome(err)
	if errors.Is(err, graph.ErrStaleEpoch) {
		outcome = "stale"
	} else if err != nil && outcome == "error" {
		outcome = err.Error()
	}

	data := json.RawMessage(`{}`)
	if payload != nil {
		if b, mErr := json.Marshal(payload); mErr == nil {
			data = b
		}
	}

	evt := &store.Event{
		EventID:   store.EventID(uuid.NewString()),
		EventType: evtType,
		TsEvent:   time.Now().UTC(),
		RootID:    rootID,
		TargetID:  targetID,
		Epoch:     epoch,
		Outcome:   outcome,
		Payload:   data,
	}
	if err := e.recorder.AppendEvent(ctx, evt); err != nil {
		e.logger.Error("failed_to_record_event", zap.String("event_type", string(evtType)), zap.Error(err))
	}
}

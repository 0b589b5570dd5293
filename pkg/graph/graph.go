package graph

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/model"
)

// Graph is the assembled CI relationship graph. It is the sole writer of its
// node and edge sets; readers get copies through Snapshot.
//
// Nodes are keyed by CI public id and edges by their ordered (from, to) pair,
// so applying the same fragment twice leaves the graph unchanged. The first
// level and direction assigned to a node are kept for the life of the graph.
type Graph struct {
	mu      sync.RWMutex
	epoch   uint64
	version uint64
	rootID  int64
	nodes   map[int64]*model.CINode
	edges   map[model.EdgeKey]*model.CIEdge
	pending map[model.EdgeKey]*model.CIEdge
	logger  *zap.Logger
}

// Stats summarizes the graph for metrics.
type Stats struct {
	Epoch   uint64
	Version uint64
	RootID  int64
	Nodes   int
	Edges   int
	Pending int
}

// New creates an empty graph.
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:   make(map[int64]*model.CINode),
		edges:   make(map[model.EdgeKey]*model.CIEdge),
		pending: make(map[model.EdgeKey]*model.CIEdge),
		logger:  logger,
	}
}

// Epoch returns the current generation. It changes on every reset.
func (g *Graph) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// Version changes whenever the node or edge sets change.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Stats returns current counts.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		Epoch:   g.epoch,
		Version: g.version,
		RootID:  g.rootID,
		Nodes:   len(g.nodes),
		Edges:   len(g.edges),
		Pending: len(g.pending),
	}
}

// Has reports whether a node with the given public id is present.
func (g *Graph) Has(publicID int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[publicID]
	return ok
}

// Reset discards the graph and starts a new generation. Responses fetched
// under an older epoch are rejected by the epoch-guarded operations.
func (g *Graph) Reset() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	return g.epoch
}

// Initialize resets the graph and populates it from a root response.
func (g *Graph) Initialize(resp model.RootResponse) ([]Warning, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	return g.initializeLocked(resp)
}

// InitializeIn populates the graph from a root response fetched under epoch.
// The caller obtains epoch from Reset before issuing the fetch.
func (g *Graph) InitializeIn(epoch uint64, resp model.RootResponse) ([]Warning, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch != g.epoch {
		return nil, ErrStaleEpoch
	}
	g.clearLocked()
	return g.initializeLocked(resp)
}

// MergeChildren adds the next hop of children below parentID.
func (g *Graph) MergeChildren(parentID int64, resp model.ChildrenResponse) ([]Warning, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mergeLocked(parentID, resp.ChildNodes, resp.ChildEdges, model.DirectionChild)
}

// MergeChildrenIn is MergeChildren guarded by the epoch the fetch was issued under.
func (g *Graph) MergeChildrenIn(epoch uint64, parentID int64, resp model.ChildrenResponse) ([]Warning, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch != g.epoch {
		return nil, ErrStaleEpoch
	}
	return g.mergeLocked(parentID, resp.ChildNodes, resp.ChildEdges, model.DirectionChild)
}

// MergeParents adds the next hop of parents above childID.
func (g *Graph) MergeParents(childID int64, resp model.ParentsResponse) ([]Warning, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mergeLocked(childID, resp.ParentNodes, resp.ParentEdges, model.DirectionParent)
}

// MergeParentsIn is MergeParents guarded by the epoch the fetch was issued under.
func (g *Graph) MergeParentsIn(epoch uint64, childID int64, resp model.ParentsResponse) ([]Warning, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch != g.epoch {
		return nil, ErrStaleEpoch
	}
	return g.mergeLocked(childID, resp.ParentNodes, resp.ParentEdges, model.DirectionParent)
}

// resetLocked must be called with g.mu held.
func (g *Graph) resetLocked() {
	for key := range g.pending {
		g.logger.Warn("pending_edge_dropped",
			zap.Uint64("epoch", g.epoch),
			zap.Int64("from", key.From),
			zap.Int64("to", key.To))
	}
	g.clearLocked()
	g.epoch++
}

func (g *Graph) clearLocked() {
	if len(g.nodes) > 0 || len(g.edges) > 0 {
		g.version++
	}
	g.rootID = 0
	g.nodes = make(map[int64]*model.CINode)
	g.edges = make(map[model.EdgeKey]*model.CIEdge)
	g.pending = make(map[model.EdgeKey]*model.CIEdge)
}

func (g *Graph) initializeLocked(resp model.RootResponse) ([]Warning, error) {
	if resp.RootNode == nil {
		return nil, ErrMalformedRoot
	}
	if err := model.ValidateNode(*resp.RootNode); err != nil {
		return []Warning{nodeWarning(WarningMalformedNode, resp.RootNode.PublicID(), err)}, ErrMalformedRoot
	}

	root := newNode(*resp.RootNode, 0, model.DirectionRoot)
	g.rootID = root.PublicID()
	g.nodes[g.rootID] = root
	g.version++

	// Children are placed before parents: a CI listed on both sides of the
	// same response takes the child position.
	var warnings []Warning
	warnings = append(warnings, g.insertNodesLocked(resp.ChildNodes, ChildLevel(0), model.DirectionChild)...)
	warnings = append(warnings, g.insertNodesLocked(resp.ParentNodes, ParentLevel(0), model.DirectionParent)...)
	warnings = append(warnings, g.insertEdgesLocked(resp.ParentEdges)...)
	warnings = append(warnings, g.insertEdgesLocked(resp.ChildEdges)...)
	g.resolvePendingLocked()

	return warnings, nil
}

func (g *Graph) mergeLocked(anchorID int64, nodes []model.NodeRecord, edges []model.CIEdge, dir model.Direction) ([]Warning, error) {
	anchor, ok := g.nodes[anchorID]
	if !ok {
		return nil, ErrUnknownNode
	}

	level := ChildLevel(anchor.Level)
	if dir == model.DirectionParent {
		level = ParentLevel(anchor.Level)
	}

	var warnings []Warning
	warnings = append(warnings, g.insertNodesLocked(nodes, level, dir)...)
	warnings = append(warnings, g.insertEdgesLocked(edges)...)
	g.resolvePendingLocked()

	return warnings, nil
}

// insertNodesLocked adds records not yet present. Existing nodes are left as they are.
func (g *Graph) insertNodesLocked(records []model.NodeRecord, level int, dir model.Direction) []Warning {
	var warnings []Warning
	for _, rec := range records {
		if err := model.ValidateNode(rec); err != nil {
			warnings = append(warnings, nodeWarning(WarningMalformedNode, rec.PublicID(), err))
			continue
		}
		id := rec.PublicID()
		if _, exists := g.nodes[id]; exists {
			continue
		}
		g.nodes[id] = newNode(rec, level, dir)
		g.version++
	}
	return warnings
}

// insertEdgesLocked adds edges whose endpoints are both present and parks the rest.
func (g *Graph) insertEdgesLocked(edges []model.CIEdge) []Warning {
	var warnings []Warning
	for _, e := range edges {
		if err := model.ValidateEdge(e); err != nil {
			warnings = append(warnings, edgeWarning(WarningMalformedEdge, e.Key(), err.Error()))
			continue
		}
		if g.endpointsPresentLocked(e.Key()) {
			g.addEdgeLocked(g.edges, e, true)
			continue
		}
		g.addEdgeLocked(g.pending, e, false)
		warnings = append(warnings, edgeWarning(WarningPendingEdge, e.Key(), "endpoint not yet in graph; edge held"))
	}
	return warnings
}

// resolvePendingLocked moves parked edges whose endpoints have since arrived.
func (g *Graph) resolvePendingLocked() {
	for key, e := range g.pending {
		if !g.endpointsPresentLocked(key) {
			continue
		}
		g.addEdgeLocked(g.edges, *e, true)
		delete(g.pending, key)
	}
}

func (g *Graph) endpointsPresentLocked(key model.EdgeKey) bool {
	_, fromOK := g.nodes[key.From]
	_, toOK := g.nodes[key.To]
	return fromOK && toOK
}

// addEdgeLocked inserts e into set, or extends the existing edge's metadata
// with relations it does not carry yet.
func (g *Graph) addEdgeLocked(set map[model.EdgeKey]*model.CIEdge, e model.CIEdge, visible bool) {
	key := e.Key()
	existing, ok := set[key]
	if !ok {
		existing = &model.CIEdge{From: e.From, To: e.To, Metadata: make([]model.RelationMeta, 0, len(e.Metadata))}
		set[key] = existing
		if visible {
			g.version++
		}
	}
	if appendRelations(existing, e.Metadata) && visible {
		g.version++
	}
}

// appendRelations adds relations not already on the edge, by relation id.
func appendRelations(edge *model.CIEdge, relations []model.RelationMeta) bool {
	changed := false
	for _, rel := range relations {
		if hasRelation(edge.Metadata, rel.RelationID) {
			continue
		}
		edge.Metadata = append(edge.Metadata, rel)
		changed = true
	}
	return changed
}

func hasRelation(relations []model.RelationMeta, id int64) bool {
	for _, rel := range relations {
		if rel.RelationID == id {
			return true
		}
	}
	return false
}

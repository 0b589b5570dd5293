package graph

import (
	"sort"

	"github.com/rmax-ai/ciexplorer/pkg/model"
)

// Snapshot is a read-only copy of the graph for rendering. It carries no
// merge history, only the current node and edge sets.
type Snapshot struct {
	RootID int64                  `json:"root_id"`
	Nodes  map[int64]model.CINode `json:"nodes"`
	Edges  []model.CIEdge         `json:"edges"`
}

// Snapshot returns a copy of the visible graph. Pending edges are not included.
// Edges are ordered by (from, to).
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{
		RootID: g.rootID,
		Nodes:  make(map[int64]model.CINode, len(g.nodes)),
		Edges:  make([]model.CIEdge, 0, len(g.edges)),
	}
	for id, n := range g.nodes {
		snap.Nodes[id] = *n
	}
	for _, e := range g.edges {
		meta := make([]model.RelationMeta, len(e.Metadata))
		copy(meta, e.Metadata)
		snap.Edges = append(snap.Edges, model.CIEdge{From: e.From, To: e.To, Metadata: meta})
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		a, b := snap.Edges[i], snap.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return snap
}

// Restore replaces the graph with a previously taken snapshot. It counts as a
// reset. Edges whose endpoints are missing from the snapshot are skipped.
func (g *Graph) Restore(snap Snapshot) []Warning {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()

	g.rootID = snap.RootID
	for id, n := range snap.Nodes {
		node := n
		g.nodes[id] = &node
	}
	var warnings []Warning
	for _, e := range snap.Edges {
		if !g.endpointsPresentLocked(e.Key()) {
			warnings = append(warnings, edgeWarning(WarningDroppedEdge, e.Key(), "endpoint missing from snapshot"))
			continue
		}
		g.addEdgeLocked(g.edges, e, false)
	}
	g.version++
	return warnings
}

// Node returns the node with the given public id.
func (s Snapshot) Node(publicID int64) (model.CINode, bool) {
	n, ok := s.Nodes[publicID]
	return n, ok
}

// Edge returns the edge for the ordered pair (from, to).
func (s Snapshot) Edge(from, to int64) (model.CIEdge, bool) {
	i := sort.Search(len(s.Edges), func(i int) bool {
		e := s.Edges[i]
		return e.From > from || (e.From == from && e.To >= to)
	})
	if i < len(s.Edges) && s.Edges[i].From == from && s.Edges[i].To == to {
		return s.Edges[i], true
	}
	return model.CIEdge{}, false
}

// OrderedNodes returns nodes sorted by level, then public id.
func (s Snapshot) OrderedNodes() []model.CINode {
	nodes := make([]model.CINode, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].PublicID() < nodes[j].PublicID()
	})
	return nodes
}

package graph

import (
	"errors"
	"fmt"

	"github.com/rmax-ai/ciexplorer/pkg/model"
)

var (
	// ErrStaleEpoch is returned when a response arrives for a graph that was reset since the fetch began.
	ErrStaleEpoch = errors.New("graph was reset; response discarded")
	// ErrUnknownNode is returned when expanding a node the graph does not hold.
	ErrUnknownNode = errors.New("node not present in graph")
	// ErrMalformedRoot is returned when a root response has no usable root node.
	ErrMalformedRoot = errors.New("root response has no valid root node")
)

// WarningKind classifies a data-integrity problem found during a merge.
type WarningKind string

const (
	WarningMalformedNode WarningKind = "malformed_node"
	WarningMalformedEdge WarningKind = "malformed_edge"
	WarningPendingEdge   WarningKind = "pending_edge"
	WarningDroppedEdge   WarningKind = "dropped_edge"
)

// Warning is a DataIntegrityWarning: the offending record was skipped or deferred,
// the rest of the fragment was applied.
type Warning struct {
	Kind     WarningKind    `json:"kind"`
	PublicID int64          `json:"public_id,omitempty"`
	Edge     *model.EdgeKey `json:"edge,omitempty"`
	Message  string         `json:"message"`
}

func (w Warning) Error() string {
	switch {
	case w.Edge != nil:
		return fmt.Sprintf("%s %s: %s", w.Kind, w.Edge, w.Message)
	case w.PublicID != 0:
		return fmt.Sprintf("%s %d: %s", w.Kind, w.PublicID, w.Message)
	default:
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
}

func nodeWarning(kind WarningKind, id int64, err error) Warning {
	return Warning{Kind: kind, PublicID: id, Message: err.Error()}
}

func edgeWarning(kind WarningKind, key model.EdgeKey, msg string) Warning {
	k := key
	return Warning{Kind: kind, Edge: &k, Message: msg}
}

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction is the side of the root a node was discovered on.
type Direction string

const (
	DirectionRoot   Direction = "root"
	DirectionParent Direction = "parent"
	DirectionChild  Direction = "child"
)

// Field is one resolved attribute value of a CI, rendered as text.
type Field struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Text renders the value for display. JSON strings are unquoted, anything else is shown as sent.
func (f Field) Text() string {
	if len(f.Value) == 0 || string(f.Value) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err == nil {
		return s
	}
	return string(f.Value)
}

// TypeFieldDef describes one field of a CI type. Used for labels only.
type TypeFieldDef struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// LinkedObject is a CI instance. PublicID is its identity across the whole graph.
type LinkedObject struct {
	PublicID          int64           `json:"public_id" validate:"gt=0"`
	TypeID            int64           `json:"type_id"`
	Version           string          `json:"version"`
	CreationTime      time.Time       `json:"creation_time"`
	AuthorID          int64           `json:"author_id"`
	LastEditTime      *time.Time      `json:"last_edit_time"`
	EditorID          *int64          `json:"editor_id"`
	Active            bool            `json:"active"`
	Fields            []Field         `json:"fields"`
	MultiDataSections json.RawMessage `json:"multi_data_sections,omitempty"`
}

// TypeInfo is display metadata for a CI type, immutable for the life of a node.
type TypeInfo struct {
	TypeID int64          `json:"type_id"`
	Label  string         `json:"label"`
	Icon   string         `json:"icon"`
	Fields []TypeFieldDef `json:"fields"`
}

// NodeRecord is a node as the relationship service sends it.
type NodeRecord struct {
	LinkedObject LinkedObject `json:"linked_object" validate:"required"`
	TypeInfo     TypeInfo     `json:"type_info"`
}

// PublicID returns the CI identity of the record.
func (r NodeRecord) PublicID() int64 {
	return r.LinkedObject.PublicID
}

// CINode is a CI placed in the assembled graph.
type CINode struct {
	LinkedObject LinkedObject `json:"linked_object"`
	TypeInfo     TypeInfo     `json:"type_info"`
	Level        int          `json:"level"`
	Direction    Direction    `json:"direction"`
	Color        string       `json:"color"`
	Title        string       `json:"title"`
}

// PublicID returns the CI identity of the node.
func (n CINode) PublicID() int64 {
	return n.LinkedObject.PublicID
}

// RelationMeta is one typed relationship definition between two CIs.
type RelationMeta struct {
	RelationID    int64  `json:"relation_id" validate:"gt=0"`
	RelationName  string `json:"relationName"`
	RelationLabel string `json:"relationLabel"`
	RelationIcon  string `json:"relationIcon"`
	RelationColor string `json:"relationColor"`
}

// EdgeKey identifies an edge by its ordered endpoint pair.
type EdgeKey struct {
	From int64
	To   int64
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%d->%d", k.From, k.To)
}

// CIEdge connects two CIs. All relations between the same ordered pair share one edge.
type CIEdge struct {
	From     int64          `json:"from" validate:"gt=0"`
	To       int64          `json:"to" validate:"gt=0"`
	Metadata []RelationMeta `json:"metadata" validate:"dive"`
}

// Key returns the dedup key of the edge.
func (e CIEdge) Key() EdgeKey {
	return EdgeKey{From: e.From, To: e.To}
}

// RootResponse is the answer to a root load: the root plus one hop each way.
type RootResponse struct {
	RootNode    *NodeRecord  `json:"root_node"`
	ParentNodes []NodeRecord `json:"parent_nodes"`
	ChildNodes  []NodeRecord `json:"child_nodes"`
	ParentEdges []CIEdge     `json:"parent_edges"`
	ChildEdges  []CIEdge     `json:"child_edges"`
}

// ChildrenResponse is the answer to a child expansion.
type ChildrenResponse struct {
	ChildNodes []NodeRecord `json:"child_nodes"`
	ChildEdges []CIEdge     `json:"child_edges"`
}

// ParentsResponse is the answer to a parent expansion.
type ParentsResponse struct {
	ParentNodes []NodeRecord `json:"parent_nodes"`
	ParentEdges []CIEdge     `json:"parent_edges"`
}

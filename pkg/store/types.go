package store

import (
	"encoding/json"
	"time"
)

// EventType represents the kind of explorer action recorded.
type EventType string

const (
	EventTypeExplorerOpened   EventType = "explorer_opened"
	EventTypeChildrenExpanded EventType = "children_expanded"
	EventTypeParentsExpanded  EventType = "parents_expanded"
	EventTypeExplorerResumed  EventType = "explorer_resumed"
	EventTypeExplorerClosed   EventType = "explorer_closed"
)

// EventID is a unique identifier for an event.
type EventID string

// Event is one entry of the explorer action log.
type Event struct {
	EventID   EventID         `json:"event_id"`
	EventType EventType       `json:"event_type"`
	TsEvent   time.Time       `json:"ts_event"`
	RootID    int64           `json:"root_id"`
	TargetID  int64           `json:"target_id"`
	Epoch     uint64          `json:"epoch"`
	Outcome   string          `json:"outcome"`
	Payload   json.RawMessage `json:"payload"`
}

// Snapshot is a persisted copy of an assembled graph.
type Snapshot struct {
	SnapshotID    string          `json:"snapshot_id"`
	SchemaVersion int             `json:"schema_version"`
	RootID        int64           `json:"root_id"`
	GraphVersion  uint64          `json:"graph_version"`
	TsSnapshot    time.Time       `json:"ts_snapshot"`
	NodeCount     int             `json:"node_count"`
	EdgeCount     int             `json:"edge_count"`
	Payload       json.RawMessage `json:"payload"`
}

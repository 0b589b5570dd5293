package model

import "fmt"

// Mode selects which of the three retrieval stages a fetch performs.
type Mode string

const (
	ModeRoot     Mode = "root"
	ModeChildren Mode = "children"
	ModeParents  Mode = "parents"
)

// TargetType is the wire value of the target_type query parameter.
func (m Mode) TargetType() string {
	switch m {
	case ModeChildren:
		return "CHILD"
	case ModeParents:
		return "PARENT"
	default:
		return "BOTH"
	}
}

// WithRoot reports whether the server should include the target node itself.
func (m Mode) WithRoot() bool {
	return m == ModeRoot
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeRoot || m == ModeChildren || m == ModeParents
}

// FetchRequest is the single request shape for all three retrieval stages.
type FetchRequest struct {
	TargetID int64
	Mode     Mode
}

func (r FetchRequest) String() string {
	return fmt.Sprintf("%s:%d", r.Mode, r.TargetID)
}

// Fragment is a decoded server response. Exactly one field is set, matching the request mode.
type Fragment struct {
	Root     *RootResponse     `json:"root,omitempty"`
	Children *ChildrenResponse `json:"children,omitempty"`
	Parents  *ParentsResponse  `json:"parents,omitempty"`
}

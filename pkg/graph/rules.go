package graph

import (
	"fmt"

	"github.com/rmax-ai/ciexplorer/pkg/model"
)

// Display colors per direction.
const (
	ColorRoot   = "#f0ad4e"
	ColorParent = "#5bc0de"
	ColorChild  = "#5cb85c"
)

// ColorFor maps a direction to its fixed display color.
func ColorFor(d model.Direction) string {
	switch d {
	case model.DirectionRoot:
		return ColorRoot
	case model.DirectionParent:
		return ColorParent
	default:
		return ColorChild
	}
}

// ChildLevel is the level of a node discovered as a child of a node at level.
// Level 0 belongs to the root alone, so a child found one hop below a parent
// row lands on the first child row.
func ChildLevel(level int) int {
	if next := level + 1; next != 0 {
		return next
	}
	return 1
}

// ParentLevel is the mirror of ChildLevel.
func ParentLevel(level int) int {
	if next := level - 1; next != 0 {
		return next
	}
	return -1
}

// TitleFor builds the node title from its type label and public id.
func TitleFor(info model.TypeInfo, publicID int64) string {
	label := info.Label
	if label == "" {
		label = "CI"
	}
	return fmt.Sprintf("%s #%d", label, publicID)
}

// newNode places a record at a level and direction. Color and title are fixed here.
func newNode(rec model.NodeRecord, level int, dir model.Direction) *model.CINode {
	return &model.CINode{
		LinkedObject: rec.LinkedObject,
		TypeInfo:     rec.TypeInfo,
		Level:        level,
		Direction:    dir,
		Color:        ColorFor(dir),
		Title:        TitleFor(rec.TypeInfo, rec.PublicID()),
	}
}

package identity

import (
	"strconv"
	"strings"
)

// Segment is one step of a structural AST path: the node kind plus the
// child's position among its siblings.
type Segment struct {
	Kind  string
	Index int
}

// IndexSegment builds a segment for a child held at an array position.
func IndexSegment(kind string, index int) Segment {
	return Segment{Kind: kind, Index: index}
}

func (s Segment) String() string {
	return s.Kind + "[" + strconv.Itoa(s.Index) + "]"
}

// Path is the ancestor chain of an element, root first. It is what makes
// the identity hash resilient to insertion or deletion of unrelated
// siblings elsewhere in the file while staying unique per element.
type Path []Segment

// String renders the path in the canonical "Kind[i]/Kind[j]/..." form used
// as the RealmID.ASTPath.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, "/")
}

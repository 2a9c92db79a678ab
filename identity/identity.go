// Package identity derives stable structural identifiers for JSX source
// elements.
//
// A RealmID is a pure function of an element's structural position (file,
// enclosing component, AST path, start line/column) — never of its textual
// content. Editing an element's attributes or text leaves its identity
// intact; moving it structurally produces a new one. The Version counter
// rides along to detect stale writers.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HashLen is the length of the hex-encoded identity hash.
const HashLen = 12

// Position is a point in source text. Line and Column are 1-based,
// Index is the 0-based byte offset.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Index  int `json:"index"`
}

// Location is the half-open source range covered by an element.
type Location struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether the given line/column falls inside the range.
func (l Location) Contains(line, column int) bool {
	if line < l.Start.Line || line > l.End.Line {
		return false
	}
	if line == l.Start.Line && column < l.Start.Column {
		return false
	}
	if line == l.End.Line && column > l.End.Column {
		return false
	}
	return true
}

// RealmID is the stable identity of one JSX element.
type RealmID struct {
	Hash           string   `json:"hash"`
	SourceFile     string   `json:"sourceFile"`
	ComponentName  string   `json:"componentName"`
	ASTPath        string   `json:"astPath"`
	SourceLocation Location `json:"sourceLocation"`
	Version        int      `json:"version"`
}

// New derives a RealmID from an element's structural position. Version
// starts at 0 and is bumped by the sync engine on each committed write.
func New(sourceFile, componentName, astPath string, loc Location) RealmID {
	return RealmID{
		Hash:           Hash(sourceFile, componentName, astPath, loc.Start.Line, loc.Start.Column),
		SourceFile:     sourceFile,
		ComponentName:  componentName,
		ASTPath:        astPath,
		SourceLocation: loc,
		Version:        0,
	}
}

// Hash computes the 12-hex-char identity hash from structural position.
// Deterministic: identical inputs always yield an identical hash.
func Hash(sourceFile, componentName, astPath string, startLine, startCol int) string {
	h := sha256.New()
	h.Write([]byte(sourceFile))
	h.Write([]byte{':'})
	h.Write([]byte(componentName))
	h.Write([]byte{':'})
	h.Write([]byte(astPath))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(startLine)))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(startCol)))
	return hex.EncodeToString(h.Sum(nil))[:HashLen]
}

// SameElement reports whether two IDs refer to the same structural element,
// regardless of version.
func SameElement(a, b RealmID) bool {
	return a.Hash != "" && a.Hash == b.Hash
}

// SameVersion reports whether two IDs refer to the same element AND neither
// side has seen a write the other missed.
func SameVersion(a, b RealmID) bool {
	return SameElement(a, b) && a.Version == b.Version
}

// Validate checks the shape of an ID arriving over the wire from an
// untrusted client. Invalid shapes are rejected, never repaired.
func (id RealmID) Validate() error {
	if len(id.Hash) != HashLen {
		return fmt.Errorf("identity: hash must be %d hex chars, got %q", HashLen, id.Hash)
	}
	for _, r := range id.Hash {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return fmt.Errorf("identity: hash contains non-hex char %q", r)
		}
	}
	if id.SourceFile == "" {
		return fmt.Errorf("identity: sourceFile is empty")
	}
	if id.ComponentName == "" {
		return fmt.Errorf("identity: componentName is empty")
	}
	if id.SourceLocation.Start.Line < 1 || id.SourceLocation.Start.Column < 0 {
		return fmt.Errorf("identity: invalid start position %+v", id.SourceLocation.Start)
	}
	if id.Version < 0 {
		return fmt.Errorf("identity: negative version %d", id.Version)
	}
	return nil
}

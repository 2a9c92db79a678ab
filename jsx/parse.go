// Package jsx locates and safely mutates JSX elements inside otherwise
// untouched TSX/JSX source text.
//
// The parser is a structural element scanner, not a full JavaScript parser:
// it tracks strings, comments, and balanced expression braces well enough
// to find every JSX element with exact byte spans for its open tag,
// attributes, children, and close tag. Mutations are byte-precise splices
// into the original text; the result is re-parsed before it is accepted, so
// source that does not scan cleanly is never produced.
//
// Expression children are opaque: elements rendered inside a {...} child,
// such as the body of items.map(i => <span/>), are consumed as part of the
// expression and never enter the element tree. They cannot be located, so
// mutations addressed at them fail as NO_MATCH; this also keeps child
// element indices stable when the expression changes.
package jsx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/realm/identity"
)

// Node is a child of an element: *Element, *Text, or *ExprChild.
type Node interface {
	Span() (start, end int)
}

// Attr is one attribute of an open tag.
type Attr struct {
	Name     string
	Start    int // offset of the name
	End      int // offset just past the value (or name, when bare)
	ValStart int // offset of the value token, quotes/braces included
	ValEnd   int
	Value    string // unquoted literal; empty for expressions
	IsExpr   bool   // value is a {…} expression
	HasValue bool
}

// Element is one JSX element with exact source spans.
type Element struct {
	Tag         string // empty for fragments
	Attrs       []*Attr
	Children    []Node
	Parent      *Element
	SelfClosing bool
	Start       int // offset of '<'
	OpenEnd     int // offset just past the '>' of the open tag
	CloseStart  int // offset of the closing '</'; == End for self-closing
	End         int // offset just past the final '>'
}

func (e *Element) Span() (int, int) { return e.Start, e.End }

// Attr returns the attribute with the given name, if present.
func (e *Element) Attr(name string) *Attr {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// ChildElements returns the direct element children in document order.
func (e *Element) ChildElements() []*Element {
	var out []*Element
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			out = append(out, el)
		}
	}
	return out
}

// Text is a raw text run between tags, whitespace included.
type Text struct {
	Value string
	Start int
	End   int
}

func (t *Text) Span() (int, int) { return t.Start, t.End }

// ExprChild is a {…} expression child.
type ExprChild struct {
	Raw   string
	Start int
	End   int
}

func (x *ExprChild) Span() (int, int) { return x.Start, x.End }

// Document is a parsed source file.
type Document struct {
	Source string
	Roots  []*Element

	lineOffsets []int
	components  []componentDecl
}

type componentDecl struct {
	offset int
	name   string
}

// Parse scans source and returns its JSX element structure.
func Parse(source string) (*Document, error) {
	p := &parser{src: source, n: len(source)}
	doc := &Document{Source: source}

	for p.i < p.n {
		switch c := p.src[p.i]; c {
		case '\'', '"', '`':
			if err := p.consumeString(c); err != nil {
				return nil, err
			}
		case '/':
			if !p.consumeComment() {
				p.i++
			}
		case '<':
			if p.jsxStart() {
				el, err := p.parseElement(nil)
				if err != nil {
					return nil, err
				}
				doc.Roots = append(doc.Roots, el)
			} else {
				p.i++
			}
		default:
			p.i++
		}
	}

	doc.index()
	return doc, nil
}

// Walk visits every element depth-first, parents before children. The
// visitor returns false to stop the walk.
func (d *Document) Walk(fn func(*Element) bool) {
	var visit func(e *Element) bool
	visit = func(e *Element) bool {
		if !fn(e) {
			return false
		}
		for _, c := range e.ChildElements() {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	for _, r := range d.Roots {
		if !visit(r) {
			return
		}
	}
}

// Pos converts a byte offset to a 1-based line/column position.
func (d *Document) Pos(offset int) identity.Position {
	line := sort.Search(len(d.lineOffsets), func(i int) bool {
		return d.lineOffsets[i] > offset
	})
	// line is now 1-based (lineOffsets[0] == 0 is line 1).
	col := offset - d.lineOffsets[line-1] + 1
	return identity.Position{Line: line, Column: col, Index: offset}
}

// Location returns the element's full source range.
func (d *Document) Location(e *Element) identity.Location {
	return identity.Location{Start: d.Pos(e.Start), End: d.Pos(e.End)}
}

// ComponentAt returns the name of the nearest component declaration
// preceding the offset, or "Anonymous" when none exists.
func (d *Document) ComponentAt(offset int) string {
	name := "Anonymous"
	for _, c := range d.components {
		if c.offset > offset {
			break
		}
		name = c.name
	}
	return name
}

// PathOf builds the structural AST path of an element: the chain of
// element positions from its root, resilient to edits elsewhere in the
// file.
func (d *Document) PathOf(e *Element) identity.Path {
	var rev []identity.Segment
	for cur := e; cur != nil; cur = cur.Parent {
		if cur.Parent == nil {
			idx := 0
			for i, r := range d.Roots {
				if r == cur {
					idx = i
					break
				}
			}
			rev = append(rev, identity.IndexSegment("JSXElement", idx))
		} else {
			idx := 0
			for i, sib := range cur.Parent.ChildElements() {
				if sib == cur {
					idx = i
					break
				}
			}
			rev = append(rev, identity.IndexSegment("JSXElement", idx))
		}
	}
	path := make(identity.Path, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path
}

// IdentityFor derives the stable RealmID of an element within a file.
func (d *Document) IdentityFor(file string, e *Element) identity.RealmID {
	return identity.New(file, d.ComponentAt(e.Start), d.PathOf(e).String(), d.Location(e))
}

// index precomputes line offsets and component declarations.
func (d *Document) index() {
	d.lineOffsets = []int{0}
	for i := 0; i < len(d.Source); i++ {
		if d.Source[i] == '\n' {
			d.lineOffsets = append(d.lineOffsets, i+1)
		}
	}
	d.components = scanComponents(d.Source)
}

// scanComponents finds "function Name(" and "const Name =" declarations
// whose name starts uppercase — the usual component shapes.
func scanComponents(src string) []componentDecl {
	var out []componentDecl
	for i := 0; i+8 < len(src); i++ {
		rest := src[i:]
		var after string
		switch {
		case strings.HasPrefix(rest, "function") && boundary(src, i, i+8):
			after = rest[8:]
		case strings.HasPrefix(rest, "const") && boundary(src, i, i+5):
			after = rest[5:]
		case strings.HasPrefix(rest, "let") && boundary(src, i, i+3):
			after = rest[3:]
		case strings.HasPrefix(rest, "var") && boundary(src, i, i+3):
			after = rest[3:]
		default:
			continue
		}
		j := 0
		for j < len(after) && (after[j] == ' ' || after[j] == '\t') {
			j++
		}
		start := j
		for j < len(after) && isIdentChar(after[j]) {
			j++
		}
		name := after[start:j]
		if name == "" || name[0] < 'A' || name[0] > 'Z' {
			continue
		}
		out = append(out, componentDecl{offset: i, name: name})
	}
	return out
}

func boundary(src string, start, end int) bool {
	if start > 0 && isIdentChar(src[start-1]) {
		return false
	}
	return end >= len(src) || !isIdentChar(src[end])
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ---------- scanner ----------

type parser struct {
	src string
	i   int
	n   int
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("jsx: offset %d: %s", p.i, fmt.Sprintf(format, args...))
}

// jsxStart decides whether the '<' at p.i opens a JSX element rather than
// a comparison or generic. JSX follows an operator, an opening bracket, a
// return, or an arrow; comparisons follow identifiers and closing brackets.
func (p *parser) jsxStart() bool {
	if p.i+1 >= p.n {
		return false
	}
	next := p.src[p.i+1]
	if next != '>' && !isAlpha(next) {
		return false
	}
	j := p.i - 1
	for j >= 0 && (p.src[j] == ' ' || p.src[j] == '\t' || p.src[j] == '\n' || p.src[j] == '\r') {
		j--
	}
	if j < 0 {
		return true
	}
	switch p.src[j] {
	case '(', ',', '?', ':', '=', '&', '|', '{', ';', '[', '>':
		// '>' covers the arrow in "=>"; a real comparison never directly
		// precedes another '<'.
		return true
	}
	// "return" keyword.
	if p.src[j] == 'n' && j >= 5 && p.src[j-5:j+1] == "return" && boundary(p.src, j-5, j+1) {
		return true
	}
	return false
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isTagChar(c byte) bool {
	return isIdentChar(c) || c == '.' || c == '-'
}

// parseElement parses the element whose '<' is at p.i.
func (p *parser) parseElement(parent *Element) (*Element, error) {
	el := &Element{Parent: parent, Start: p.i}
	p.i++ // consume '<'

	// Tag name; empty for a fragment "<>".
	tagStart := p.i
	for p.i < p.n && isTagChar(p.src[p.i]) {
		p.i++
	}
	el.Tag = p.src[tagStart:p.i]

	// Attributes.
	for {
		p.skipSpace()
		if p.i >= p.n {
			return nil, p.errf("unexpected EOF in open tag <%s", el.Tag)
		}
		switch p.src[p.i] {
		case '/':
			if p.i+1 >= p.n || p.src[p.i+1] != '>' {
				return nil, p.errf("stray '/' in open tag <%s", el.Tag)
			}
			p.i += 2
			el.SelfClosing = true
			el.OpenEnd = p.i
			el.CloseStart = p.i
			el.End = p.i
			return el, nil
		case '>':
			p.i++
			el.OpenEnd = p.i
			return el, p.parseChildren(el)
		case '{':
			// Spread attribute {...props}: consumed, not interpreted.
			start := p.i
			if err := p.consumeBraces(); err != nil {
				return nil, err
			}
			el.Attrs = append(el.Attrs, &Attr{Name: "{...}", Start: start, End: p.i})
		default:
			attr, err := p.parseAttr()
			if err != nil {
				return nil, err
			}
			el.Attrs = append(el.Attrs, attr)
		}
	}
}

func (p *parser) parseAttr() (*Attr, error) {
	start := p.i
	for p.i < p.n && (isIdentChar(p.src[p.i]) || p.src[p.i] == '-' || p.src[p.i] == ':') {
		p.i++
	}
	if p.i == start {
		return nil, p.errf("unexpected char %q in open tag", p.src[p.i])
	}
	attr := &Attr{Name: p.src[start:p.i], Start: start, End: p.i}

	save := p.i
	p.skipSpace()
	if p.i >= p.n || p.src[p.i] != '=' {
		p.i = save // bare attribute
		return attr, nil
	}
	p.i++
	p.skipSpace()
	if p.i >= p.n {
		return nil, p.errf("unexpected EOF after %s=", attr.Name)
	}

	attr.HasValue = true
	attr.ValStart = p.i
	switch c := p.src[p.i]; c {
	case '"', '\'':
		if err := p.consumeString(c); err != nil {
			return nil, err
		}
		attr.Value = p.src[attr.ValStart+1 : p.i-1]
	case '{':
		if err := p.consumeBraces(); err != nil {
			return nil, err
		}
		attr.IsExpr = true
	default:
		return nil, p.errf("unexpected value start %q for %s", c, attr.Name)
	}
	attr.ValEnd = p.i
	attr.End = p.i
	return attr, nil
}

func (p *parser) parseChildren(el *Element) error {
	for {
		if p.i >= p.n {
			return p.errf("unexpected EOF inside <%s>", el.Tag)
		}
		switch p.src[p.i] {
		case '<':
			if p.i+1 < p.n && p.src[p.i+1] == '/' {
				el.CloseStart = p.i
				p.i += 2
				nameStart := p.i
				for p.i < p.n && isTagChar(p.src[p.i]) {
					p.i++
				}
				name := p.src[nameStart:p.i]
				if name != el.Tag {
					return p.errf("mismatched close tag </%s> for <%s>", name, el.Tag)
				}
				p.skipSpace()
				if p.i >= p.n || p.src[p.i] != '>' {
					return p.errf("malformed close tag </%s", name)
				}
				p.i++
				el.End = p.i
				return nil
			}
			child, err := p.parseElement(el)
			if err != nil {
				return err
			}
			el.Children = append(el.Children, child)
		case '{':
			start := p.i
			if err := p.consumeBraces(); err != nil {
				return err
			}
			el.Children = append(el.Children, &ExprChild{
				Raw:   p.src[start:p.i],
				Start: start,
				End:   p.i,
			})
		default:
			start := p.i
			for p.i < p.n && p.src[p.i] != '<' && p.src[p.i] != '{' {
				p.i++
			}
			el.Children = append(el.Children, &Text{
				Value: p.src[start:p.i],
				Start: start,
				End:   p.i,
			})
		}
	}
}

func (p *parser) skipSpace() {
	for p.i < p.n {
		switch p.src[p.i] {
		case ' ', '\t', '\n', '\r':
			p.i++
		default:
			return
		}
	}
}

// consumeString consumes a quoted string starting at p.i (which holds the
// quote). Handles backslash escapes; template literals are consumed to the
// matching backtick with ${…} interpolations balanced.
func (p *parser) consumeString(quote byte) error {
	p.i++ // opening quote
	for p.i < p.n {
		switch p.src[p.i] {
		case '\\':
			p.i += 2
			continue
		case quote:
			p.i++
			return nil
		case '$':
			if quote == '`' && p.i+1 < p.n && p.src[p.i+1] == '{' {
				p.i++
				if err := p.consumeBraces(); err != nil {
					return err
				}
				continue
			}
		}
		p.i++
	}
	return p.errf("unterminated string")
}

// consumeComment consumes // or /* */ starting at p.i when present.
func (p *parser) consumeComment() bool {
	if p.i+1 >= p.n {
		return false
	}
	switch p.src[p.i+1] {
	case '/':
		for p.i < p.n && p.src[p.i] != '\n' {
			p.i++
		}
		return true
	case '*':
		end := strings.Index(p.src[p.i+2:], "*/")
		if end < 0 {
			p.i = p.n
		} else {
			p.i += 2 + end + 2
		}
		return true
	}
	return false
}

// consumeBraces consumes a balanced {…} starting at p.i, respecting
// strings and comments inside.
func (p *parser) consumeBraces() error {
	depth := 0
	for p.i < p.n {
		switch c := p.src[p.i]; c {
		case '{':
			depth++
			p.i++
		case '}':
			depth--
			p.i++
			if depth == 0 {
				return nil
			}
		case '\'', '"', '`':
			if err := p.consumeString(c); err != nil {
				return err
			}
		case '/':
			if !p.consumeComment() {
				p.i++
			}
		default:
			p.i++
		}
	}
	return p.errf("unbalanced braces")
}

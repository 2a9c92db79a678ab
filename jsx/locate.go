package jsx

import (
	"strings"

	"github.com/hazyhaar/realm/selector"
)

// ClassAttr returns the element's className (or class) attribute value.
// dynamic is true when the value is a {…} expression whose classes cannot
// be known statically.
func (e *Element) ClassAttr() (value string, dynamic, ok bool) {
	a := e.Attr("className")
	if a == nil {
		a = e.Attr("class")
	}
	if a == nil || !a.HasValue {
		return "", false, false
	}
	if a.IsExpr {
		return "", true, true
	}
	return a.Value, false, true
}

// IDAttr returns the element's literal id attribute value, if any.
func (e *Element) IDAttr() string {
	if a := e.Attr("id"); a != nil && a.HasValue && !a.IsExpr {
		return a.Value
	}
	return ""
}

// Locate resolves a DOM-side selector to a source element. Only the last
// segment of the selector matters: ancestors in the chain describe the DOM,
// which may not correspond one-to-one to JSX nesting.
//
// When the segment carries :nth-of-type(n), occurrences are counted among
// siblings before classes are considered; if the element at that position
// fails the class check the search stops rather than sliding to a later
// sibling, since positional selectors that drift would silently edit the
// wrong element.
func Locate(d *Document, sel selector.Selector) *Element {
	target := sel.Last()

	// Ordinal of each element among its parent's same-tag children.
	ordinals := make(map[*Element]int)

	var found *Element
	d.Walk(func(e *Element) bool {
		if !TagMatches(e.Tag, target.Tag) {
			return true
		}
		ordinals[e.Parent]++
		if target.NthGiven {
			if ordinals[e.Parent] != target.NthOfType {
				return true
			}
			if accepts(target, e) {
				found = e
			}
			return false // positional hit, match or not: stop
		}
		if accepts(target, e) {
			found = e
			return false
		}
		return true
	})
	return found
}

// accepts applies the identity check for a tag-matched candidate. An id in
// the selector is authoritative; otherwise class overlap decides.
func accepts(target selector.Simple, e *Element) bool {
	if target.ID != "" {
		return e.IDAttr() == target.ID
	}
	return classOverlap(target.Classes, e)
}

// classOverlap accepts an element whose classes plausibly produced the
// selector's class list. Rendered DOM classes routinely gain runtime
// additions (CSS-in-JS hashes, state classes), so the match is fuzzy:
//
//   - no classes requested, or className unknowable → accept
//   - every requested class present → accept
//   - at least two requested classes present → accept
//   - framework component with half its own classes requested → accept
func classOverlap(want []string, e *Element) bool {
	if len(want) == 0 {
		return true
	}
	val, dynamic, ok := e.ClassAttr()
	if !ok || dynamic {
		return true
	}
	have := strings.Fields(val)
	haveSet := make(map[string]struct{}, len(have))
	for _, c := range have {
		haveSet[c] = struct{}{}
	}
	matched := 0
	for _, c := range want {
		if _, hit := haveSet[c]; hit {
			matched++
		}
	}
	switch {
	case matched == len(want):
		return true
	case matched >= 2:
		return true
	case IsComponent(e.Tag) && len(have) > 0 && matched*2 >= len(have):
		return true
	}
	return false
}

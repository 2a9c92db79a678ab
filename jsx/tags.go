package jsx

import "strings"

// frameworkTags maps known framework components to the HTML tag they
// render, so a DOM-side selector like "img.rounded" can find the <Image>
// that produced it.
var frameworkTags = map[string]string{
	"Image":    "img",
	"Img":      "img",
	"Link":     "a",
	"NavLink":  "a",
	"Script":   "script",
	"Head":     "head",
	"Button":   "button",
	"Input":    "input",
	"Form":     "form",
	"Fragment": "",
}

// IsComponent reports whether a JSX tag names a component rather than an
// intrinsic element. Components start uppercase or are member expressions
// like Foo.Bar.
func IsComponent(tag string) bool {
	if tag == "" {
		return false
	}
	return tag[0] >= 'A' && tag[0] <= 'Z' || strings.Contains(tag, ".")
}

// RenderedTag returns the HTML tag an element is expected to produce:
// intrinsic tags lowercased, known framework components mapped through the
// table, unknown components unchanged (lowercased for comparison).
func RenderedTag(tag string) string {
	if !IsComponent(tag) {
		return strings.ToLower(tag)
	}
	if mapped, ok := frameworkTags[tag]; ok {
		return mapped
	}
	return strings.ToLower(tag)
}

// TagMatches reports whether a JSX element tag can satisfy a DOM selector
// tag. An empty selector tag matches anything.
func TagMatches(jsxTag, selTag string) bool {
	if selTag == "" {
		return true
	}
	return RenderedTag(jsxTag) == strings.ToLower(selTag)
}

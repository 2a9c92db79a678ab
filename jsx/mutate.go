package jsx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/realm/selector"
	"github.com/hazyhaar/realm/tailwind"
)

// Change describes one edit to a located element. Zero-value fields are
// left untouched. ClassName replaces the class list wholesale and wins
// over Classes; Classes merge group-by-group.
type Change struct {
	Styles    map[string]string
	Classes   []string
	ClassName string
	Text      *string
}

// FailReason tags why a mutation could not be applied.
type FailReason string

const (
	FailNone             FailReason = ""
	FailParse            FailReason = "PARSE_FAILED"
	FailNoMatch          FailReason = "NO_MATCH"
	FailInvalidGenerated FailReason = "INVALID_GENERATED"
)

// Result is the outcome of Apply. Source always holds usable text: the
// mutated file on success, the original unchanged on any failure.
type Result struct {
	OK     bool
	Reason FailReason
	Source string
	Err    error
}

func failure(source string, reason FailReason, err error) Result {
	return Result{Reason: reason, Source: source, Err: err}
}

// Apply locates the element named by rawSelector and applies the change.
// The generated text is re-parsed before it is accepted; if it no longer
// scans, the original source is returned untouched.
func Apply(source, rawSelector string, ch Change) Result {
	doc, err := Parse(source)
	if err != nil {
		return failure(source, FailParse, err)
	}
	sel, err := selector.Parse(rawSelector)
	if err != nil {
		return failure(source, FailNoMatch, fmt.Errorf("jsx: bad selector %q: %w", rawSelector, err))
	}
	el := Locate(doc, sel)
	if el == nil {
		return failure(source, FailNoMatch, fmt.Errorf("jsx: no element matches %q", rawSelector))
	}

	var splices []splice
	if len(ch.Styles) > 0 {
		splices = append(splices, styleSplice(source, el, ch.Styles))
	}
	if ch.ClassName != "" || len(ch.Classes) > 0 {
		splices = append(splices, classSplice(el, ch))
	}
	if ch.Text != nil {
		if sp, ok := textSplice(el, *ch.Text); ok {
			splices = append(splices, sp)
		}
	}
	if len(splices) == 0 {
		return Result{OK: true, Source: source}
	}

	out := apply(source, splices)
	if out != source {
		if _, err := Parse(out); err != nil {
			return failure(source, FailInvalidGenerated, err)
		}
	}
	return Result{OK: true, Source: out}
}

type splice struct {
	start, end int
	text       string
}

func apply(source string, splices []splice) string {
	sort.SliceStable(splices, func(i, j int) bool {
		return splices[i].start > splices[j].start
	})
	out := source
	for _, s := range splices {
		out = out[:s.start] + s.text + out[s.end:]
	}
	return out
}

// attrInsertAt is where a new attribute goes: after the last existing
// attribute, or right after the tag name.
func attrInsertAt(el *Element) int {
	if n := len(el.Attrs); n > 0 {
		return el.Attrs[n-1].End
	}
	return el.Start + 1 + len(el.Tag)
}

// ---------- styles ----------

// styleSplice merges changed keys into style={{…}}. Keys already present
// keep their position and original value text; only the changed ones are
// rewritten, new ones append in sorted order.
func styleSplice(source string, el *Element, styles map[string]string) splice {
	pending := make(map[string]string, len(styles))
	for k, v := range styles {
		pending[camelize(k)] = v
	}

	var pairs []stylePair
	a := el.Attr("style")
	if a != nil && a.HasValue && a.IsExpr {
		if parsed, ok := parseStyleObject(source[a.ValStart:a.ValEnd]); ok {
			pairs = parsed
		}
	}

	for i, p := range pairs {
		if v, hit := pending[p.key]; hit {
			pairs[i].value = quoteStyle(v)
			delete(pending, p.key)
		}
	}
	added := make([]string, 0, len(pending))
	for k := range pending {
		added = append(added, k)
	}
	sort.Strings(added)
	for _, k := range added {
		pairs = append(pairs, stylePair{key: k, value: quoteStyle(pending[k])})
	}

	body := make([]string, len(pairs))
	for i, p := range pairs {
		body[i] = p.key + ": " + p.value
	}
	value := "{{ " + strings.Join(body, ", ") + " }}"

	if a == nil || !a.HasValue {
		at := attrInsertAt(el)
		return splice{start: at, end: at, text: " style=" + value}
	}
	return splice{start: a.ValStart, end: a.ValEnd, text: value}
}

type stylePair struct {
	key   string
	value string // raw value text, quoting preserved
}

// parseStyleObject reads a "{{ key: value, … }}" attribute value into
// ordered pairs. Anything that is not a plain object literal (spreads,
// ternaries, variables) reports false and the whole value is rewritten.
func parseStyleObject(raw string) ([]stylePair, bool) {
	inner := strings.TrimSpace(raw)
	if !strings.HasPrefix(inner, "{") || !strings.HasSuffix(inner, "}") {
		return nil, false
	}
	inner = strings.TrimSpace(inner[1 : len(inner)-1])
	if !strings.HasPrefix(inner, "{") || !strings.HasSuffix(inner, "}") {
		return nil, false
	}
	inner = inner[1 : len(inner)-1]

	var pairs []stylePair
	for _, field := range splitTopLevel(inner, ',') {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := splitTopLevel(field, ':')
		if len(kv) < 2 {
			return nil, false
		}
		key := strings.Trim(strings.TrimSpace(kv[0]), `"'`)
		value := strings.TrimSpace(strings.Join(kv[1:], ":"))
		if key == "" || strings.HasPrefix(key, "...") {
			return nil, false
		}
		pairs = append(pairs, stylePair{key: camelize(key), value: value})
	}
	return pairs, true
}

// splitTopLevel splits on sep outside strings, braces, brackets, and
// parens.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// camelize converts kebab-case CSS property names to the camelCase form
// used in JSX style objects. Already-camel names pass through.
func camelize(key string) string {
	if !strings.Contains(key, "-") {
		return key
	}
	parts := strings.Split(key, "-")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func quoteStyle(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

// ---------- classes ----------

// classSplice rewrites the class list. A literal className merges through
// the utility-group rules; a dynamic expression cannot be merged and is
// replaced by the literal result of the additions alone.
func classSplice(el *Element, ch Change) splice {
	name := "className"
	a := el.Attr("className")
	if a == nil {
		if alt := el.Attr("class"); alt != nil {
			a, name = alt, "class"
		}
	}

	var newVal string
	switch {
	case ch.ClassName != "":
		newVal = ch.ClassName
	case a != nil && a.HasValue && !a.IsExpr:
		newVal = tailwind.Merge(a.Value, ch.Classes)
	default:
		newVal = tailwind.Merge("", ch.Classes)
	}

	if a == nil || !a.HasValue {
		at := attrInsertAt(el)
		return splice{start: at, end: at, text: " " + name + `="` + newVal + `"`}
	}
	return splice{start: a.ValStart, end: a.ValEnd, text: `"` + newVal + `"`}
}

// ---------- text ----------

// textSplice replaces an element's rendered text. Preference order: the
// element's own children when it has no child elements, then its first
// non-blank direct text node, then the content of its first leaf child
// element, and as a last resort all children wholesale.
func textSplice(el *Element, text string) (splice, bool) {
	if el.SelfClosing {
		return splice{}, false
	}
	if len(el.ChildElements()) == 0 {
		return splice{start: el.OpenEnd, end: el.CloseStart, text: text}, true
	}
	for _, c := range el.Children {
		t, ok := c.(*Text)
		if ok && strings.TrimSpace(t.Value) != "" {
			return splice{start: t.Start, end: t.End, text: text}, true
		}
	}
	for _, c := range el.ChildElements() {
		if !c.SelfClosing && len(c.ChildElements()) == 0 {
			return splice{start: c.OpenEnd, end: c.CloseStart, text: text}, true
		}
	}
	return splice{start: el.OpenEnd, end: el.CloseStart, text: text}, true
}

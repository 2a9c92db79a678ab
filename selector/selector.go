// Package selector parses the CSS-like selector strings produced by the
// DOM inspector.
//
// The grammar is a chain of simple selectors joined by " > ", each of the
// form tag(.class)*(:nth-of-type(n))? or #id. Class fragments may contain
// colons and brackets to support utility-class variants ("dark:text-white")
// and arbitrary values ("[color:#abc]").
package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Simple is one segment of a selector chain.
type Simple struct {
	Tag       string
	ID        string
	Classes   []string
	NthOfType int  // 1-based; defaults to 1 when absent
	NthGiven  bool // true when :nth-of-type was written explicitly
}

// Selector is a parsed chain, outermost segment first.
type Selector []Simple

// Last returns the deepest segment. The mutation engine interprets only
// this segment; earlier ones are context from the inspector.
func (s Selector) Last() Simple {
	if len(s) == 0 {
		return Simple{NthOfType: 1}
	}
	return s[len(s)-1]
}

var nthRe = regexp.MustCompile(`:nth-of-type\((\d+)\)`)

// Parse parses a full selector chain.
func Parse(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("selector: empty selector")
	}
	var sel Selector
	for _, part := range strings.Split(raw, ">") {
		simple, err := ParseSimple(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		sel = append(sel, simple)
	}
	return sel, nil
}

// ParseSimple parses one chain segment.
func ParseSimple(raw string) (Simple, error) {
	s := Simple{NthOfType: 1}
	if raw == "" {
		return s, fmt.Errorf("selector: empty segment")
	}

	// Extract and strip :nth-of-type(n) first, so the colon inside it can
	// never be mistaken for a variant-class colon.
	if m := nthRe.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return s, fmt.Errorf("selector: bad nth-of-type index %q", m[1])
		}
		s.NthOfType = n
		s.NthGiven = true
		raw = nthRe.ReplaceAllString(raw, "")
	}

	// Scan tag, then alternating #id / .class fragments. '.' and '#' inside
	// square brackets belong to arbitrary-value class tokens, not the
	// fragment structure.
	i := 0
	for i < len(raw) && raw[i] != '.' && raw[i] != '#' {
		i++
	}
	s.Tag = strings.ToLower(raw[:i])

	for i < len(raw) {
		marker := raw[i]
		i++
		start := i
		depth := 0
		for i < len(raw) {
			switch raw[i] {
			case '[':
				depth++
			case ']':
				depth--
			case '.', '#':
				if depth == 0 {
					goto fragmentEnd
				}
			}
			i++
		}
	fragmentEnd:
		frag := raw[start:i]
		if frag == "" {
			return s, fmt.Errorf("selector: dangling %q in %q", string(marker), raw)
		}
		switch marker {
		case '#':
			s.ID = frag
		case '.':
			s.Classes = append(s.Classes, frag)
		}
	}

	if s.Tag == "" && s.ID == "" && len(s.Classes) == 0 {
		return s, fmt.Errorf("selector: unparseable segment %q", raw)
	}
	return s, nil
}

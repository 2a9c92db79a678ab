// Package tailwind merges utility-class edits into an existing className.
//
// Classes are bucketed into mutually-exclusive groups (text color, padding
// axis, display, ...). A new class evicts every existing class in its group;
// for the base color groups it also evicts the parallel "dark:" variant
// group, so changing a base text color drops a now-conflicting dark:text-*.
// Classes outside all known groups are only ever appended, deduplicated by
// exact string equality — arbitrary hand-written classes are preserved.
package tailwind

import (
	"regexp"
	"strings"
)

type group struct {
	name     string
	re       *regexp.Regexp
	darkTwin string // name of the dark-variant group evicted alongside, if any
}

const palette = `(?:inherit|current|transparent|black|white|slate|gray|zinc|neutral|stone|red|orange|amber|yellow|lime|green|emerald|teal|cyan|sky|blue|indigo|violet|purple|fuchsia|pink|rose)`

var colorSuffix = `(?:` + palette + `(?:-\d{2,3})?(?:/\d{1,3})?|\[(?:#|color:|rgb|hsl)[^\]]*\])`

// Group order matters: font size is checked before text color so that
// "text-sm" and "text-[1.5rem]" never bucket as colors.
var groups = buildGroups()

func buildGroups() []group {
	axis := func(prefix string) string {
		return `^` + prefix + `-(?:\d+(?:\.\d+)?|px|auto|\[[^\]]+\])$`
	}
	specs := []struct {
		name, pattern, darkTwin string
	}{
		{"font-size", `^text-(?:xs|sm|base|lg|xl|[2-9]xl|\[[\d.]+[a-z%]+\])$`, ""},
		{"text-color", `^text-` + colorSuffix + `$`, "dark:text-color"},
		{"dark:text-color", `^dark:text-` + colorSuffix + `$`, ""},
		{"bg-color", `^bg-` + colorSuffix + `$`, "dark:bg-color"},
		{"dark:bg-color", `^dark:bg-` + colorSuffix + `$`, ""},
		{"border-color", `^border-` + colorSuffix + `$`, "dark:border-color"},
		{"dark:border-color", `^dark:border-` + colorSuffix + `$`, ""},
		{"font-weight", `^font-(?:thin|extralight|light|normal|medium|semibold|bold|extrabold|black|\[\d+\])$`, ""},
		{"p", axis("p"), ""},
		{"px", axis("px"), ""},
		{"py", axis("py"), ""},
		{"pt", axis("pt"), ""},
		{"pr", axis("pr"), ""},
		{"pb", axis("pb"), ""},
		{"pl", axis("pl"), ""},
		{"m", axis(`-?m`), ""},
		{"mx", axis(`-?mx`), ""},
		{"my", axis(`-?my`), ""},
		{"mt", axis(`-?mt`), ""},
		{"mr", axis(`-?mr`), ""},
		{"mb", axis(`-?mb`), ""},
		{"ml", axis(`-?ml`), ""},
		{"w", `^w-(?:\d+(?:/\d+)?|px|auto|full|screen|min|max|fit|\[[^\]]+\])$`, ""},
		{"h", `^h-(?:\d+(?:/\d+)?|px|auto|full|screen|min|max|fit|\[[^\]]+\])$`, ""},
		{"display", `^(?:block|inline-block|inline|flex|inline-flex|grid|inline-grid|contents|flow-root|table|hidden)$`, ""},
		{"position", `^(?:static|fixed|absolute|relative|sticky)$`, ""},
		{"flex-direction", `^flex-(?:row|row-reverse|col|col-reverse)$`, ""},
		{"justify", `^justify-(?:start|end|center|between|around|evenly|stretch)$`, ""},
		{"items", `^items-(?:start|end|center|baseline|stretch)$`, ""},
		{"gap", `^gap-(?:\d+(?:\.\d+)?|px|\[[^\]]+\])$`, ""},
		{"gap-x", `^gap-x-(?:\d+(?:\.\d+)?|px|\[[^\]]+\])$`, ""},
		{"gap-y", `^gap-y-(?:\d+(?:\.\d+)?|px|\[[^\]]+\])$`, ""},
		{"rounded", `^rounded(?:-(?:t|r|b|l|tl|tr|br|bl))?(?:-(?:none|sm|md|lg|xl|[23]xl|full|\[[^\]]+\]))?$`, ""},
		{"shadow", `^shadow(?:-(?:sm|md|lg|xl|2xl|inner|none|\[[^\]]+\]))?$`, ""},
		{"opacity", `^opacity-(?:\d{1,3}|\[[^\]]+\])$`, ""},
	}
	gs := make([]group, len(specs))
	for i, s := range specs {
		gs[i] = group{name: s.name, re: regexp.MustCompile(s.pattern), darkTwin: s.darkTwin}
	}
	return gs
}

// GroupOf returns the exclusive-group name a class belongs to, or ok=false
// when the class is outside every known group.
func GroupOf(class string) (string, bool) {
	for _, g := range groups {
		if g.re.MatchString(class) {
			return g.name, true
		}
	}
	return "", false
}

func evicts(newGroup string) map[string]bool {
	out := map[string]bool{newGroup: true}
	for _, g := range groups {
		if g.name == newGroup && g.darkTwin != "" {
			out[g.darkTwin] = true
		}
	}
	return out
}

// Merge applies additions to an existing space-separated class string using
// group replacement. Surviving classes keep their original order; additions
// are appended in the order given. Idempotent: merging the same addition
// twice yields the same class set as once.
func Merge(existing string, additions []string) string {
	kept := strings.Fields(existing)

	for _, add := range additions {
		add = strings.TrimSpace(add)
		if add == "" {
			continue
		}
		if gname, ok := GroupOf(add); ok {
			doomed := evicts(gname)
			filtered := kept[:0]
			for _, c := range kept {
				if g, known := GroupOf(c); known && doomed[g] {
					continue
				}
				filtered = append(filtered, c)
			}
			kept = filtered
			kept = append(kept, add)
			continue
		}
		// Unknown class: append unless already present verbatim.
		dup := false
		for _, c := range kept {
			if c == add {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, add)
		}
	}

	return strings.Join(kept, " ")
}

// Package registry is the in-memory catalogue of tracked JSX elements.
//
// Elements are indexed three ways: by identity hash (primary), by source
// file, and by enclosing component. Registration is an upsert — a new hash
// emits ELEMENT_REGISTERED on the bus, a known one ELEMENT_UPDATED — and
// replaces the stored info wholesale.
package registry

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/identity"
	"github.com/hazyhaar/realm/selector"
)

// ElementInfo is everything the registry tracks about one element.
// The registry owns stored values exclusively; callers receive copies.
type ElementInfo struct {
	RealmID       identity.RealmID  `json:"realmId"`
	TagName       string            `json:"tagName"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Styles        map[string]string `json:"styles,omitempty"`
	TextContent   string            `json:"textContent,omitempty"`
	Children      []string          `json:"children,omitempty"` // child hashes, document order
	FrameworkMeta map[string]string `json:"frameworkMeta,omitempty"`
}

// ClassName returns the element's className attribute, if any.
func (e *ElementInfo) ClassName() string {
	return e.Attributes["className"]
}

// clone deep-copies the info so neither side can reach the other's maps.
func (e *ElementInfo) clone() ElementInfo {
	out := *e
	out.Attributes = cloneMap(e.Attributes)
	out.Styles = cloneMap(e.Styles)
	out.FrameworkMeta = cloneMap(e.FrameworkMeta)
	out.Children = append([]string(nil), e.Children...)
	return out
}

// Registry holds the element catalogue. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	elements    map[string]*ElementInfo
	byFile      map[string]map[string]struct{}
	byComponent map[string]map[string]struct{}

	events *bus.Bus
	logger *slog.Logger
}

// New creates a Registry. The bus may be nil (no events emitted), which
// tests use freely.
func New(events *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		elements:    make(map[string]*ElementInfo),
		byFile:      make(map[string]map[string]struct{}),
		byComponent: make(map[string]map[string]struct{}),
		events:      events,
		logger:      logger,
	}
}

// Register upserts an element by its identity hash and keeps both secondary
// indices in sync. Returns true when the hash was new.
func (r *Registry) Register(info ElementInfo) bool {
	hash := info.RealmID.Hash

	r.mu.Lock()
	_, existed := r.elements[hash]
	stored := info.clone()
	r.elements[hash] = &stored
	addIndex(r.byFile, info.RealmID.SourceFile, hash)
	addIndex(r.byComponent, info.RealmID.ComponentName, hash)
	r.mu.Unlock()

	if r.events != nil {
		if existed {
			r.events.Emit(r.events.NewEvent(bus.SourceSystem, bus.ElementUpdated{RealmID: info.RealmID}))
		} else {
			r.events.Emit(r.events.NewEvent(bus.SourceSystem, bus.ElementRegistered{RealmID: info.RealmID}))
		}
	}
	return !existed
}

// Get returns a copy of the element for the given hash.
func (r *Registry) Get(hash string) (ElementInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.elements[hash]
	if !ok {
		return ElementInfo{}, false
	}
	return e.clone(), true
}

// Unregister removes one element from the primary map and both indices.
func (r *Registry) Unregister(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.elements[hash]
	if !ok {
		return false
	}
	delete(r.elements, hash)
	dropIndex(r.byFile, e.RealmID.SourceFile, hash)
	dropIndex(r.byComponent, e.RealmID.ComponentName, hash)
	return true
}

// ClearFile removes every element indexed under the file and returns the
// count removed. Called before a re-parse so stale entries never linger.
func (r *Registry) ClearFile(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes, ok := r.byFile[path]
	if !ok {
		return 0
	}
	n := 0
	for hash := range hashes {
		if e, ok := r.elements[hash]; ok {
			dropIndex(r.byComponent, e.RealmID.ComponentName, hash)
			delete(r.elements, hash)
			n++
		}
	}
	delete(r.byFile, path)

	r.logger.Debug("registry: file cleared", "file", path, "removed", n)
	return n
}

// ByFile returns copies of all elements tracked for a file.
func (r *Registry) ByFile(path string) []ElementInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byFile[path])
}

// ByComponent returns copies of all elements for a component name.
func (r *Registry) ByComponent(name string) []ElementInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byComponent[name])
}

func (r *Registry) collect(hashes map[string]struct{}) []ElementInfo {
	out := make([]ElementInfo, 0, len(hashes))
	for hash := range hashes {
		if e, ok := r.elements[hash]; ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// FindByPosition scans the file's elements for one whose source range
// contains the given line/column. First containing match wins.
func (r *Registry) FindByPosition(path string, line, column int) (ElementInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for hash := range r.byFile[path] {
		e, ok := r.elements[hash]
		if !ok {
			continue
		}
		if e.RealmID.SourceLocation.Contains(line, column) {
			return e.clone(), true
		}
	}
	return ElementInfo{}, false
}

// FindBySelector is the fallback lookup for environments without hash
// continuity. Tag and id match exactly; at least half of the selector's
// classes must be present on the candidate's className.
func (r *Registry) FindBySelector(path, rawSelector string) (ElementInfo, bool) {
	sel, err := selector.Parse(rawSelector)
	if err != nil {
		r.logger.Debug("registry: bad selector", "selector", rawSelector, "error", err)
		return ElementInfo{}, false
	}
	target := sel.Last()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for hash := range r.byFile[path] {
		e, ok := r.elements[hash]
		if !ok {
			continue
		}
		if matchesSelector(e, target) {
			return e.clone(), true
		}
	}
	return ElementInfo{}, false
}

func matchesSelector(e *ElementInfo, target selector.Simple) bool {
	if target.Tag != "" && !strings.EqualFold(e.TagName, target.Tag) {
		return false
	}
	if target.ID != "" && e.Attributes["id"] != target.ID {
		return false
	}
	if len(target.Classes) == 0 {
		return target.Tag != "" || target.ID != ""
	}

	have := make(map[string]struct{})
	for _, c := range strings.Fields(e.ClassName()) {
		have[c] = struct{}{}
	}
	matched := 0
	for _, c := range target.Classes {
		if _, ok := have[c]; ok {
			matched++
		}
	}
	return matched*2 >= len(target.Classes)
}

// Count returns the number of tracked elements.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.elements)
}

// Stats summarises the registry for introspection endpoints.
type Stats struct {
	Elements   int `json:"elements"`
	Files      int `json:"files"`
	Components int `json:"components"`
}

// Stats returns current index sizes.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Elements:   len(r.elements),
		Files:      len(r.byFile),
		Components: len(r.byComponent),
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func addIndex(idx map[string]map[string]struct{}, key, hash string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[hash] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, hash string) {
	if set, ok := idx[key]; ok {
		delete(set, hash)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Package query filters registry snapshots for presentation.
package query

import (
	"strings"

	"tabbridge/internal/registry"
)

// Options narrow a query beyond the free text.
type Options struct {
	// Limit caps the result length; zero means unlimited.
	Limit int
	// Kinds restricts results to these kinds; empty means all kinds.
	Kinds []registry.Kind
}

// Filter returns the snapshot items whose title or URL contains text,
// case-insensitively, in snapshot order. Empty text matches everything. The
// result is always a fresh slice.
func Filter(snap *registry.Snapshot, text string, opts Options) []registry.Item {
	needle := strings.ToLower(text)
	out := make([]registry.Item, 0, snap.Len())
	for i := 0; i < snap.Len(); i++ {
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		item := snap.At(i)
		if !kindAllowed(item.Kind, opts.Kinds) {
			continue
		}
		if needle != "" && !matches(item, needle) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func matches(item registry.Item, needle string) bool {
	return strings.Contains(strings.ToLower(item.Title), needle) ||
		strings.Contains(strings.ToLower(item.URL), needle)
}

func kindAllowed(kind registry.Kind, kinds []registry.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Source provides snapshots to an Engine.
type Source interface {
	Snapshot() *registry.Snapshot
}

// Engine runs queries against the live registry.
type Engine struct {
	src    Source
	demand func()
}

// NewEngine binds an engine to src. demand, when non-nil, runs before each
// query so lazily started producers get a chance to report.
func NewEngine(src Source, demand func()) *Engine {
	return &Engine{src: src, demand: demand}
}

// Query filters the current snapshot.
func (e *Engine) Query(text string, opts Options) []registry.Item {
	if e.demand != nil {
		e.demand()
	}
	return Filter(e.src.Snapshot(), text, opts)
}

// ParseKinds converts wire kind names, dropping unknown ones.
func ParseKinds(names []string) []registry.Kind {
	var kinds []registry.Kind
	for _, n := range names {
		switch k := registry.Kind(strings.ToLower(n)); k {
		case registry.KindTab, registry.KindHistory, registry.KindWindow:
			kinds = append(kinds, k)
		}
	}
	return kinds
}

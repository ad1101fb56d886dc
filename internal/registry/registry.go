// Package registry merges tab and window reports from every producer into one
// keyed store and serves immutable, ordered snapshots of it.
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind distinguishes the record families a producer can report.
type Kind string

const (
	KindTab     Kind = "tab"
	KindHistory Kind = "history"
	KindWindow  Kind = "window"
)

// DefaultRecentLimit bounds the MRU list when no limit is configured.
const DefaultRecentLimit = 20

// Key identifies an item. Handles are only unique within their source, so the
// source is always part of the key.
type Key struct {
	Source string
	Handle string
}

func (k Key) String() string { return k.Source + "/" + k.Handle }

// Item is the unified tab/window/history record.
type Item struct {
	Source   string
	Browser  string
	Kind     Kind
	Handle   string
	Title    string
	URL      string
	Favicon  string
	App      string
	Active   bool
	LastSeen time.Time
}

// Key returns the registry key of the item.
func (i Item) Key() Key { return Key{Source: i.Source, Handle: i.Handle} }

// Snapshot is an immutable ordered view of the registry.
type Snapshot struct {
	version uint64
	items   []Item
}

// Version increases every time the registry content changes.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of items.
func (s *Snapshot) Len() int { return len(s.items) }

// At returns the i-th item in snapshot order.
func (s *Snapshot) At(i int) Item { return s.items[i] }

// Items returns a copy of the ordered items.
func (s *Snapshot) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Registry is the only mutable shared state of the bridge. Every method holds
// the lock for one logical update and never across I/O.
type Registry struct {
	mu          sync.RWMutex
	items       map[Key]Item
	recent      []Key
	recentLimit int
	version     atomic.Uint64
	cached      atomic.Pointer[Snapshot]
	logger      *zap.Logger
}

// New creates an empty registry. A recentLimit <= 0 uses DefaultRecentLimit.
func New(recentLimit int, logger *zap.Logger) *Registry {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		items:       make(map[Key]Item),
		recentLimit: recentLimit,
		logger:      logger,
	}
}

// ApplyUpdate upserts items for source. An item whose LastSeen is older than
// the stored one for the same key is rejected. Returns how many were applied.
func (r *Registry) ApplyUpdate(source string, items []Item) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for _, item := range items {
		if r.upsertLocked(source, item) {
			applied++
		}
	}
	return applied
}

// ApplyRemoval deletes the given handles of source. Returns how many existed.
func (r *Registry) ApplyRemoval(source string, handles []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, h := range handles {
		key := Key{Source: source, Handle: h}
		if _, ok := r.items[key]; ok {
			delete(r.items, key)
			removed++
		}
	}
	if removed > 0 {
		r.version.Add(1)
	}
	return removed
}

// Reconcile applies a full report: items are merged key by key, then every
// item of the same source and kind missing from the report is removed.
func (r *Registry) Reconcile(source string, kind Kind, items []Item) (applied, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make(map[string]struct{}, len(items))
	for _, item := range items {
		item.Kind = kind
		present[item.Handle] = struct{}{}
		if r.upsertLocked(source, item) {
			applied++
		}
	}
	for key, item := range r.items {
		if key.Source != source || item.Kind != kind {
			continue
		}
		if _, ok := present[key.Handle]; !ok {
			delete(r.items, key)
			removed++
		}
	}
	if removed > 0 {
		r.version.Add(1)
	}
	return applied, removed
}

// PurgeSource removes every item owned by source.
func (r *Registry) PurgeSource(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key := range r.items {
		if key.Source == source {
			delete(r.items, key)
			removed++
		}
	}
	if removed > 0 {
		r.version.Add(1)
		r.logger.Debug("purged source items", zap.String("source_id", source), zap.Int("count", removed))
	}
	return removed
}

// Lookup returns the item stored under key.
func (r *Registry) Lookup(key Key) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[key]
	return item, ok
}

// Touch marks one item of source active, clears the active flag on its
// siblings of the same kind and records it as recently used. The item is found
// by handle, or by URL when handle is empty.
func (r *Registry) Touch(source, handle, url string, at time.Time) (Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.findLocked(source, handle, url)
	if !ok {
		return Item{}, false
	}
	item := r.items[key]
	for k, other := range r.items {
		if k != key && k.Source == source && other.Kind == item.Kind && other.Active {
			other.Active = false
			r.items[k] = other
		}
	}
	item.Active = true
	if at.After(item.LastSeen) {
		item.LastSeen = at
	}
	r.items[key] = item
	r.markRecentLocked(key)
	r.version.Add(1)
	return item, true
}

// MarkRecent moves key to the front of the MRU list.
func (r *Registry) MarkRecent(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markRecentLocked(key)
}

// Recent returns the still-present items of the MRU list, most recent first.
// A limit <= 0 returns all of them.
func (r *Registry) Recent(limit int) []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Item, 0, len(r.recent))
	for _, key := range r.recent {
		if limit > 0 && len(out) >= limit {
			break
		}
		if item, ok := r.items[key]; ok {
			out = append(out, item)
		}
	}
	return out
}

// Len returns the number of stored items.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot returns the current ordered view. Items are copied under the read
// lock and sorted after it is released; unchanged registries reuse the last
// snapshot.
func (r *Registry) Snapshot() *Snapshot {
	if s := r.cached.Load(); s != nil && s.version == r.version.Load() {
		return s
	}

	r.mu.RLock()
	version := r.version.Load()
	items := make([]Item, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
	s := &Snapshot{version: version, items: items}

	for {
		prev := r.cached.Load()
		if prev != nil && prev.version >= version {
			break
		}
		if r.cached.CompareAndSwap(prev, s) {
			break
		}
	}
	return s
}

// less orders active items first, then by LastSeen descending, then by title.
// Source and handle make the order total.
func less(a, b Item) bool {
	if a.Active != b.Active {
		return a.Active
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	if a.Title != b.Title {
		return a.Title < b.Title
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Handle < b.Handle
}

func (r *Registry) upsertLocked(source string, item Item) bool {
	item.Source = source
	if item.Kind == "" {
		item.Kind = KindTab
	}
	key := item.Key()
	if existing, ok := r.items[key]; ok {
		if item.LastSeen.Before(existing.LastSeen) {
			r.logger.Debug("rejected stale update",
				zap.String("source_id", source),
				zap.String("handle", item.Handle),
				zap.Time("stored", existing.LastSeen),
				zap.Time("received", item.LastSeen))
			return false
		}
		if existing == item {
			return true
		}
	}
	r.items[key] = item
	r.version.Add(1)
	return true
}

func (r *Registry) findLocked(source, handle, url string) (Key, bool) {
	if handle != "" {
		key := Key{Source: source, Handle: handle}
		_, ok := r.items[key]
		return key, ok
	}
	if url == "" {
		return Key{}, false
	}
	var (
		found Key
		best  time.Time
		ok    bool
	)
	for key, item := range r.items {
		if key.Source != source || !strings.EqualFold(item.URL, url) || item.Kind == KindHistory {
			continue
		}
		if !ok || item.LastSeen.After(best) || (item.LastSeen.Equal(best) && key.Handle < found.Handle) {
			found, best, ok = key, item.LastSeen, true
		}
	}
	return found, ok
}

func (r *Registry) markRecentLocked(key Key) {
	for i, k := range r.recent {
		if k == key {
			r.recent = append(r.recent[:i], r.recent[i+1:]...)
			break
		}
	}
	r.recent = append([]Key{key}, r.recent...)
	if len(r.recent) > r.recentLimit {
		r.recent = r.recent[:r.recentLimit]
	}
}

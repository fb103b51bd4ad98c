package viewcache

import (
	"errors"
	"sort"
	"sync"

	"github.com/nimbuschat/feedsync/internal/feed"
)

var (
	// ErrDuplicateEntry indicates a cache entry name registered twice.
	ErrDuplicateEntry = errors.New("viewcache: entry already registered")
	// ErrUnknownEntry indicates a lookup for an unregistered entry.
	ErrUnknownEntry = errors.New("viewcache: unknown entry")
)

type opKind int

const (
	opUpsert opKind = iota
	opState
	opRemove
)

// overlayOp is one local mutation layered over an entry's merged base. The
// overlay is what keeps optimistic patches and read flips alive across
// projection recomputes until the backend's copies catch up.
type overlayOp struct {
	kind  opKind
	item  feed.Item
	state feed.State
}

type projectionEntry struct {
	name    string
	scope   feed.ScopeKey
	base    []feed.Item
	overlay map[string]overlayOp
	view    []feed.Item
}

type counterEntry struct {
	name  string
	scope feed.ScopeKey
	value int
}

// Cache holds the named view entries every screen reads from: materialized
// projections and derived scalars such as unread counters. It is the only
// structure shared across scopes; all writes go through the Coordinator.
type Cache struct {
	mu          sync.RWMutex
	projections map[string]*projectionEntry
	counters    map[string]*counterEntry
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{
		projections: make(map[string]*projectionEntry),
		counters:    make(map[string]*counterEntry),
	}
}

// RegisterProjection adds a named projection entry for a scope.
func (c *Cache) RegisterProjection(name string, scope feed.ScopeKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.projections[name]; ok {
		return ErrDuplicateEntry
	}
	c.projections[name] = &projectionEntry{
		name:    name,
		scope:   scope,
		overlay: make(map[string]overlayOp),
	}
	return nil
}

// RegisterCounter adds a named scalar entry bound to a scope.
func (c *Cache) RegisterCounter(name string, scope feed.ScopeKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counters[name]; ok {
		return ErrDuplicateEntry
	}
	c.counters[name] = &counterEntry{name: name, scope: scope}
	return nil
}

// Drop removes an entry by name, projection or counter.
func (c *Cache) Drop(name string) {
	c.mu.Lock()
	delete(c.projections, name)
	delete(c.counters, name)
	c.mu.Unlock()
}

// Projection returns a copy of the entry's current view.
func (c *Cache) Projection(name string) ([]feed.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.projections[name]
	if !ok {
		return nil, false
	}
	view := make([]feed.Item, len(entry.view))
	copy(view, entry.view)
	return view, true
}

// HasScope reports whether any projection entry is bound to the scope.
func (c *Cache) HasScope(scope feed.ScopeKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, entry := range c.projections {
		if entry.scope == scope {
			return true
		}
	}
	return false
}

// Counter returns the entry's current scalar value.
func (c *Cache) Counter(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.counters[name]
	if !ok {
		return 0, false
	}
	return entry.value, true
}

// recompute rebuilds the entry's view from base plus overlay, newest first.
// Callers hold the cache lock.
func (e *projectionEntry) recompute() {
	view := make([]feed.Item, 0, len(e.base)+len(e.overlay))
	seen := make(map[string]bool, len(e.base))
	for _, item := range e.base {
		seen[item.ID] = true
		op, ok := e.overlay[item.ID]
		if !ok {
			view = append(view, item)
			continue
		}
		switch op.kind {
		case opRemove:
			continue
		case opState:
			item.State = op.state
			view = append(view, item)
		case opUpsert:
			if feed.Supersedes(op.item, item) {
				item = op.item
			}
			view = append(view, item)
		}
	}
	for id, op := range e.overlay {
		if op.kind == opUpsert && !seen[id] {
			view = append(view, op.item)
		}
	}
	sort.SliceStable(view, func(i, j int) bool {
		return feed.Less(view[i], view[j])
	})
	e.view = view
}

// compact drops overlay ops the freshly published base has caught up with.
// Strict freshness only: an equal-version base copy never evicts a local op,
// so a page raced against a local flip cannot resurrect stale state.
// Callers hold the cache lock.
func (e *projectionEntry) compact() {
	byID := make(map[string]feed.Item, len(e.base))
	for _, item := range e.base {
		byID[item.ID] = item
	}
	for id, op := range e.overlay {
		baseItem, inBase := byID[id]
		switch op.kind {
		case opRemove:
			if !inBase {
				delete(e.overlay, id)
			}
		case opState:
			if inBase && baseItem.State == op.state {
				delete(e.overlay, id)
			}
		case opUpsert:
			if inBase && strictlyFresher(baseItem, op.item) {
				delete(e.overlay, id)
			}
		}
	}
}

func strictlyFresher(a, b feed.Item) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.CreatedAtMillis > b.CreatedAtMillis
}

// snapshotOverlay copies the entry's overlay for rollback bookkeeping.
// Callers hold the cache lock.
func (e *projectionEntry) snapshotOverlay() map[string]overlayOp {
	snapshot := make(map[string]overlayOp, len(e.overlay))
	for id, op := range e.overlay {
		snapshot[id] = op
	}
	return snapshot
}

// viewItem returns the entry's current view copy of an id.
// Callers hold the cache lock.
func (e *projectionEntry) viewItem(id string) (feed.Item, bool) {
	for _, item := range e.view {
		if item.ID == id {
			return item, true
		}
	}
	return feed.Item{}, false
}

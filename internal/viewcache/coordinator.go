package viewcache

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nimbuschat/feedsync/internal/feed"
)

var (
	// ErrMissingCache indicates a Coordinator constructed without a cache.
	ErrMissingCache = errors.New("viewcache: cache is required")
	// ErrMissingTempID indicates an optimistic patch without a temporary id.
	ErrMissingTempID = errors.New("viewcache: temporary id is required")
	// ErrMutationInFlight indicates an optimistic patch targeting an entity
	// whose previous mutation has not been confirmed or rolled back yet.
	ErrMutationInFlight = errors.New("viewcache: mutation already in flight for entity")
	// ErrHandleResolved indicates a confirm or rollback on a spent handle.
	ErrHandleResolved = errors.New("viewcache: handle already resolved")
	// ErrEmptyPatch indicates an optimistic patch with no operations.
	ErrEmptyPatch = errors.New("viewcache: patch has no operations")
)

// PatchOp is one step of an optimistic patch: either insert a new
// locally-synthesized item into the projections of a scope, or rewrite an
// existing item (for example the chat-list preview of the chat being written
// to).
type PatchOp struct {
	Scope    feed.ScopeKey
	Insert   *feed.Item
	UpdateID string
	Update   func(feed.Item) feed.Item
}

// Handle tracks one in-flight optimistic mutation for later confirm or
// rollback. The temp-id correlation lives only as long as the handle.
type Handle struct {
	tempID   string
	touched  map[string]map[string]overlayOp
	targets  []string
	resolved bool
}

// TempID returns the client-generated temporary id carried by the mutation.
func (h *Handle) TempID() string {
	return h.tempID
}

// CoordinatorConfig configures the mutation coordinator.
type CoordinatorConfig struct {
	Cache  *Cache
	Logger *zap.Logger
}

// Coordinator is the single entry point for every write to the view cache.
// Each operation runs inside one critical section spanning all affected
// entries, so concurrent live deliveries, fetch completions, and user
// actions never interleave on an entry, and cross-entry changes such as
// mark-read land atomically.
type Coordinator struct {
	cache    *Cache
	logger   *zap.Logger
	inflight map[string]*Handle
}

// NewCoordinator constructs a Coordinator over the given cache.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Cache == nil {
		return nil, ErrMissingCache
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cache:    cfg.Cache,
		logger:   logger,
		inflight: make(map[string]*Handle),
	}, nil
}

// PublishProjection replaces an entry's merged base and recomputes its view.
// Local overlay ops survive the publish unless the base has strictly caught
// up with them.
func (c *Coordinator) PublishProjection(name string, base []feed.Item) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	entry, ok := c.cache.projections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	entry.base = make([]feed.Item, len(base))
	copy(entry.base, base)
	entry.compact()
	entry.recompute()
	return nil
}

// PublishCounter replaces a counter entry's value.
func (c *Coordinator) PublishCounter(name string, value int) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	entry, ok := c.cache.counters[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	entry.value = value
	return nil
}

// ApplyOptimistic applies every patch op synchronously across the matching
// entries and returns a handle for later confirm or rollback. A second patch
// for an entity whose handle is unresolved is rejected so a failed write can
// never be compounded.
func (c *Coordinator) ApplyOptimistic(tempID string, ops []PatchOp) (*Handle, error) {
	if strings.TrimSpace(tempID) == "" {
		return nil, ErrMissingTempID
	}
	if len(ops) == 0 {
		return nil, ErrEmptyPatch
	}

	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	targets := []string{tempID}
	for _, op := range ops {
		if op.UpdateID != "" {
			targets = append(targets, op.UpdateID)
		}
	}
	for _, target := range targets {
		if _, busy := c.inflight[target]; busy {
			return nil, fmt.Errorf("%w: %s", ErrMutationInFlight, target)
		}
	}

	affected := make(map[string]*projectionEntry)
	for _, op := range ops {
		entries := c.entriesForScope(op.Scope)
		if len(entries) == 0 {
			return nil, fmt.Errorf("%w: no entry for scope %s", ErrUnknownEntry, op.Scope)
		}
		for _, entry := range entries {
			affected[entry.name] = entry
		}
	}

	handle := &Handle{
		tempID:  tempID,
		touched: make(map[string]map[string]overlayOp, len(affected)),
		targets: targets,
	}
	for name, entry := range affected {
		handle.touched[name] = entry.snapshotOverlay()
	}

	for _, op := range ops {
		for _, entry := range c.entriesForScope(op.Scope) {
			c.applyPatchOp(entry, tempID, op)
		}
	}
	for _, entry := range affected {
		entry.recompute()
	}
	for _, target := range targets {
		c.inflight[target] = handle
	}

	c.logger.Debug("optimistic patch applied",
		zap.String("temp_id", tempID),
		zap.Int("entries", len(affected)))
	return handle, nil
}

func (c *Coordinator) applyPatchOp(entry *projectionEntry, tempID string, op PatchOp) {
	if op.Insert != nil {
		item := *op.Insert
		if item.ID == "" {
			item.ID = tempID
		}
		item.State = feed.StatePendingLocal
		entry.overlay[item.ID] = overlayOp{kind: opUpsert, item: item}
		return
	}
	if op.UpdateID == "" || op.Update == nil {
		return
	}
	current, ok := entry.viewItem(op.UpdateID)
	if !ok {
		return
	}
	entry.overlay[op.UpdateID] = overlayOp{kind: opUpsert, item: op.Update(current)}
}

// Confirm replaces the optimistic copy with the authoritative server item in
// every entry the patch touched, exactly once, then spends the handle.
func (c *Coordinator) Confirm(handle *Handle, serverItem feed.Item) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	if handle == nil || handle.resolved {
		return ErrHandleResolved
	}

	for name := range handle.touched {
		entry, ok := c.cache.projections[name]
		if !ok {
			continue
		}
		if op, has := entry.overlay[handle.tempID]; has && op.kind == opUpsert {
			delete(entry.overlay, handle.tempID)
			entry.overlay[serverItem.ID] = overlayOp{kind: opUpsert, item: serverItem}
		}
		for _, item := range entry.view {
			if item.PreviewItemID != handle.tempID {
				continue
			}
			patched := item
			patched.PreviewItemID = serverItem.ID
			patched.PreviewText = serverItem.Body
			if serverItem.CreatedAtMillis > patched.CreatedAtMillis {
				patched.CreatedAtMillis = serverItem.CreatedAtMillis
			}
			entry.overlay[patched.ID] = overlayOp{kind: opUpsert, item: patched}
		}
		entry.recompute()
	}

	c.resolve(handle)
	c.logger.Debug("optimistic patch confirmed",
		zap.String("temp_id", handle.tempID),
		zap.String("server_id", serverItem.ID))
	return nil
}

// Rollback restores every touched entry to its exact pre-patch overlay and
// spends the handle. The failure is the caller's to report; the cache only
// guarantees the reversal is complete before any further patch for the same
// entity is accepted.
func (c *Coordinator) Rollback(handle *Handle) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	if handle == nil || handle.resolved {
		return ErrHandleResolved
	}

	for name, overlay := range handle.touched {
		entry, ok := c.cache.projections[name]
		if !ok {
			continue
		}
		restored := make(map[string]overlayOp, len(overlay))
		for id, op := range overlay {
			restored[id] = op
		}
		entry.overlay = restored
		entry.recompute()
	}

	c.resolve(handle)
	c.logger.Debug("optimistic patch rolled back", zap.String("temp_id", handle.tempID))
	return nil
}

// MarkRead flips the given items to read in the scope's projections and
// zeroes the scope's unread counters plus the chat-list summary counter, all
// inside one critical section: every view changes together or none does.
func (c *Coordinator) MarkRead(scope feed.ScopeKey, itemIDs []feed.ItemID) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	entries := c.entriesForScope(scope)
	if len(entries) == 0 {
		return fmt.Errorf("%w: no entry for scope %s", ErrUnknownEntry, scope)
	}

	for _, entry := range entries {
		changed := false
		for _, id := range itemIDs {
			current, ok := entry.viewItem(id.String())
			if !ok || current.State == feed.StateRead {
				continue
			}
			if !feed.CanTransition(current.State, feed.StateRead) {
				continue
			}
			entry.overlay[id.String()] = overlayOp{kind: opState, state: feed.StateRead}
			changed = true
		}
		if changed {
			entry.recompute()
		}
	}

	if chatID, ok := strings.CutPrefix(scope.String(), "chat:"); ok {
		c.zeroSummaryUnread(chatID)
	}
	for _, counter := range c.cache.counters {
		if counter.scope == scope {
			counter.value = 0
		}
	}

	c.logger.Debug("marked read",
		zap.String("scope", scope.String()),
		zap.Int("items", len(itemIDs)))
	return nil
}

// zeroSummaryUnread rewrites the chat-list summary row for a chat with a
// zeroed unread counter. Callers hold the cache lock.
func (c *Coordinator) zeroSummaryUnread(chatID string) {
	for _, entry := range c.cache.projections {
		summary, ok := entry.viewItem(chatID)
		if !ok || summary.Kind != feed.KindChatSummary || summary.UnreadCount == 0 {
			continue
		}
		summary.UnreadCount = 0
		entry.overlay[chatID] = overlayOp{kind: opUpsert, item: summary}
		entry.recompute()
	}
}

// Remove drops the entity from every entry that lists it, without a refetch.
func (c *Coordinator) Remove(scope feed.ScopeKey, itemID feed.ItemID) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	removed := 0
	for _, entry := range c.cache.projections {
		if _, ok := entry.viewItem(itemID.String()); !ok {
			continue
		}
		entry.overlay[itemID.String()] = overlayOp{kind: opRemove}
		entry.recompute()
		removed++
	}

	c.logger.Debug("entity removed",
		zap.String("scope", scope.String()),
		zap.String("item_id", itemID.String()),
		zap.Int("entries", removed))
	return nil
}

// Resolve applies a terminal friend-request decision to the item across the
// scope's projections. Invalid lifecycle transitions are rejected.
func (c *Coordinator) Resolve(scope feed.ScopeKey, itemID feed.ItemID, state feed.State) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	entries := c.entriesForScope(scope)
	if len(entries) == 0 {
		return fmt.Errorf("%w: no entry for scope %s", ErrUnknownEntry, scope)
	}

	found := false
	for _, entry := range entries {
		current, ok := entry.viewItem(itemID.String())
		if !ok {
			continue
		}
		found = true
		if !feed.CanTransition(current.State, state) {
			return fmt.Errorf("%w: %s to %s", feed.ErrInvalidTransition, current.State, state)
		}
	}
	if !found {
		return fmt.Errorf("%w: item %s in scope %s", ErrUnknownEntry, itemID, scope)
	}

	for _, entry := range entries {
		if _, ok := entry.viewItem(itemID.String()); !ok {
			continue
		}
		entry.overlay[itemID.String()] = overlayOp{kind: opState, state: state}
		entry.recompute()
	}
	return nil
}

// entriesForScope collects projection entries bound to a scope.
// Callers hold the cache lock.
func (c *Coordinator) entriesForScope(scope feed.ScopeKey) []*projectionEntry {
	var entries []*projectionEntry
	for _, entry := range c.cache.projections {
		if entry.scope == scope {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (c *Coordinator) resolve(handle *Handle) {
	handle.resolved = true
	for _, target := range handle.targets {
		if c.inflight[target] == handle {
			delete(c.inflight, target)
		}
	}
}

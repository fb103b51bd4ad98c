package live

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nimbuschat/feedsync/internal/feed"
)

// Event is one push delivery: a fresh copy of an item scoped to the feed it
// belongs to.
type Event struct {
	ScopeKey string    `json:"scope_key"`
	Item     feed.Item `json:"item"`
}

// Channel is the client end of the push subscription. It keeps one
// append-only buffer per scope and fans deliveries out to scope listeners.
//
// Delivery is at-least-once and unordered across scopes, so every incoming
// item is treated as an idempotent upsert keyed by id: a redelivered copy is
// a no-op unless it is fresher than the buffered one.
type Channel struct {
	mu          sync.RWMutex
	subscribers map[feed.ScopeKey]map[int64]func(feed.Item)
	buffers     map[feed.ScopeKey]*buffer
	nextID      int64
	logger      *zap.Logger
}

// NewChannel constructs an empty Channel.
func NewChannel(logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		subscribers: make(map[feed.ScopeKey]map[int64]func(feed.Item)),
		buffers:     make(map[feed.ScopeKey]*buffer),
		logger:      logger,
	}
}

// Subscribe registers a listener for one scope and returns its unsubscribe
// function. Listeners are invoked outside the channel lock.
func (c *Channel) Subscribe(scope feed.ScopeKey, onItem func(feed.Item)) func() {
	if onItem == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if _, ok := c.subscribers[scope]; !ok {
		c.subscribers[scope] = make(map[int64]func(feed.Item))
	}
	c.subscribers[scope][id] = onItem
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		listeners := c.subscribers[scope]
		if listeners != nil {
			delete(listeners, id)
			if len(listeners) == 0 {
				delete(c.subscribers, scope)
			}
		}
		c.mu.Unlock()
	}
}

// Deliver applies one push event: upsert into the scope buffer, then notify
// the scope's listeners if the copy was applied. Returns whether the event
// changed buffered state (false for stale redeliveries).
func (c *Channel) Deliver(event Event) bool {
	scope := feed.ScopeKey(event.ScopeKey)
	if scope == "" || event.Item.ID == "" {
		return false
	}

	c.mu.Lock()
	buf, ok := c.buffers[scope]
	if !ok {
		buf = newBuffer()
		c.buffers[scope] = buf
	}
	applied := buf.upsert(event.Item)
	var listeners []func(feed.Item)
	if applied {
		for _, listener := range c.subscribers[scope] {
			listeners = append(listeners, listener)
		}
	}
	c.mu.Unlock()

	if !applied {
		c.logger.Debug("stale redelivery ignored",
			zap.String("scope", scope.String()),
			zap.String("item_id", event.Item.ID))
		return false
	}
	for _, listener := range listeners {
		listener(event.Item)
	}
	return true
}

// Snapshot returns a copy of the scope's buffered items in arrival order.
func (c *Channel) Snapshot(scope feed.ScopeKey) []feed.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.buffers[scope]
	if !ok {
		return nil
	}
	return buf.snapshot()
}

// KnownIDs returns the ids already delivered for the scope. This is the
// exclusion set handed to every history fetch so backward paging and the
// forward-growing live stream meet in the middle without duplicates.
func (c *Channel) KnownIDs(scope feed.ScopeKey) []feed.ItemID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.buffers[scope]
	if !ok {
		return nil
	}
	return buf.knownIDs()
}

// DropScope tears down the scope's buffer and listeners. Called when the
// scope is no longer observed.
func (c *Channel) DropScope(scope feed.ScopeKey) {
	c.mu.Lock()
	delete(c.buffers, scope)
	delete(c.subscribers, scope)
	c.mu.Unlock()
}

// buffer is the per-scope append-only record of live deliveries, keyed by id
// so redeliveries collapse into upserts.
type buffer struct {
	order []string
	items map[string]feed.Item
}

func newBuffer() *buffer {
	return &buffer{items: make(map[string]feed.Item)}
}

func (b *buffer) upsert(item feed.Item) bool {
	existing, ok := b.items[item.ID]
	if ok {
		if !feed.Supersedes(item, existing) {
			return false
		}
		b.items[item.ID] = item
		return true
	}
	b.order = append(b.order, item.ID)
	b.items[item.ID] = item
	return true
}

func (b *buffer) snapshot() []feed.Item {
	out := make([]feed.Item, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.items[id])
	}
	return out
}

func (b *buffer) knownIDs() []feed.ItemID {
	out := make([]feed.ItemID, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, feed.ItemID(id))
	}
	return out
}

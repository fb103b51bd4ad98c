package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nimbuschat/feedsync/internal/feed"
	"github.com/nimbuschat/feedsync/internal/projector"
)

// Scope is one observed feed context. It accumulates fetched pages, reacts
// to live deliveries, and republishes its projection after every change.
// Publishing is always a full recompute, never a partial merge.
type Scope struct {
	engine  *Engine
	key     feed.ScopeKey
	entry   string
	filters map[string]string

	mu          sync.Mutex
	pages       [][]feed.Item
	generation  uint64
	cancelFetch context.CancelFunc
	unsubscribe func()
	closed      bool
}

// Key returns the scope's key.
func (s *Scope) Key() feed.ScopeKey {
	return s.key
}

// FetchNextPage pulls the next history page, carrying the live channel's
// known ids as the exclusion set. Already-paged ids stay out of the set:
// the backend filters excluded rows before applying its page offset, so the
// advancing page number alone must account for everything paged so far.
// A result arriving after the scope closed (or was reopened) is discarded
// rather than applied to a reused entry.
func (s *Scope) FetchNextPage(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScopeClosed
	}
	generation := s.generation
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancelFetch = cancel
	s.mu.Unlock()
	defer cancel()
	exclusion := s.engine.channel.KnownIDs(s.key)

	page, err := s.engine.source.FetchNextPage(fetchCtx, s.key, exclusion, s.filters)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != generation {
		s.engine.logger.Debug("late page discarded", zap.String("scope", s.key.String()))
		return ErrScopeClosed
	}
	s.pages = append(s.pages, page.Items)
	return s.republishLocked()
}

// HasMore reports whether more history pages remain for the scope.
func (s *Scope) HasMore() bool {
	return s.engine.source.HasMore(s.key)
}

// onLiveItem handles one live delivery for the scope.
func (s *Scope) onLiveItem(feed.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.republishLocked(); err != nil {
		s.engine.logger.Warn("live republish failed",
			zap.String("scope", s.key.String()),
			zap.Error(err))
	}
}

// republishLocked recomputes the projection from all fetched pages plus the
// live buffer and publishes it. Callers hold s.mu, so no two recomputes for
// the scope interleave and readers never observe a partial merge.
func (s *Scope) republishLocked() error {
	projection := projector.Project(s.pages, s.engine.channel.Snapshot(s.key))
	return s.engine.coordinator.PublishProjection(s.entry, projection)
}

// Close stops observing the scope: cancels any in-flight fetch, unsubscribes
// the live listener, and discards cursor, exclusion set, and buffer.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	cancel := s.cancelFetch
	unsubscribe := s.unsubscribe
	s.pages = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.engine.dropScope(s)
}

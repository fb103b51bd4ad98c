package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbuschat/feedsync/internal/feed"
	"github.com/nimbuschat/feedsync/internal/history"
	"github.com/nimbuschat/feedsync/internal/live"
	"github.com/nimbuschat/feedsync/internal/viewcache"
)

var (
	errMissingTransport = errors.New("transport is required")
	errMissingUserID    = errors.New("user id is required")
	// ErrScopeAlreadyOpen indicates an OpenScope call for an observed scope.
	ErrScopeAlreadyOpen = errors.New("session: scope already open")
	// ErrScopeClosed indicates an operation on a scope that has been torn
	// down; late fetch results surface it when they are discarded.
	ErrScopeClosed = errors.New("session: scope closed")
	noOpLogger     = zap.NewNop()
)

// Transport is the request/response client the engine consumes.
type Transport interface {
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
	Post(ctx context.Context, path string, body any) (json.RawMessage, error)
	Delete(ctx context.Context, path string) (json.RawMessage, error)
}

// EngineConfig configures a session engine.
type EngineConfig struct {
	Transport   Transport
	UserID      feed.UserID
	Source      *history.Source
	Channel     *live.Channel
	Cache       *viewcache.Cache
	Coordinator *viewcache.Coordinator
	PageSize    int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine owns the per-session sync state: the history source, the live
// channel, the shared view cache, and every open scope. One engine serves
// one authenticated user.
type Engine struct {
	transport   Transport
	userID      feed.UserID
	source      *history.Source
	channel     *live.Channel
	cache       *viewcache.Cache
	coordinator *viewcache.Coordinator
	clock       func() time.Time
	logger      *zap.Logger

	mu     sync.Mutex
	scopes map[feed.ScopeKey]*Scope
}

// NewEngine constructs an Engine, building any collaborator not supplied.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	source := cfg.Source
	if source == nil {
		built, err := history.NewSource(history.SourceConfig{
			Getter:   cfg.Transport,
			PageSize: cfg.PageSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		source = built
	}
	channel := cfg.Channel
	if channel == nil {
		channel = live.NewChannel(logger)
	}
	cache := cfg.Cache
	if cache == nil {
		cache = viewcache.NewCache()
	}
	coordinator := cfg.Coordinator
	if coordinator == nil {
		built, err := viewcache.NewCoordinator(viewcache.CoordinatorConfig{
			Cache:  cache,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		coordinator = built
	}

	return &Engine{
		transport:   cfg.Transport,
		userID:      cfg.UserID,
		source:      source,
		channel:     channel,
		cache:       cache,
		coordinator: coordinator,
		clock:       clock,
		logger:      logger,
		scopes:      make(map[feed.ScopeKey]*Scope),
	}, nil
}

// Cache exposes the read side of the view cache.
func (e *Engine) Cache() *viewcache.Cache {
	return e.cache
}

// Channel exposes the live channel, for wiring a push transport.
func (e *Engine) Channel() *live.Channel {
	return e.channel
}

// UserID returns the session's user identifier.
func (e *Engine) UserID() feed.UserID {
	return e.userID
}

// Projection returns the current view for an open scope.
func (e *Engine) Projection(scope feed.ScopeKey) ([]feed.Item, bool) {
	return e.cache.Projection(scope.String())
}

// OpenScope starts observing a feed scope: registers its cache entry and
// subscribes to live deliveries. The returned Scope drives pagination and
// must be closed when the screen goes away.
func (e *Engine) OpenScope(key feed.ScopeKey, filters map[string]string) (*Scope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, open := e.scopes[key]; open {
		return nil, fmt.Errorf("%w: %s", ErrScopeAlreadyOpen, key)
	}
	if err := e.cache.RegisterProjection(key.String(), key); err != nil {
		return nil, err
	}

	scope := &Scope{
		engine:  e,
		key:     key,
		entry:   key.String(),
		filters: filters,
	}
	scope.unsubscribe = e.channel.Subscribe(key, scope.onLiveItem)
	e.scopes[key] = scope

	e.logger.Debug("scope opened", zap.String("scope", key.String()))
	return scope, nil
}

func (e *Engine) dropScope(scope *Scope) {
	e.mu.Lock()
	if e.scopes[scope.key] == scope {
		delete(e.scopes, scope.key)
	}
	e.mu.Unlock()
	e.channel.DropScope(scope.key)
	e.source.Reset(scope.key)
	e.cache.Drop(scope.entry)
	e.logger.Debug("scope closed", zap.String("scope", scope.key.String()))
}

// RunPush dials the push endpoint and pumps live events into the channel
// until the context ends. Blocking; run on its own goroutine.
func (e *Engine) RunPush(ctx context.Context, pushURL, sessionToken string) error {
	socket, err := live.NewSocket(live.SocketConfig{
		URL:          pushURL,
		SessionToken: sessionToken,
		Channel:      e.channel,
		Logger:       e.logger,
	})
	if err != nil {
		return err
	}
	return socket.Run(ctx)
}

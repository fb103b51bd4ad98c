package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/nimbuschat/feedsync/internal/feed"
)

const defaultPageSize = 20

var (
	errMissingGetter = errors.New("getter is required")
	noOpLogger       = zap.NewNop()
)

const (
	opSourceNew   = "history.source.new"
	opFetchPage   = "history.fetch_page"
	reasonMissing = "missing_getter"
)

// SourceError carries an operation code for a history failure.
type SourceError struct {
	code string
	err  error
}

func (e *SourceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SourceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable operation code.
func (e *SourceError) Code() string {
	return e.code
}

func newSourceError(operation, reason string, cause error) error {
	return &SourceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Cursor is the backend-issued pagination position for one scope. It advances
// monotonically toward older data.
type Cursor struct {
	Page      int `json:"page"`
	PageSize  int `json:"page_size"`
	PageCount int `json:"page_count"`
}

// Exhausted reports whether the cursor has reached the backend's reported
// page count. This is the termination condition; an empty page with more
// reported pages still advances.
func (c Cursor) Exhausted() bool {
	return c.Page >= c.PageCount
}

// Page is one fetched slice of historical items. NextCursor is nil when
// pagination has terminated.
type Page struct {
	Items      []feed.Item
	NextCursor *Cursor
}

// Getter is the read half of the transport client.
type Getter interface {
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
}

// SourceConfig configures a history Source.
type SourceConfig struct {
	Getter   Getter
	PageSize int
	Logger   *zap.Logger
}

// Source fetches ordered pages of past items from the backend. It owns one
// cursor per scope and knows nothing about live data beyond the exclusion
// set handed to each fetch.
type Source struct {
	getter   Getter
	pageSize int
	logger   *zap.Logger

	mu      sync.Mutex
	cursors map[feed.ScopeKey]cursorState
}

type cursorState struct {
	next      Cursor
	exhausted bool
}

// NewSource constructs a Source with sane defaults.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Getter == nil {
		return nil, newSourceError(opSourceNew, reasonMissing, errMissingGetter)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Source{
		getter:   cfg.Getter,
		pageSize: pageSize,
		logger:   logger,
		cursors:  make(map[feed.ScopeKey]cursorState),
	}, nil
}

type pageEnvelope struct {
	Items     []feed.Item `json:"items"`
	Page      int         `json:"page"`
	PageSize  int         `json:"page_size"`
	PageCount int         `json:"page_count"`
}

// FetchNextPage fetches the next unread page for the scope, carrying the
// exclusion set so the backend skips ids already delivered live. The cursor
// is only advanced on success; a failed fetch retries the same page.
func (s *Source) FetchNextPage(ctx context.Context, scope feed.ScopeKey, exclusion []feed.ItemID, filters map[string]string) (Page, error) {
	cursor, exhausted := s.nextCursor(scope)
	if exhausted {
		return Page{}, nil
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(cursor.Page))
	query.Set("page_size", strconv.Itoa(cursor.PageSize))
	for _, id := range exclusion {
		query.Add("exclude", id.String())
	}
	for key, value := range filters {
		query.Set(key, value)
	}

	raw, err := s.getter.Get(ctx, "/feed/"+scope.String()+"/page", query)
	if err != nil {
		s.logger.Warn("page fetch failed",
			zap.String("operation", opFetchPage),
			zap.String("scope", scope.String()),
			zap.Int("page", cursor.Page),
			zap.Error(err))
		return Page{}, newSourceError(opFetchPage, "request_failed", err)
	}

	envelope := pageEnvelope{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Page{}, newSourceError(opFetchPage, "decode_failed", err)
	}

	fetched := Cursor{Page: envelope.Page, PageSize: envelope.PageSize, PageCount: envelope.PageCount}
	page := Page{Items: envelope.Items}
	if !fetched.Exhausted() {
		next := Cursor{Page: fetched.Page + 1, PageSize: fetched.PageSize, PageCount: fetched.PageCount}
		page.NextCursor = &next
	}
	s.advance(scope, page.NextCursor)

	s.logger.Debug("page fetched",
		zap.String("scope", scope.String()),
		zap.Int("page", fetched.Page),
		zap.Int("page_count", fetched.PageCount),
		zap.Int("items", len(page.Items)))
	return page, nil
}

// HasMore reports whether the scope's cursor has pages left to fetch.
func (s *Source) HasMore(scope feed.ScopeKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.cursors[scope]
	if !ok {
		return true
	}
	return !state.exhausted
}

// Reset discards the scope's cursor. Called when the scope's filters change
// or the scope is torn down; the next fetch starts from the first page.
func (s *Source) Reset(scope feed.ScopeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, scope)
}

func (s *Source) nextCursor(scope feed.ScopeKey) (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.cursors[scope]
	if !ok {
		return Cursor{Page: 1, PageSize: s.pageSize}, false
	}
	return state.next, state.exhausted
}

func (s *Source) advance(scope feed.ScopeKey, next *Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == nil {
		s.cursors[scope] = cursorState{exhausted: true}
		return
	}
	s.cursors[scope] = cursorState{next: *next}
}

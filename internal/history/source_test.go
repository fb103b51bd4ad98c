package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/nimbuschat/feedsync/internal/feed"
)

type stubGetter struct {
	responses []string
	errs      []error
	queries   []url.Values
	paths     []string
	calls     int
}

func (g *stubGetter) Get(_ context.Context, path string, query url.Values) (json.RawMessage, error) {
	index := g.calls
	g.calls++
	g.paths = append(g.paths, path)
	g.queries = append(g.queries, query)
	if index < len(g.errs) && g.errs[index] != nil {
		return nil, g.errs[index]
	}
	if index < len(g.responses) {
		return json.RawMessage(g.responses[index]), nil
	}
	return json.RawMessage(`{"items":[],"page":1,"page_size":20,"page_count":0}`), nil
}

func newTestSource(t *testing.T, getter *stubGetter) *Source {
	t.Helper()
	source, err := NewSource(SourceConfig{Getter: getter, PageSize: 2})
	if err != nil {
		t.Fatalf("unexpected source error: %v", err)
	}
	return source
}

func TestFetchNextPageAdvancesCursor(t *testing.T) {
	getter := &stubGetter{responses: []string{
		`{"items":[{"id":"m1","kind":"chat_message","scope_key":"chat:42","created_at_ms":3000}],"page":1,"page_size":2,"page_count":2}`,
		`{"items":[{"id":"m2","kind":"chat_message","scope_key":"chat:42","created_at_ms":2000}],"page":2,"page_size":2,"page_count":2}`,
	}}
	source := newTestSource(t, getter)
	scope := feed.ChatScope("42")

	first, err := source.FetchNextPage(context.Background(), scope, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.NextCursor == nil || first.NextCursor.Page != 2 {
		t.Fatalf("expected next cursor at page 2, got %+v", first.NextCursor)
	}
	if !source.HasMore(scope) {
		t.Fatalf("expected more pages after first fetch")
	}

	second, err := source.FetchNextPage(context.Background(), scope, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.NextCursor != nil {
		t.Fatalf("expected pagination to terminate at reported page count")
	}
	if source.HasMore(scope) {
		t.Fatalf("expected scope to be exhausted")
	}
	if getter.queries[1].Get("page") != "2" {
		t.Fatalf("expected second fetch to request page 2, got %s", getter.queries[1].Get("page"))
	}
}

func TestFetchNextPageAdvancesPastEmptyPage(t *testing.T) {
	// An empty page with more reported pages is not a termination signal.
	getter := &stubGetter{responses: []string{
		`{"items":[],"page":1,"page_size":2,"page_count":3}`,
	}}
	source := newTestSource(t, getter)
	scope := feed.ChatScope("42")

	page, err := source.FetchNextPage(context.Background(), scope, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty page")
	}
	if page.NextCursor == nil || page.NextCursor.Page != 2 {
		t.Fatalf("expected cursor to advance past empty page, got %+v", page.NextCursor)
	}
	if !source.HasMore(scope) {
		t.Fatalf("expected more pages to remain")
	}
}

func TestFetchNextPageKeepsCursorOnFailure(t *testing.T) {
	getter := &stubGetter{
		errs: []error{errors.New("connection reset")},
		responses: []string{
			"",
			`{"items":[],"page":1,"page_size":2,"page_count":1}`,
		},
	}
	source := newTestSource(t, getter)
	scope := feed.ChatScope("42")

	if _, err := source.FetchNextPage(context.Background(), scope, nil, nil); err == nil {
		t.Fatalf("expected fetch failure")
	}

	if _, err := source.FetchNextPage(context.Background(), scope, nil, nil); err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if getter.queries[1].Get("page") != "1" {
		t.Fatalf("expected retry to resume from page 1, got %s", getter.queries[1].Get("page"))
	}
}

func TestFetchNextPageCarriesExclusionSetAndFilters(t *testing.T) {
	getter := &stubGetter{responses: []string{
		`{"items":[],"page":1,"page_size":2,"page_count":1}`,
	}}
	source := newTestSource(t, getter)
	scope := feed.NotificationScope("user-1")

	exclusion := []feed.ItemID{"n1", "n2"}
	filters := map[string]string{"recipient": "user-1"}
	if _, err := source.FetchNextPage(context.Background(), scope, exclusion, filters); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	query := getter.queries[0]
	if len(query["exclude"]) != 2 {
		t.Fatalf("expected exclusion ids in query, got %v", query["exclude"])
	}
	if query.Get("recipient") != "user-1" {
		t.Fatalf("expected filter in query, got %v", query)
	}
	if getter.paths[0] != "/feed/notifications:user-1/page" {
		t.Fatalf("unexpected path: %s", getter.paths[0])
	}
}

func TestResetDiscardsCursor(t *testing.T) {
	getter := &stubGetter{responses: []string{
		`{"items":[],"page":1,"page_size":2,"page_count":1}`,
		`{"items":[],"page":1,"page_size":2,"page_count":1}`,
	}}
	source := newTestSource(t, getter)
	scope := feed.ChatScope("42")

	if _, err := source.FetchNextPage(context.Background(), scope, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.HasMore(scope) {
		t.Fatalf("expected scope to be exhausted")
	}

	source.Reset(scope)
	if !source.HasMore(scope) {
		t.Fatalf("expected reset to restore pagination")
	}
	if _, err := source.FetchNextPage(context.Background(), scope, nil, nil); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if getter.queries[1].Get("page") != "1" {
		t.Fatalf("expected fetch after reset to start at page 1")
	}
}

func TestNewSourceRequiresGetter(t *testing.T) {
	_, err := NewSource(SourceConfig{})
	if err == nil {
		t.Fatalf("expected error for missing getter")
	}
	var sourceErr *SourceError
	if !errors.As(err, &sourceErr) {
		t.Fatalf("expected SourceError, got %v", err)
	}
	if sourceErr.Code() != "history.source.new.missing_getter" {
		t.Fatalf("unexpected code: %s", sourceErr.Code())
	}
}

// Package projector merges backward-paging history and the forward-growing
// live buffer into one ordered, deduplicated projection per scope.
package projector

import (
	"sort"

	"github.com/nimbuschat/feedsync/internal/feed"
)

// Project combines all fetched pages with the current live snapshot. Inputs
// are never mutated; the result is a fresh slice.
//
// Duplicates collapse by id with the fresher copy winning
// (feed.Supersedes). Live items are applied after fetched ones, so when a
// fetched page reintroduces an id the live channel already delivered (a
// backend that ignored the exclusion set, or a page raced against a push),
// the live copy's state survives unless the fetched one is strictly fresher.
func Project(pages [][]feed.Item, liveItems []feed.Item) []feed.Item {
	merged := make(map[string]feed.Item)
	for _, page := range pages {
		for _, item := range page {
			upsert(merged, item)
		}
	}
	for _, item := range liveItems {
		upsert(merged, item)
	}

	projection := make([]feed.Item, 0, len(merged))
	for _, item := range merged {
		projection = append(projection, item)
	}
	sort.SliceStable(projection, func(i, j int) bool {
		return feed.Less(projection[i], projection[j])
	})
	return projection
}

func upsert(merged map[string]feed.Item, item feed.Item) {
	if item.ID == "" {
		return
	}
	existing, ok := merged[item.ID]
	if ok && !feed.Supersedes(item, existing) {
		return
	}
	merged[item.ID] = item
}

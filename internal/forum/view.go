package forum

import (
	"sort"
	"strings"

	"github.com/massdialogue/massdialogue/internal/models"
)

type SortKey string

const (
	SortByCreated SortKey = "created_at"
	SortByUpvotes SortKey = "upvotes"
)

// buildView derives a fresh ordered slice from the canonical mapping: active
// filter applied first, then a stable descending sort on the active key.
// The result is a new allocation every time, so handed-out snapshots are
// never mutated under a reader.
func buildView(posts map[string]models.Post, key SortKey, filter string) []models.Post {
	view := make([]models.Post, 0, len(posts))
	needle := strings.ToLower(strings.TrimSpace(filter))
	for _, p := range posts {
		if needle != "" && !strings.Contains(strings.ToLower(p.Body), needle) {
			continue
		}
		view = append(view, p)
	}

	// Map iteration order is random; normalize by id before the stable sort
	// so equal-keyed posts always land in the same order.
	sort.Slice(view, func(i, j int) bool { return view[i].ID < view[j].ID })

	switch key {
	case SortByUpvotes:
		sort.SliceStable(view, func(i, j int) bool {
			return view[i].Upvotes > view[j].Upvotes
		})
	default:
		sort.SliceStable(view, func(i, j int) bool {
			return view[i].CreatedAt.After(view[j].CreatedAt)
		})
	}
	return view
}

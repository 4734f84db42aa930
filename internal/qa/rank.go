package qa

import (
	"sort"
	"strings"

	"github.com/aura-webinar/conference/internal/models"
)

// Sort orders questions for display: priority descending, then upvotes
// descending, then most recent first. The id breaks any remaining tie so the
// order is total.
func Sort(qs []models.Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		a, b := qs[i], qs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Upvotes != b.Upvotes {
			return a.Upvotes > b.Upvotes
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return strings.Compare(a.ID.String(), b.ID.String()) < 0
	})
}

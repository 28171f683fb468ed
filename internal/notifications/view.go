package notifications

import (
	"fmt"
	"sort"
	"strings"
)

// Category is a tab of the notification screen
type Category string

const (
	CategoryAll      Category = "all"
	CategoryLikes    Category = "likes"
	CategoryComments Category = "comments"
	CategoryFollows  Category = "follows"
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CategoryAll:
		return CategoryAll, nil
	case CategoryLikes, CategoryComments, CategoryFollows:
		return c, nil
	default:
		return "", fmt.Errorf("unknown notification category %q", s)
	}
}

// Matches reports whether a notification belongs in the category
func (c Category) Matches(n *Notification) bool {
	switch c {
	case CategoryLikes:
		return n.Type == TypeLike
	case CategoryComments:
		return n.Type == TypeComment || n.Type == TypeReply || n.Type == TypeMention
	case CategoryFollows:
		return n.Type == TypeFollow
	default:
		return true
	}
}

// Filter returns copies of the notifications in category, newest first. The
// input slice is left untouched.
func Filter(items []*Notification, category Category) []*Notification {
	out := make([]*Notification, 0, len(items))
	for _, n := range items {
		if category.Matches(n) {
			out = append(out, n.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

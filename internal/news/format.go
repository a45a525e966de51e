package news

import (
	"strings"

	"github.com/lazypower/companion/internal/model"
)

// Format renders an item as a short block suitable for a chat prompt.
func Format(item model.NewsItem) string {
	var b strings.Builder
	b.WriteString("📰 ")
	b.WriteString(item.Title)
	if item.Summary != "" {
		b.WriteString("\n\n")
		b.WriteString(item.Summary)
	}
	if item.Source != "" {
		b.WriteString("\n\nSource: ")
		b.WriteString(item.Source)
	}
	if item.Link != "" {
		b.WriteString("\nMore: ")
		b.WriteString(item.Link)
	}
	return b.String()
}

package news

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/lazypower/companion/internal/model"
)

const (
	DefaultSummaryMaxChars = 500
	userAgent              = "companion-news/1.0 (+https://github.com/lazypower/companion)"
)

// FeedFetcher downloads and parses RSS/Atom feeds.
type FeedFetcher struct {
	client     *http.Client
	parser     *gofeed.Parser
	summaryMax int
	now        func() time.Time
}

// NewFeedFetcher returns a fetcher whose requests time out after timeout.
func NewFeedFetcher(timeout time.Duration, summaryMax int) *FeedFetcher {
	if summaryMax <= 0 {
		summaryMax = DefaultSummaryMaxChars
	}
	return &FeedFetcher{
		client:     &http.Client{Timeout: timeout},
		parser:     gofeed.NewParser(),
		summaryMax: summaryMax,
		now:        time.Now,
	}
}

// Fetch returns the feed's items in document order.
func (f *FeedFetcher) Fetch(ctx context.Context, feedURL string) ([]model.NewsItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("feed status %d: %s", resp.StatusCode, msg)
	}

	feed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	source := strings.TrimSpace(feed.Title)
	if source == "" {
		source = feedURL
	}

	fetched := f.now()
	items := make([]model.NewsItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		desc := it.Description
		if strings.TrimSpace(desc) == "" {
			desc = it.Content
		}
		items = append(items, model.NewsItem{
			FeedURL:     feedURL,
			Title:       CleanText(it.Title),
			Summary:     TruncateRunes(CleanText(desc), f.summaryMax),
			Link:        strings.TrimSpace(it.Link),
			Source:      source,
			PublishedAt: itemTime(it),
			FetchedAt:   fetched,
		})
	}
	return items, nil
}

func itemTime(it *gofeed.Item) time.Time {
	if it.PublishedParsed != nil {
		return *it.PublishedParsed
	}
	if it.UpdatedParsed != nil {
		return *it.UpdatedParsed
	}
	return time.Time{}
}

// CleanText strips markup and collapses whitespace.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

// TruncateRunes shortens s to at most max runes, ending in "..." when cut.
func TruncateRunes(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// Package news caches recent RSS headlines and hands out random items to
// seed proactive messages.
package news

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/lazypower/companion/internal/model"
	"github.com/lazypower/companion/internal/random"
)

const (
	DefaultMaxItemsPerFeed = 10
	DefaultRefreshInterval = 24 * time.Hour
	defaultConcurrency     = 4
)

// Fetcher retrieves the current items of one feed.
type Fetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]model.NewsItem, error)
}

// StateStore persists the cache between restarts.
type StateStore interface {
	LoadNewsState() (*model.NewsCacheState, error)
	SaveNewsState(st model.NewsCacheState) error
}

// FeedError records why one feed could not be refreshed.
type FeedError struct {
	URL string
	Err error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.URL, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// RefreshReport describes the outcome of one Refresh call.
type RefreshReport struct {
	Skipped   bool
	Refreshed []string
	Failed    map[string]error
	Items     int
}

// Options tune retention and refresh cadence.
type Options struct {
	MaxItemsPerFeed int
	RefreshInterval time.Duration
	Concurrency     int
}

// Cache holds the latest items per feed. A refresh cycle is all feeds at
// once; a feed that fails keeps the items from its last good fetch.
type Cache struct {
	store StateStore
	rng   *random.Source
	opts  Options
	log   zerolog.Logger

	refreshMu sync.Mutex

	mu    sync.RWMutex
	state model.NewsCacheState
}

// NewCache builds an empty cache. store may be nil for a memory-only cache.
func NewCache(store StateStore, rng *random.Source, log zerolog.Logger, opts Options) *Cache {
	if opts.MaxItemsPerFeed <= 0 {
		opts.MaxItemsPerFeed = DefaultMaxItemsPerFeed
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Cache{
		store: store,
		rng:   rng,
		opts:  opts,
		log:   log.With().Str("component", "news").Logger(),
		state: model.NewsCacheState{ItemsByFeed: make(map[string][]model.NewsItem)},
	}
}

// Load restores the last persisted state, if any.
func (c *Cache) Load() error {
	if c.store == nil {
		return nil
	}
	st, err := c.store.LoadNewsState()
	if err != nil {
		return fmt.Errorf("load news cache: %w", err)
	}
	if st == nil {
		return nil
	}
	c.mu.Lock()
	c.state = st.Clone()
	c.mu.Unlock()
	c.log.Info().Int("items", c.Count()).Time("last_refreshed_at", st.LastRefreshedAt).Msg("news cache loaded")
	return nil
}

// NeedsRefresh reports whether the cache was never populated or is at least
// one refresh interval old.
func (c *Cache) NeedsRefresh(now time.Time) bool {
	c.mu.RLock()
	last := c.state.LastRefreshedAt
	c.mu.RUnlock()
	return last.IsZero() || now.Sub(last) >= c.opts.RefreshInterval
}

// Expire makes the next Refresh fetch every feed regardless of age.
func (c *Cache) Expire() {
	c.mu.Lock()
	c.state.LastRefreshedAt = time.Time{}
	c.mu.Unlock()
}

// LastRefreshed returns the time of the last refresh cycle.
func (c *Cache) LastRefreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.LastRefreshedAt
}

// Refresh fetches every feed if the cache is due. Concurrent callers are
// serialized; whoever arrives second sees a fresh cache and skips. The
// returned error reports a failure to persist the new state, or ctx ending
// mid-fetch, in which case the cache is left untouched and still due.
func (c *Cache) Refresh(ctx context.Context, now time.Time, feeds []string, fetcher Fetcher) (RefreshReport, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	report := RefreshReport{Failed: make(map[string]error)}
	if !c.NeedsRefresh(now) {
		report.Skipped = true
		return report, nil
	}

	type result struct {
		items []model.NewsItem
		err   error
	}
	results := make([]result, len(feeds))

	p := pool.New().WithMaxGoroutines(c.opts.Concurrency)
	for i, url := range feeds {
		p.Go(func() {
			items, err := fetcher.Fetch(ctx, url)
			results[i] = result{items: items, err: err}
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		c.log.Warn().Err(err).Msg("news refresh interrupted, cache left as is")
		return report, err
	}

	c.mu.RLock()
	next := c.state.Clone()
	c.mu.RUnlock()

	for i, url := range feeds {
		r := results[i]
		if r.err != nil {
			report.Failed[url] = &FeedError{URL: url, Err: r.err}
			c.log.Warn().Err(r.err).Str("feed", url).Msg("feed refresh failed, keeping previous items")
			continue
		}
		next.ItemsByFeed[url] = c.selectItems(url, r.items, now)
		report.Refreshed = append(report.Refreshed, url)
	}
	next.LastRefreshedAt = now

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	report.Items = c.Count()
	c.log.Info().
		Int("refreshed", len(report.Refreshed)).
		Int("failed", len(report.Failed)).
		Int("items", report.Items).
		Msg("news cache refreshed")

	if c.store != nil {
		if err := c.store.SaveNewsState(next.Clone()); err != nil {
			return report, fmt.Errorf("persist news cache: %w", err)
		}
	}
	return report, nil
}

// selectItems keeps the most recent items, preserving fetch order on ties.
func (c *Cache) selectItems(feedURL string, items []model.NewsItem, now time.Time) []model.NewsItem {
	out := make([]model.NewsItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if len(out) > c.opts.MaxItemsPerFeed {
		out = out[:c.opts.MaxItemsPerFeed]
	}
	for i := range out {
		out[i].FeedURL = feedURL
		if out[i].FetchedAt.IsZero() {
			out[i].FetchedAt = now
		}
	}
	return out
}

// Items returns every cached item, grouped by feed URL in sorted order.
func (c *Cache) Items() []model.NewsItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	feeds := make([]string, 0, len(c.state.ItemsByFeed))
	for f := range c.state.ItemsByFeed {
		feeds = append(feeds, f)
	}
	sort.Strings(feeds)

	var out []model.NewsItem
	for _, f := range feeds {
		out = append(out, c.state.ItemsByFeed[f]...)
	}
	return out
}

// Count returns the number of cached items across all feeds.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, items := range c.state.ItemsByFeed {
		n += len(items)
	}
	return n
}

// RandomItem picks uniformly among all cached items.
func (c *Cache) RandomItem() (model.NewsItem, bool) {
	items := c.Items()
	if len(items) == 0 {
		return model.NewsItem{}, false
	}
	return items[c.rng.IntN(len(items))], true
}

// Run refreshes the cache whenever it is due, checking every interval until
// ctx is cancelled.
func (c *Cache) Run(ctx context.Context, feeds []string, fetcher Fetcher, every time.Duration) {
	if len(feeds) == 0 {
		c.log.Info().Msg("no feeds configured, news refresher idle")
		return
	}

	if every <= 0 {
		every = time.Hour
	}

	check := func() {
		if _, err := c.Refresh(ctx, time.Now(), feeds, fetcher); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Msg("news refresh")
		}
	}
	check()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

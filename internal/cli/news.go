package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/companion/internal/news"
)

var newsCmd = &cobra.Command{
	Use:   "news",
	Short: "Inspect or refresh the news cache",
}

var newsForce bool

var newsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the configured RSS feeds now",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openInspector()
		if err != nil {
			return err
		}
		defer in.Close()

		if len(in.cfg.News.RSSFeeds) == 0 {
			return fmt.Errorf("no feeds configured (news.rss_feeds)")
		}
		cache, err := in.newsCache()
		if err != nil {
			return err
		}
		if newsForce {
			cache.Expire()
		}

		timeout := time.Duration(in.cfg.News.FetchTimeoutSeconds) * time.Second
		fetcher := news.NewFeedFetcher(timeout, in.cfg.News.SummaryMaxChars)
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout*time.Duration(len(in.cfg.News.RSSFeeds)+1))
		defer cancel()

		report, err := cache.Refresh(ctx, time.Now(), in.cfg.News.RSSFeeds, fetcher)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if report.Skipped {
			fmt.Fprintf(out, "Cache is fresh (refreshed %s). Use --force to refetch.\n",
				cache.LastRefreshed().Local().Format(timeLayout))
			return nil
		}
		for _, url := range report.Refreshed {
			fmt.Fprintf(out, "ok      %s\n", url)
		}
		failed := make([]string, 0, len(report.Failed))
		for url := range report.Failed {
			failed = append(failed, url)
		}
		sort.Strings(failed)
		for _, url := range failed {
			fmt.Fprintf(out, "failed  %s: %v\n", url, report.Failed[url])
		}
		fmt.Fprintf(out, "%d items cached.\n", report.Items)
		return nil
	},
}

var newsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cached news items",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openInspector()
		if err != nil {
			return err
		}
		defer in.Close()

		cache, err := in.newsCache()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		items := cache.Items()
		if len(items) == 0 {
			fmt.Fprintln(out, "News cache is empty. Run `companion news refresh`.")
			return nil
		}
		fmt.Fprintf(out, "%d items, refreshed %s\n\n", len(items), cache.LastRefreshed().Local().Format(timeLayout))
		for _, it := range items {
			fmt.Fprintln(out, news.Format(it))
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	newsRefreshCmd.Flags().BoolVarP(&newsForce, "force", "f", false, "Refetch even if the cache is fresh")
	newsCmd.AddCommand(newsRefreshCmd)
	newsCmd.AddCommand(newsShowCmd)
}

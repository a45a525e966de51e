package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/lazypower/companion/internal/bot"
	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/llm"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/news"
	"github.com/lazypower/companion/internal/random"
	"github.com/lazypower/companion/internal/scheduler"
	"github.com/lazypower/companion/internal/server"
	"github.com/lazypower/companion/internal/telegram"
	"github.com/lazypower/companion/internal/timing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, the proactive scheduler and the dashboard API",
	RunE:  runServe,
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

func newsOptions(cfg *config.Config) news.Options {
	return news.Options{
		MaxItemsPerFeed: cfg.News.MaxItemsPerFeed,
		RefreshInterval: time.Duration(cfg.News.RefreshIntervalHours) * time.Hour,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, os.Stderr)

	if cfg.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required (or set TELEGRAM_BOT_TOKEN)")
	}
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("configure llm: %w", err)
	}

	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer be.close()

	convs := conversation.New(be.convs, log)
	if err := convs.Load(); err != nil {
		return err
	}

	rng := random.New(cfg.Random.Seed)
	cache := news.NewCache(be.news, rng, log, newsOptions(cfg))
	if err := cache.Load(); err != nil {
		log.Warn().Err(err).Msg("starting with an empty news cache")
	}
	fetcher := news.NewFeedFetcher(seconds(cfg.News.FetchTimeoutSeconds), cfg.News.SummaryMaxChars)

	tg := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.BotToken, seconds(cfg.Telegram.RequestTimeoutSeconds))
	delays := timing.New(millis(cfg.Timing.BaseMS), millis(cfg.Timing.PerCharMS), millis(cfg.Timing.MaxMS), millis(cfg.Timing.JitterMS), rng)

	policy, err := scheduler.PolicyFromConfig(cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.Deps{
		Store:  convs,
		News:   cache,
		LLM:    llmClient,
		Sender: tg,
		Timing: delays,
		Rand:   rng,
		Log:    log,
	}, policy)

	watching := loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("ignoring invalid config change")
			return
		}
		p, err := scheduler.PolicyFromConfig(next)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring invalid proactive settings")
			return
		}
		sched.SetPolicy(p)
		log.Info().
			Bool("enabled", p.Enabled).
			Dur("inactivity", p.Inactivity).
			Bool("quiet_hours", p.QuietHours.Enabled).
			Float64("news_probability", p.NewsProbability).
			Msg("proactive policy reloaded")
	})

	b := bot.New(bot.Deps{
		Transport: bot.NewTelegramTransport(tg),
		Store:     convs,
		LLM:       llmClient,
		Timing:    delays,
		Log:       log,
	}, bot.Options{
		SystemPrompt:       cfg.LLM.SystemPrompt,
		FallbackReply:      cfg.LLM.FallbackReply,
		MaxContextMessages: cfg.Storage.MaxContextMessages,
		PollTimeout:        cfg.Telegram.PollTimeoutSeconds,
		Workers:            cfg.Telegram.Workers,
		GenerateTimeout:    seconds(cfg.LLM.TimeoutSeconds),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", VersionString()).
		Str("storage", cfg.Storage.Backend).
		Str("at", be.where).
		Str("llm", cfg.LLM.Provider).
		Str("model", cfg.LLM.Model).
		Int("feeds", len(cfg.News.RSSFeeds)).
		Bool("config_watch", watching).
		Msg("companion starting")

	var wg conc.WaitGroup
	wg.Go(func() {
		cache.Run(ctx, cfg.News.RSSFeeds, fetcher, time.Duration(cfg.News.CheckIntervalMinutes)*time.Minute)
	})
	wg.Go(func() { sched.Run(ctx) })
	wg.Go(func() {
		if err := b.Run(ctx); err != nil {
			log.Error().Err(err).Msg("bot stopped")
			stop()
		}
	})

	var httpServer *http.Server
	if cfg.Server.Enabled {
		httpServer = &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           server.New(convs, cache, VersionString(), server.WithLogger(log)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Go(func() {
			log.Info().Str("addr", httpServer.Addr).Msg("dashboard api listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("dashboard server failed")
				stop()
			}
		})
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("dashboard shutdown")
		}
	}
	wg.Wait()
	return nil
}

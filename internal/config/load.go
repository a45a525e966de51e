package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "COMPANION"

// Loader reads configuration from an optional file plus the environment.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. With an empty path it searches ./config.*
// and ~/.companion/config.*.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.companion")
	}

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional names for secrets.
	v.BindEnv("telegram.bot_token", envPrefix+"_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("llm.openai_key", envPrefix+"_LLM_OPENAI_KEY", "OPENAI_API_KEY")
	v.BindEnv("llm.anthropic_key", envPrefix+"_LLM_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")

	return &Loader{v: v}
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads the file (a missing file is fine), applies env overrides and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the re-read configuration every time the config
// file is written. Invalid edits are reported through err and should be
// ignored by the caller. Watch is a no-op without a config file.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) bool {
	if l.ConfigFile() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(l.decode())
	})
	l.v.WatchConfig()
	return true
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_base", d.Telegram.APIBase)
	v.SetDefault("telegram.poll_timeout_seconds", d.Telegram.PollTimeoutSeconds)
	v.SetDefault("telegram.request_timeout_seconds", d.Telegram.RequestTimeoutSeconds)
	v.SetDefault("telegram.workers", d.Telegram.Workers)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.openai_key", "")
	v.SetDefault("llm.anthropic_key", "")
	v.SetDefault("llm.ollama_url", d.LLM.OllamaURL)
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.fallback_reply", d.LLM.FallbackReply)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.timeout_seconds", d.LLM.TimeoutSeconds)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.conversations_dir", d.Storage.ConversationsDir)
	v.SetDefault("storage.max_context_messages", d.Storage.MaxContextMessages)

	v.SetDefault("proactive.enabled", d.Proactive.Enabled)
	v.SetDefault("proactive.inactivity_minutes", d.Proactive.InactivityMinutes)
	v.SetDefault("proactive.check_interval_minutes", d.Proactive.CheckIntervalMinutes)
	v.SetDefault("proactive.first_check_delay_seconds", d.Proactive.FirstCheckDelaySeconds)
	v.SetDefault("proactive.quiet_hours.enabled", d.Proactive.QuietHours.Enabled)
	v.SetDefault("proactive.quiet_hours.start", d.Proactive.QuietHours.Start)
	v.SetDefault("proactive.quiet_hours.end", d.Proactive.QuietHours.End)
	v.SetDefault("proactive.quiet_hours.timezone", "")
	v.SetDefault("proactive.news_probability", d.Proactive.NewsProbability)
	v.SetDefault("proactive.concurrency", d.Proactive.Concurrency)
	v.SetDefault("proactive.prompt", "")

	v.SetDefault("news.rss_feeds", d.News.RSSFeeds)
	v.SetDefault("news.max_items_per_feed", d.News.MaxItemsPerFeed)
	v.SetDefault("news.refresh_interval_hours", d.News.RefreshIntervalHours)
	v.SetDefault("news.check_interval_minutes", d.News.CheckIntervalMinutes)
	v.SetDefault("news.summary_max_chars", d.News.SummaryMaxChars)
	v.SetDefault("news.fetch_timeout_seconds", d.News.FetchTimeoutSeconds)

	v.SetDefault("timing.base_ms", d.Timing.BaseMS)
	v.SetDefault("timing.per_char_ms", d.Timing.PerCharMS)
	v.SetDefault("timing.max_ms", d.Timing.MaxMS)
	v.SetDefault("timing.jitter_ms", d.Timing.JitterMS)

	v.SetDefault("web.enabled", d.Server.Enabled)
	v.SetDefault("web.bind", d.Server.Bind)
	v.SetDefault("web.port", d.Server.Port)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("random.seed", 0)
}

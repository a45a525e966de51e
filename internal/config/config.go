package config

import (
	"fmt"
	"time"
)

// Config holds all companion configuration.
type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Proactive ProactiveConfig `mapstructure:"proactive"`
	News      NewsConfig      `mapstructure:"news"`
	Timing    TimingConfig    `mapstructure:"timing"`
	Server    ServerConfig    `mapstructure:"web"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Random    RandomConfig    `mapstructure:"random"`
}

type TelegramConfig struct {
	BotToken              string `mapstructure:"bot_token"`
	APIBase               string `mapstructure:"api_base"`
	PollTimeoutSeconds    int    `mapstructure:"poll_timeout_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	Workers               int    `mapstructure:"workers"`
}

type LLMConfig struct {
	Provider       string  `mapstructure:"provider"` // "openai", "anthropic", "ollama"
	Model          string  `mapstructure:"model"`
	BaseURL        string  `mapstructure:"base_url"` // OpenAI-compatible endpoint override
	OpenAIKey      string  `mapstructure:"openai_key"`
	AnthropicKey   string  `mapstructure:"anthropic_key"`
	OllamaURL      string  `mapstructure:"ollama_url"`
	SystemPrompt   string  `mapstructure:"system_prompt"`
	FallbackReply  string  `mapstructure:"fallback_reply"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

type StorageConfig struct {
	Backend            string `mapstructure:"backend"` // "sqlite" or "file"
	Path               string `mapstructure:"path"`
	ConversationsDir   string `mapstructure:"conversations_dir"`
	MaxContextMessages int    `mapstructure:"max_context_messages"`
}

type QuietHoursConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Start    string `mapstructure:"start"` // HH:MM
	End      string `mapstructure:"end"`   // HH:MM
	Timezone string `mapstructure:"timezone"`
}

type ProactiveConfig struct {
	Enabled                bool             `mapstructure:"enabled"`
	InactivityMinutes      int              `mapstructure:"inactivity_minutes"`
	CheckIntervalMinutes   int              `mapstructure:"check_interval_minutes"`
	FirstCheckDelaySeconds int              `mapstructure:"first_check_delay_seconds"`
	QuietHours             QuietHoursConfig `mapstructure:"quiet_hours"`
	NewsProbability        float64          `mapstructure:"news_probability"`
	Concurrency            int              `mapstructure:"concurrency"`
	Prompt                 string           `mapstructure:"prompt"`
}

type NewsConfig struct {
	RSSFeeds             []string `mapstructure:"rss_feeds"`
	MaxItemsPerFeed      int      `mapstructure:"max_items_per_feed"`
	RefreshIntervalHours int      `mapstructure:"refresh_interval_hours"`
	CheckIntervalMinutes int      `mapstructure:"check_interval_minutes"`
	SummaryMaxChars      int      `mapstructure:"summary_max_chars"`
	FetchTimeoutSeconds  int      `mapstructure:"fetch_timeout_seconds"`
}

type TimingConfig struct {
	BaseMS    int `mapstructure:"base_ms"`
	PerCharMS int `mapstructure:"per_char_ms"`
	MaxMS     int `mapstructure:"max_ms"`
	JitterMS  int `mapstructure:"jitter_ms"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
	Port    int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

type RandomConfig struct {
	Seed uint64 `mapstructure:"seed"` // 0 = time based
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{
			APIBase:               "https://api.telegram.org",
			PollTimeoutSeconds:    30,
			RequestTimeoutSeconds: 15,
			Workers:               8,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			OllamaURL:      "http://localhost:11434",
			FallbackReply:  "Sorry, I can't answer right now. Let's talk again in a little while.",
			MaxTokens:      1024,
			Temperature:    0.8,
			TimeoutSeconds: 60,
		},
		Storage: StorageConfig{
			Backend:            "sqlite",
			Path:               "", // resolved at runtime via store.DefaultDBPath()
			ConversationsDir:   "conversations",
			MaxContextMessages: 20,
		},
		Proactive: ProactiveConfig{
			Enabled:                true,
			InactivityMinutes:      60,
			CheckIntervalMinutes:   15,
			FirstCheckDelaySeconds: 60,
			QuietHours: QuietHoursConfig{
				Enabled: false,
				Start:   "22:00",
				End:     "09:00",
			},
			NewsProbability: 0.5,
			Concurrency:     4,
		},
		News: NewsConfig{
			RSSFeeds:             []string{},
			MaxItemsPerFeed:      10,
			RefreshIntervalHours: 24,
			CheckIntervalMinutes: 60,
			SummaryMaxChars:      500,
			FetchTimeoutSeconds:  20,
		},
		Timing: TimingConfig{
			BaseMS:    350,
			PerCharMS: 40,
			MaxMS:     4000,
			JitterMS:  250,
		},
		Server: ServerConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    37778,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Validate checks ranges and formats that the rest of the program relies on.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxContextMessages < 1 {
		return fmt.Errorf("storage.max_context_messages must be >= 1, got %d", c.Storage.MaxContextMessages)
	}
	if c.Proactive.InactivityMinutes <= 0 {
		return fmt.Errorf("proactive.inactivity_minutes must be > 0, got %d", c.Proactive.InactivityMinutes)
	}
	if c.Proactive.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("proactive.check_interval_minutes must be > 0, got %d", c.Proactive.CheckIntervalMinutes)
	}
	if c.Proactive.FirstCheckDelaySeconds < 0 {
		return fmt.Errorf("proactive.first_check_delay_seconds must be >= 0")
	}
	if p := c.Proactive.NewsProbability; p < 0 || p > 1 {
		return fmt.Errorf("proactive.news_probability must be within [0, 1], got %v", p)
	}
	if c.Proactive.Concurrency <= 0 {
		return fmt.Errorf("proactive.concurrency must be > 0")
	}
	qh := c.Proactive.QuietHours
	if _, err := time.Parse("15:04", qh.Start); err != nil {
		return fmt.Errorf("proactive.quiet_hours.start: %w", err)
	}
	if _, err := time.Parse("15:04", qh.End); err != nil {
		return fmt.Errorf("proactive.quiet_hours.end: %w", err)
	}
	if qh.Timezone != "" {
		if _, err := time.LoadLocation(qh.Timezone); err != nil {
			return fmt.Errorf("proactive.quiet_hours.timezone: %w", err)
		}
	}
	if c.News.MaxItemsPerFeed <= 0 || c.News.RefreshIntervalHours <= 0 {
		return fmt.Errorf("news.max_items_per_feed and news.refresh_interval_hours must be > 0")
	}
	if c.News.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("news.check_interval_minutes must be > 0, got %d", c.News.CheckIntervalMinutes)
	}
	if c.News.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("news.fetch_timeout_seconds must be > 0, got %d", c.News.FetchTimeoutSeconds)
	}
	if c.Telegram.PollTimeoutSeconds < 0 {
		return fmt.Errorf("telegram.poll_timeout_seconds must be >= 0, got %d", c.Telegram.PollTimeoutSeconds)
	}
	if c.Timing.MaxMS < 0 || c.Timing.BaseMS < 0 || c.Timing.PerCharMS < 0 || c.Timing.JitterMS < 0 {
		return fmt.Errorf("timing values must be >= 0")
	}
	return nil
}

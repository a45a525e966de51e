package scheduler

import (
	"fmt"
	"time"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/llm"
)

// QuietHours is a daily window [Start, End) in minutes after midnight. When
// Start > End the window wraps past midnight.
type QuietHours struct {
	Enabled  bool
	Start    int
	End      int
	Location *time.Location
}

// ParseQuietHours builds a window from "HH:MM" strings and an IANA zone
// name. An empty zone means local time.
func ParseQuietHours(enabled bool, start, end, zone string) (QuietHours, error) {
	s, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours end: %w", err)
	}
	loc := time.Local
	if zone != "" {
		if loc, err = time.LoadLocation(zone); err != nil {
			return QuietHours{}, fmt.Errorf("quiet hours timezone: %w", err)
		}
	}
	return QuietHours{Enabled: enabled, Start: s, End: e, Location: loc}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	if q.Location != nil {
		t = t.In(q.Location)
	}
	m := t.Hour()*60 + t.Minute()
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// Policy is everything a tick needs to decide and act. It can be swapped
// between ticks.
type Policy struct {
	Enabled            bool
	Inactivity         time.Duration
	CheckInterval      time.Duration
	FirstCheckDelay    time.Duration
	QuietHours         QuietHours
	NewsProbability    float64
	MaxContextMessages int
	Concurrency        int
	SystemPrompt       string
	Prompt             string
	GenerateTimeout    time.Duration
	SendTimeout        time.Duration
}

// PolicyFromConfig maps configuration onto a Policy.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	p := cfg.Proactive
	qh, err := ParseQuietHours(p.QuietHours.Enabled, p.QuietHours.Start, p.QuietHours.End, p.QuietHours.Timezone)
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		Enabled:            p.Enabled,
		Inactivity:         time.Duration(p.InactivityMinutes) * time.Minute,
		CheckInterval:      time.Duration(p.CheckIntervalMinutes) * time.Minute,
		FirstCheckDelay:    time.Duration(p.FirstCheckDelaySeconds) * time.Second,
		QuietHours:         qh,
		NewsProbability:    p.NewsProbability,
		MaxContextMessages: cfg.Storage.MaxContextMessages,
		Concurrency:        p.Concurrency,
		SystemPrompt:       llm.SystemPrompt(cfg.LLM.SystemPrompt),
		Prompt:             p.Prompt,
		GenerateTimeout:    time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		SendTimeout:        time.Duration(cfg.Telegram.RequestTimeoutSeconds) * time.Second,
	}, nil
}

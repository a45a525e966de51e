package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/model"
)

// Client is the interface for LLM providers.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Request is a system prompt, the conversation so far, and an optional
// trailing instruction appended as a final user turn.
type Request struct {
	System   string
	Messages []Message
	Extra    string
}

// Turns returns Messages with Extra appended.
func (r Request) Turns() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	out = append(out, r.Messages...)
	if r.Extra != "" {
		out = append(out, Message{Role: string(model.RoleUser), Content: r.Extra})
	}
	return out
}

// FromHistory converts stored messages into provider turns.
func FromHistory(msgs []model.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// Params are generation settings shared by every provider.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// NewClient creates an LLM client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	p := Params{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 1024
	}
	if p.Timeout <= 0 {
		p.Timeout = 120 * time.Second
	}

	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY or config")
		}
		if p.Model == "" {
			p.Model = "gpt-4o-mini"
		}
		return NewOpenAI(cfg.BaseURL, cfg.OpenAIKey, p), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		if p.Model == "" {
			p.Model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, p), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		if p.Model == "" {
			p.Model = "llama3.2"
		}
		return NewOllama(url, p), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

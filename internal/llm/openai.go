package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const openAIMaxRetries = 2

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client openaigo.Client
	params Params
}

// NewOpenAI creates a client. An empty baseURL uses the SDK default.
func NewOpenAI(baseURL, apiKey string, p Params) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(&http.Client{Timeout: p.Timeout}),
		option.WithMaxRetries(openAIMaxRetries),
		option.WithRequestTimeout(p.Timeout),
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAI{client: openaigo.NewClient(opts...), params: p}
}

// Generate sends the conversation to the chat completions API.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	var msgs []openaigo.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, openaigo.SystemMessage(s))
	}
	for _, m := range req.Turns() {
		if m.Role == "assistant" {
			msgs = append(msgs, openaigo.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openaigo.UserMessage(m.Content))
		}
	}

	params := openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(o.params.Model),
		Messages: msgs,
	}
	if o.params.MaxTokens > 0 {
		params.MaxCompletionTokens = openaigo.Int(int64(o.params.MaxTokens))
	}
	if o.params.Temperature > 0 {
		params.Temperature = openaigo.Float(o.params.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api: empty choices")
	}

	return &Response{
		Content:    strings.TrimSpace(resp.Choices[0].Message.Content),
		Provider:   "openai",
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}

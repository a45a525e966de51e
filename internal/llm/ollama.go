package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Ollama calls a local Ollama instance.
type Ollama struct {
	url    string
	params Params
	client *http.Client
}

// NewOllama creates a new Ollama client.
func NewOllama(url string, p Params) *Ollama {
	return &Ollama{
		url:    strings.TrimRight(url, "/"),
		params: p,
		client: &http.Client{Timeout: p.Timeout},
	}
}

// Generate sends the conversation to Ollama's chat endpoint.
func (o *Ollama) Generate(ctx context.Context, req Request) (*Response, error) {
	var msgs []map[string]string
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": s})
	}
	for _, m := range req.Turns() {
		msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
	}

	reqBody := map[string]any{
		"model":    o.params.Model,
		"messages": msgs,
		"stream":   false,
		"options": map[string]any{
			"temperature": o.params.Temperature,
			"num_predict": o.params.MaxTokens,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama api status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Response{
		Content:    strings.TrimSpace(result.Message.Content),
		Provider:   "ollama",
		TokensUsed: result.PromptEvalCount + result.EvalCount,
	}, nil
}

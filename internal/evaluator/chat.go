// Package evaluator provides the concrete analysis backends the pipeline fans
// out to: an OpenAI-compatible chat completions client and a local command
// runner.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 5 * time.Minute

type ChatConfig struct {
	ID           string
	BaseURL      string
	Path         string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  *float64
	Timeout      time.Duration
	ExtraHeaders map[string]string
}

// ChatEvaluator sends the input as the user message of a chat completions
// request and returns the first choice's content.
type ChatEvaluator struct {
	cfg    ChatConfig
	client *http.Client
}

func NewChat(cfg ChatConfig) *ChatEvaluator {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	return &ChatEvaluator{cfg: cfg, client: &http.Client{Timeout: 0}}
}

func (c *ChatEvaluator) ID() string { return c.cfg.ID }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *ChatEvaluator) Evaluate(ctx context.Context, input string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msgs := make([]chatMessage, 0, 2)
	if strings.TrimSpace(c.cfg.SystemPrompt) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: input})
	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: msgs, Temperature: c.cfg.Temperature})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.cfg.ID, err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.cfg.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("%s: read response: %w", c.cfg.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return "", ErrorFromHTTPStatus(c.cfg.ID, resp.StatusCode, errorMessage(raw), ra)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", c.cfg.ID, err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New(c.cfg.ID + ": response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// errorMessage pulls error.message out of an OpenAI-style error body, falling
// back to the raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Error.Message) != "" {
		return body.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

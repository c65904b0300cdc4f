package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

const defaultSystemPrompt = "You are a helpful customer support assistant. Answer briefly and politely. " +
	"If you cannot help, tell the customer a human agent will follow up."

var _ ports.AIResponder = (*AIClient)(nil)

// AIClient talks to an OpenAI-compatible chat completions endpoint
// (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, ...)
type AIClient struct {
	apiKey       string
	apiBase      string
	model        string
	systemPrompt string
	client       *http.Client
}

// NewAIClient creates the client. apiBase defaults to OpenAI.
func NewAIClient(apiKey, apiBase, model, systemPrompt string) *AIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &AIClient{
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Reply maps inbound history to "user" turns and outbound to "assistant"
// turns and returns the first completion
func (c *AIClient) Reply(ctx context.Context, history []*domain.Message) (string, error) {
	msgs := make([]chatMessage, 0, len(history)+1)
	msgs = append(msgs, chatMessage{Role: "system", Content: c.systemPrompt})
	for _, m := range history {
		role := "user"
		if m.Direction == domain.DirectionOutbound {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ai response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ai response %d: decode: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if out.Error != nil {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("ai provider error %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("ai provider returned no choices")
	}

	slog.Debug("AI reply generated",
		"model", c.model,
		"history", len(history),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return out.Choices[0].Message.Content, nil
}

// openai.go talks to any OpenAI-compatible chat completions endpoint using
// server-sent events.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenAICompleter streams completions from an OpenAI-compatible API.
type OpenAICompleter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAICompleter creates a completer for baseURL (defaults to the OpenAI API).
func NewOpenAICompleter(baseURL, apiKey string, logger *slog.Logger) *OpenAICompleter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// No global timeout: streaming responses are bounded by the
			// request context instead.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// apiError is a non-200 response from the provider.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	body := e.body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("API error (status %d): %s", e.statusCode, body)
}

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	reqBody := chatRequest{
		Model:    req.Model,
		Messages: buildMessages(req),
		Stream:   true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("sending streaming chat completion", "model", req.Model, "messages", len(reqBody.Messages))

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &apiError{statusCode: resp.StatusCode, body: string(body)}
	}

	var content strings.Builder
	finishReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("failed to parse SSE chunk, skipping", "error", err)
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onDelta != nil {
					onDelta(choice.Delta.Content)
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}

	c.logger.Info("streaming chat completion done",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"finish_reason", finishReason,
	)
	return strings.TrimSpace(content.String()), nil
}

func buildMessages(req Request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
			messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
		case RoleBash:
			messages = append(messages, chatMessage{Role: "user", Content: "[shell]\n" + m.Content})
		}
	}
	return append(messages, chatMessage{Role: "user", Content: req.Prompt})
}

package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Completion is one chat-completion exchange: a system instruction and a
// single user message, with deterministic sampling by default.
type Completion struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// Completer is an opaque chat-completion capability.
type Completer interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// Completer builds the provider adapter for a resolved backend.
func (b Backend) Completer(client *http.Client) (Completer, error) {
	switch b.Provider {
	case ProviderOpenAI:
		return &OpenAIClient{Client: client, BaseURL: b.BaseURL, APIKey: b.APIKey, Headers: b.Headers}, nil
	case ProviderGoogle:
		return &GoogleClient{Client: client, APIKey: b.APIKey}, nil
	default:
		return nil, fmt.Errorf("no backend available")
	}
}

// OpenAIClient speaks the OpenAI-compatible chat completions API.
type OpenAIClient struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
	Headers map[string]string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Complete(ctx context.Context, comp Completion) (string, error) {
	payload := chatRequest{
		Model: comp.Model,
		Messages: []chatMessage{
			{Role: "system", Content: comp.System},
			{Role: "user", Content: comp.User},
		},
		MaxTokens:   comp.MaxTokens,
		Temperature: comp.Temperature,
	}
	if comp.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("chat completions: %s: %s", res.Status, strings.TrimSpace(string(snippet)))
	}
	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const googleDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleClient speaks the Generative Language generateContent API.
type GoogleClient struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerateRequest struct {
	SystemInstruction *googleContent         `json:"systemInstruction,omitempty"`
	Contents          []googleContent        `json:"contents"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig"`
}

type googleGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type googleGenerateResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func (g *GoogleClient) Complete(ctx context.Context, comp Completion) (string, error) {
	payload := googleGenerateRequest{
		Contents: []googleContent{
			{Role: "user", Parts: []googlePart{{Text: comp.User}}},
		},
		GenerationConfig: googleGenerationConfig{
			Temperature:     comp.Temperature,
			MaxOutputTokens: comp.MaxTokens,
		},
	}
	if comp.System != "" {
		payload.SystemInstruction = &googleContent{Parts: []googlePart{{Text: comp.System}}}
	}
	if comp.JSONMode {
		payload.GenerationConfig.ResponseMimeType = "application/json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	base := g.BaseURL
	if base == "" {
		base = googleDefaultBaseURL
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(base, "/"), url.PathEscape(comp.Model), url.QueryEscape(g.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	client := g.Client
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
		return "", fmt.Errorf("generateContent: %s: %s", res.Status, strings.TrimSpace(string(snippet)))
	}
	var out googleGenerateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

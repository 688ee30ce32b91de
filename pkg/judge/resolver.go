package judge

import (
	"strings"

	"github.com/CoastalTensors/LibrePedagogy/pkg/config"
)

type Provider string

const (
	ProviderGoogle      Provider = "google"
	ProviderOpenAI      Provider = "openai-compatible"
	ProviderUnavailable Provider = "unavailable"
)

const (
	fallbackOpenAIModel = "gpt-4o-mini"
	fallbackGoogleModel = "gemini-2.0-flash-lite"
)

// OpenRouter calls identify the application via fixed headers.
const (
	openRouterReferer = "https://librepedagogy.org"
	openRouterTitle   = "LibrePedagogy"
)

// Backend is the resolved judge completion capability for one call.
// Constructed fresh per judgment; endpoint configuration can differ
// between requests, so handles are never cached or shared.
type Backend struct {
	Provider Provider
	Model    string
	BaseURL  string
	APIKey   string
	Headers  map[string]string
	JSONMode bool
}

func (b Backend) Available() bool { return b.Provider != ProviderUnavailable }

// Request is the slice of the inbound chat request the resolver needs:
// the user's chosen endpoint and model, plus the request's endpoint
// configuration snapshot.
type Request struct {
	Endpoint  string
	Model     string
	Endpoints []config.Endpoint
}

// Resolve selects and constructs a backend for one judgment call.
// Selection never fails hard: a missing or unusable credential resolves
// to the unavailable backend, and malformed endpoint entries fall back
// to server defaults.
func Resolve(cfg config.Judge, req Request) Backend {
	target := strings.TrimSpace(cfg.EndpointOverride)
	if target == "" {
		target = strings.TrimSpace(req.Endpoint)
	}

	if isGoogleEndpoint(target) {
		return resolveGoogle(cfg, req, target)
	}
	return resolveOpenAICompatible(cfg, req, target)
}

func isGoogleEndpoint(name string) bool {
	switch strings.ToLower(name) {
	case "google", "gemini":
		return true
	}
	return false
}

func resolveGoogle(cfg config.Judge, req Request, target string) Backend {
	key := config.ResolveSecret(cfg.GoogleKey)
	if key == "" {
		return Backend{Provider: ProviderUnavailable}
	}
	model := strings.TrimSpace(cfg.ModelOverride)
	if model == "" {
		if ep, ok := findEndpoint(req.Endpoints, target); ok {
			model = ep.DefaultModel()
		}
	}
	if model == "" {
		model = fallbackGoogleModel
	}
	return Backend{Provider: ProviderGoogle, Model: model, APIKey: key}
}

func resolveOpenAICompatible(cfg config.Judge, req Request, target string) Backend {
	baseURL := cfg.DefaultBaseURL
	apiKey := config.ResolveSecret(cfg.OpenAIKey)
	var headers map[string]string
	jsonMode := false
	configuredModel := ""

	if ep, ok := findEndpoint(req.Endpoints, target); ok {
		if v := config.ResolveSecret(ep.BaseURL); v != "" {
			baseURL = v
		}
		if v := config.ResolveSecret(ep.APIKey); v != "" {
			apiKey = v
		}
		configuredModel = ep.DefaultModel()
		if isOpenRouter(ep) {
			if v := config.ResolveSecret(cfg.OpenRouterKey); v != "" {
				apiKey = v
			}
			headers = map[string]string{
				"HTTP-Referer": openRouterReferer,
				"X-Title":      openRouterTitle,
			}
			jsonMode = true
		}
	}

	if apiKey == "" {
		return Backend{Provider: ProviderUnavailable}
	}

	model := strings.TrimSpace(cfg.ModelOverride)
	if model == "" {
		model = strings.TrimSpace(req.Model)
	}
	if model == "" {
		model = configuredModel
	}
	if model == "" {
		model = fallbackOpenAIModel
	}
	return Backend{
		Provider: ProviderOpenAI,
		Model:    model,
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Headers:  headers,
		JSONMode: jsonMode,
	}
}

func isOpenRouter(ep config.Endpoint) bool {
	return strings.Contains(strings.ToLower(ep.Name), "openrouter") ||
		strings.Contains(ep.BaseURL, "openrouter.ai")
}

func findEndpoint(endpoints []config.Endpoint, name string) (config.Endpoint, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return config.Endpoint{}, false
	}
	for _, ep := range endpoints {
		if strings.EqualFold(strings.TrimSpace(ep.Name), name) {
			return ep, true
		}
	}
	return config.Endpoint{}, false
}

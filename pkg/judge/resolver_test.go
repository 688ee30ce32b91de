package judge

import (
	"testing"

	"github.com/CoastalTensors/LibrePedagogy/pkg/config"
)

func baseJudgeConfig() config.Judge {
	return config.Judge{
		Enabled:        true,
		DefaultBaseURL: "https://api.openai.com/v1",
		MaxTokens:      512,
	}
}

func TestResolveDefaultsToOpenAI(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.OpenAIKey = "sk-test"
	b := Resolve(cfg, Request{})
	if b.Provider != ProviderOpenAI {
		t.Fatalf("provider: %s", b.Provider)
	}
	if b.Model != "gpt-4o-mini" {
		t.Fatalf("model: %q", b.Model)
	}
	if b.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("base url: %q", b.BaseURL)
	}
	if b.JSONMode {
		t.Fatal("plain openai must not enable json mode")
	}
}

func TestResolveNoCredential(t *testing.T) {
	b := Resolve(baseJudgeConfig(), Request{})
	if b.Provider != ProviderUnavailable || b.Available() {
		t.Fatalf("expected unavailable, got %s", b.Provider)
	}
}

func TestResolveUserProvidedKeyIsNoCredential(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.OpenAIKey = "user_provided"
	if b := Resolve(cfg, Request{}); b.Available() {
		t.Fatalf("expected unavailable, got %+v", b)
	}
}

func TestResolveModelPrecedence(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.OpenAIKey = "sk-test"
	endpoints := []config.Endpoint{{
		Name:    "Custom",
		BaseURL: "https://llm.internal/v1",
		APIKey:  "ck-test",
		Models:  config.Models{Default: []string{"configured-model"}},
	}}

	// Override wins over everything.
	cfg.ModelOverride = "override-model"
	b := Resolve(cfg, Request{Endpoint: "custom", Model: "request-model", Endpoints: endpoints})
	if b.Model != "override-model" {
		t.Fatalf("model: %q", b.Model)
	}

	// Request model beats the endpoint default.
	cfg.ModelOverride = ""
	b = Resolve(cfg, Request{Endpoint: "custom", Model: "request-model", Endpoints: endpoints})
	if b.Model != "request-model" {
		t.Fatalf("model: %q", b.Model)
	}

	// Endpoint default beats the hardcoded fallback.
	b = Resolve(cfg, Request{Endpoint: "custom", Endpoints: endpoints})
	if b.Model != "configured-model" {
		t.Fatalf("model: %q", b.Model)
	}
	if b.BaseURL != "https://llm.internal/v1" || b.APIKey != "ck-test" {
		t.Fatalf("endpoint config not applied: %+v", b)
	}
}

func TestResolveCustomEndpointEnvIndirection(t *testing.T) {
	t.Setenv("CUSTOM_LLM_KEY", "resolved-key")
	cfg := baseJudgeConfig()
	endpoints := []config.Endpoint{{
		Name:    "internal",
		BaseURL: "https://llm.internal/v1",
		APIKey:  "${CUSTOM_LLM_KEY}",
	}}
	b := Resolve(cfg, Request{Endpoint: "internal", Endpoints: endpoints})
	if b.APIKey != "resolved-key" {
		t.Fatalf("api key: %q", b.APIKey)
	}
}

func TestResolveUnresolvedPlaceholderFallsBack(t *testing.T) {
	cfg := baseJudgeConfig()
	endpoints := []config.Endpoint{{
		Name:    "internal",
		BaseURL: "https://llm.internal/v1",
		APIKey:  "${NOT_SET_ANYWHERE_XYZ}",
	}}
	// No server default key either: unavailable.
	if b := Resolve(cfg, Request{Endpoint: "internal", Endpoints: endpoints}); b.Available() {
		t.Fatalf("expected unavailable, got %+v", b)
	}
	// With a server default the endpoint still works on that key.
	cfg.OpenAIKey = "sk-fallback"
	b := Resolve(cfg, Request{Endpoint: "internal", Endpoints: endpoints})
	if b.APIKey != "sk-fallback" {
		t.Fatalf("api key: %q", b.APIKey)
	}
}

func TestResolveOpenRouter(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.OpenRouterKey = "or-key"
	endpoints := []config.Endpoint{{
		Name:    "OpenRouter",
		BaseURL: "https://openrouter.ai/api/v1",
		APIKey:  "user_provided",
		Models:  config.Models{Default: []string{"meta-llama/llama-3.3-70b-instruct"}},
	}}
	b := Resolve(cfg, Request{Endpoint: "openrouter", Endpoints: endpoints})
	if b.Provider != ProviderOpenAI {
		t.Fatalf("provider: %s", b.Provider)
	}
	if b.APIKey != "or-key" {
		t.Fatalf("api key: %q", b.APIKey)
	}
	if !b.JSONMode {
		t.Fatal("openrouter must enable json mode")
	}
	if b.Headers["HTTP-Referer"] == "" || b.Headers["X-Title"] == "" {
		t.Fatalf("missing identification headers: %v", b.Headers)
	}
	if b.Model != "meta-llama/llama-3.3-70b-instruct" {
		t.Fatalf("model: %q", b.Model)
	}
}

func TestResolveOpenRouterByBaseURL(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.OpenRouterKey = "or-key"
	endpoints := []config.Endpoint{{
		Name:    "router-proxy",
		BaseURL: "https://openrouter.ai/api/v1",
	}}
	b := Resolve(cfg, Request{Endpoint: "router-proxy", Endpoints: endpoints})
	if !b.JSONMode || b.APIKey != "or-key" {
		t.Fatalf("openrouter not detected by base url: %+v", b)
	}
}

func TestResolveGoogle(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.GoogleKey = "g-key"
	b := Resolve(cfg, Request{Endpoint: "google"})
	if b.Provider != ProviderGoogle {
		t.Fatalf("provider: %s", b.Provider)
	}
	if b.Model != "gemini-2.0-flash-lite" {
		t.Fatalf("model: %q", b.Model)
	}
	if b.APIKey != "g-key" {
		t.Fatalf("api key: %q", b.APIKey)
	}
}

func TestResolveGoogleWithoutKey(t *testing.T) {
	cfg := baseJudgeConfig()
	if b := Resolve(cfg, Request{Endpoint: "google"}); b.Available() {
		t.Fatalf("expected unavailable, got %+v", b)
	}
	cfg.GoogleKey = "user_provided"
	if b := Resolve(cfg, Request{Endpoint: "google"}); b.Available() {
		t.Fatalf("user_provided must count as no credential, got %+v", b)
	}
}

func TestResolveGoogleEndpointDefaultModel(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.GoogleKey = "g-key"
	endpoints := []config.Endpoint{{
		Name:   "google",
		Models: config.Models{Default: []string{"gemini-2.5-pro"}},
	}}
	b := Resolve(cfg, Request{Endpoint: "google", Endpoints: endpoints})
	if b.Model != "gemini-2.5-pro" {
		t.Fatalf("model: %q", b.Model)
	}
}

func TestResolveServerEndpointOverride(t *testing.T) {
	cfg := baseJudgeConfig()
	cfg.GoogleKey = "g-key"
	cfg.EndpointOverride = "google"
	b := Resolve(cfg, Request{Endpoint: "openrouter"})
	if b.Provider != ProviderGoogle {
		t.Fatalf("override ignored: %s", b.Provider)
	}
}

package config

import (
	"os"
	"strconv"
	"time"
)

// Judge is the judgment subsystem's configuration snapshot, read once at
// process start and threaded explicitly rather than consulted from the
// environment per call.
type Judge struct {
	// Enabled is the kill-switch; when false every judgment short-circuits
	// to an unblocked "judge disabled" verdict.
	Enabled bool
	// EndpointOverride forces the judge onto one endpoint regardless of
	// the request's chosen endpoint.
	EndpointOverride string
	// ModelOverride forces the judge model name.
	ModelOverride string

	OpenAIKey     string
	OpenRouterKey string
	GoogleKey     string
	// DefaultBaseURL is the OpenAI-compatible fallback base URL.
	DefaultBaseURL string

	MaxTokens int
	Timeout   time.Duration
	CacheTTL  time.Duration
}

// JudgeFromEnv builds the snapshot from environment switches.
func JudgeFromEnv() Judge {
	openRouterKey := os.Getenv("OPENROUTER_KEY")
	if openRouterKey == "" {
		openRouterKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return Judge{
		Enabled:          IsEnabled(os.Getenv("POLICY_JUDGE_ENABLED")),
		EndpointOverride: os.Getenv("POLICY_JUDGE_ENDPOINT"),
		ModelOverride:    os.Getenv("POLICY_JUDGE_MODEL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenRouterKey:    openRouterKey,
		GoogleKey:        os.Getenv("GOOGLE_API_KEY"),
		DefaultBaseURL:   "https://api.openai.com/v1",
		MaxTokens:        envInt("POLICY_JUDGE_MAX_TOKENS", 512),
		Timeout:          time.Millisecond * time.Duration(envInt("JUDGE_TIMEOUT_MS", 10000)),
		CacheTTL:         time.Second * time.Duration(envInt("JUDGE_CACHE_TTL_SEC", 0)),
	}
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// UserProvided marks a credential the server does not hold; the endpoint
// is unusable for server-initiated calls such as the policy judge.
const UserProvided = "user_provided"

// Endpoint describes one configured chat endpoint.
type Endpoint struct {
	Name    string `yaml:"name" json:"name"`
	APIKey  string `yaml:"apiKey" json:"apiKey"`
	BaseURL string `yaml:"baseURL" json:"baseURL"`
	Models  Models `yaml:"models" json:"models"`
}

type Models struct {
	Default []string `yaml:"default" json:"default"`
}

// DefaultModel returns the head of the configured default model list.
func (e Endpoint) DefaultModel() string {
	if len(e.Models.Default) == 0 {
		return ""
	}
	return strings.TrimSpace(e.Models.Default[0])
}

// File is the on-disk endpoints configuration.
type File struct {
	Endpoints struct {
		Custom []Endpoint `yaml:"custom"`
	} `yaml:"endpoints"`
}

func (f *File) Custom() []Endpoint {
	if f == nil {
		return nil
	}
	return f.Endpoints.Custom
}

// LoadFile parses the endpoints YAML at path. A missing file is not an
// error: the gateway falls back to server defaults.
func LoadFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &File{}, nil
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

var placeholderRe = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// ResolveSecret resolves ${VAR} indirection against the environment.
// Returns "" when the value is unset, still an unresolved placeholder,
// or the user_provided sentinel; all of those count as "no credential".
func ResolveSecret(value string) string {
	v := strings.TrimSpace(value)
	if m := placeholderRe.FindStringSubmatch(v); m != nil {
		v = strings.TrimSpace(os.Getenv(m[1]))
	}
	if v == "" || strings.EqualFold(v, UserProvided) || placeholderRe.MatchString(v) {
		return ""
	}
	return v
}

// IsEnabled reports whether an env-style flag value means true.
func IsEnabled(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), "true")
}

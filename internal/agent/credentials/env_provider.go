package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// knownTokenPatterns are the credential keys this system's launch env
// prefix cares about, checked first so ListAvailable doesn't need a full
// environment scan to report them.
var knownTokenPatterns = []string{
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
}

// EnvProvider resolves credentials from process environment variables,
// optionally under a prefix (mirrors the config package's AGENTD_ convention).
type EnvProvider struct {
	prefix string
}

// NewEnvProvider constructs an EnvProvider. An empty prefix checks the
// exact key only.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "environment" }

// GetCredential checks the exact key, then the prefixed key.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if v := os.Getenv(key); v != "" {
		return &Credential{Key: key, Value: v, Source: "environment"}, nil
	}
	if p.prefix != "" {
		if v := os.Getenv(p.prefix + key); v != "" {
			return &Credential{Key: key, Value: v, Source: "environment"}, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable reports which of the known token keys are set, plus any
// other environment variable whose name looks like a secret.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var available []string

	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			available = append(available, key)
		}
	}

	for _, pattern := range knownTokenPatterns {
		if os.Getenv(pattern) != "" || (p.prefix != "" && os.Getenv(p.prefix+pattern) != "") {
			add(pattern)
		}
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		key := parts[0]
		lower := strings.ToLower(key)
		if strings.Contains(lower, "_token") || strings.Contains(lower, "_secret") {
			if p.prefix != "" {
				key = strings.TrimPrefix(key, p.prefix)
			}
			add(key)
		}
	}

	return available, nil
}

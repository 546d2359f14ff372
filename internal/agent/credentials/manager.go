// Package credentials resolves static secrets injected into the agent's
// launch environment (currently just the GITHUB_TOKEN credential, passed
// to the agent as GH_TOKEN) through a provider chain,
// independent of the Token Manager's rotating OAuth state.
package credentials

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/logger"
)

// Credential is a resolved secret.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider is one source of credentials in the chain.
type Provider interface {
	GetCredential(ctx context.Context, key string) (*Credential, error)
	Name() string
}

// Manager resolves credentials by trying each provider in order and
// caching the first hit.
type Manager struct {
	providers []Provider
	cache     map[string]*Credential
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewManager constructs an empty Manager; use AddProvider to populate the
// chain, environment first per the launch env convention.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		cache:  make(map[string]*Credential),
		logger: log.WithFields(zap.String("component", "credentials-manager")),
	}
}

// AddProvider appends a provider to the end of the resolution chain.
func (m *Manager) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// GetCredentialValue resolves a credential's value, or "" if no provider
// has it. Absence is not an error: most keys (GITHUB_TOKEN chief among them)
// are optional.
func (m *Manager) GetCredentialValue(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred.Value, nil
	}
	providers := m.providers
	m.mu.RUnlock()

	for _, p := range providers {
		cred, err := p.GetCredential(ctx, key)
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.cache[key] = cred
		m.mu.Unlock()
		m.logger.Debug("credential resolved", zap.String("key", key), zap.String("source", cred.Source))
		return cred.Value, nil
	}
	return "", nil
}

// GHToken resolves the GITHUB_TOKEN credential, which the launch env
// prefix passes to the agent as GH_TOKEN; it is the only credential that
// prefix consumes.
func (m *Manager) GHToken(ctx context.Context) (string, error) {
	v, err := m.GetCredentialValue(ctx, "GITHUB_TOKEN")
	if err != nil {
		return "", fmt.Errorf("resolve github token: %w", err)
	}
	return v, nil
}

// Package registry holds the set of launchable agent flavors this agentd
// process knows about. Launch consults it to resolve an agent_type before
// any Allocator work begins, rejecting unknown or disabled types up front.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/logger"
)

// AgentTypeConfig describes one launchable agent flavor. DockerImage/Tag
// are retained from the teacher's registry shape for parity with a local
// Docker-backed sandbox during development; the remote sandbox path in
// this system only needs ID/Name/Description/Enabled.
type AgentTypeConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DockerImage string `json:"docker_image,omitempty"`
	DockerTag   string `json:"docker_tag,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Registry manages agent type configurations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentTypeConfig
	logger *logger.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentTypeConfig),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
}

// LoadDefaults populates the registry with the built-in agent types.
func (r *Registry) LoadDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range DefaultAgents() {
		r.agents[cfg.ID] = cfg
	}
}

// Register adds a new agent type, failing if the id is already taken.
func (r *Registry) Register(cfg *AgentTypeConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("agent type id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[cfg.ID]; exists {
		return fmt.Errorf("agent type %q already registered", cfg.ID)
	}
	r.agents[cfg.ID] = cfg
	r.logger.Info("registered agent type", zap.String("id", cfg.ID))
	return nil
}

// Get returns an agent type by id, or an error if it is unknown.
func (r *Registry) Get(id string) (*AgentTypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("agent type %q not found", id)
	}
	return cfg, nil
}

// Exists reports whether id names a registered agent type.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[id]
	return exists
}

// List returns every registered agent type.
func (r *Registry) List() []*AgentTypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentTypeConfig, 0, len(r.agents))
	for _, cfg := range r.agents {
		out = append(out, cfg)
	}
	return out
}

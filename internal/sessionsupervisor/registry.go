package sessionsupervisor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/allocator"
	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/convstore"
	"github.com/kandev/agentd/internal/events/bus"
	"github.com/kandev/agentd/internal/task"
)

// AllocatorAPI is the sandbox-assignment surface the Session Supervisor
// needs. *allocator.Allocator satisfies this.
type AllocatorAPI interface {
	Allocate(ctx context.Context, t *task.Task, prewarm bool) (*allocator.Allocation, error)
	Release(ctx context.Context, taskID string) error
}

// ConvStoreAPI is the Conversation Store surface the supervisor needs.
// *convstore.Store satisfies this.
type ConvStoreAPI interface {
	StartExecutionSession(ctx context.Context, taskID, sandboxName, kind string) (string, error)
	CompleteExecutionSession(ctx context.Context, id string, status task.ExecutionSessionStatus) error
	CreateMessage(ctx context.Context, p convstore.CreateMessageParams) (string, error)
	UpdateToolResult(ctx context.Context, id string, output string, isError bool) error
	FindToolMessage(ctx context.Context, taskID, toolUseID string) (*task.Message, error)
}

// TaskStoreAPI is the task-status surface the supervisor needs.
type TaskStoreAPI interface {
	UpdateStatus(ctx context.Context, id string, status task.Status) error
}

// TokenSource supplies the agent's OAuth access token. The Token Manager
// satisfies this.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// GHTokenSource supplies the optional GH_TOKEN launch credential. The
// credentials Manager satisfies this.
type GHTokenSource interface {
	GHToken(ctx context.Context) (string, error)
}

// AgentRegistry resolves an agent_type before any allocation work begins.
type AgentRegistry interface {
	Get(id string) (*registry.AgentTypeConfig, error)
}

// Registry is the process-wide, per-task lookup for live Session
// Supervisors. If a supervisor is already running for a task, Open
// attaches the caller to it instead of starting a second one.
type Registry struct {
	mu          sync.Mutex
	supervisors map[string]*Supervisor

	allocator AllocatorAPI
	convstore ConvStoreAPI
	taskStore TaskStoreAPI
	tokens    TokenSource
	creds     GHTokenSource
	agents    AgentRegistry
	sandbox   sandboxAPI
	bus       bus.EventBus
	cfg       config.AllocatorConfig
	logger    *logger.Logger
}

// NewRegistry constructs a Registry wiring every dependency a Supervisor needs.
func NewRegistry(
	alloc AllocatorAPI,
	conv ConvStoreAPI,
	tasks TaskStoreAPI,
	tokens TokenSource,
	creds GHTokenSource,
	agents AgentRegistry,
	sandbox sandboxAPI,
	eventBus bus.EventBus,
	cfg config.AllocatorConfig,
	log *logger.Logger,
) *Registry {
	return &Registry{
		supervisors: make(map[string]*Supervisor),
		allocator:   alloc,
		convstore:   conv,
		taskStore:   tasks,
		tokens:      tokens,
		creds:       creds,
		agents:      agents,
		sandbox:     sandbox,
		bus:         eventBus,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "session-supervisor-registry")),
	}
}

// Open returns the live Supervisor for a task, starting one if none
// exists. repo may be nil for a task with no bound repository.
func (r *Registry) Open(t *task.Task, repo *task.Repo) (*Supervisor, error) {
	r.mu.Lock()
	if existing, ok := r.supervisors[t.ID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	agentCfg, err := r.agents.Get(t.AgentType)
	if err != nil {
		return nil, apperr.BadRequest(fmt.Sprintf("unknown agent type %q", t.AgentType))
	}
	if !agentCfg.Enabled {
		return nil, apperr.BadRequest(fmt.Sprintf("agent type %q is disabled", t.AgentType))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup := &Supervisor{
		task:      t,
		repo:      repo,
		registry:  r,
		allocator: r.allocator,
		convstore: r.convstore,
		taskStore: r.taskStore,
		tokens:    r.tokens,
		creds:     r.creds,
		sandbox:   r.sandbox,
		bus:       r.bus,
		cfg:       r.cfg,
		logger:    r.logger.WithFields(zap.String("task_id", t.ID)),
		ctx:       ctx,
		cancel:    cancel,
		mailbox:   make(chan interface{}, 64),
		status:    StatusInitializing,
	}

	r.mu.Lock()
	r.supervisors[t.ID] = sup
	r.mu.Unlock()

	go sup.run()
	return sup, nil
}

// Get returns the live supervisor for a task, if any.
func (r *Registry) Get(taskID string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.supervisors[taskID]
	return s, ok
}

// Count returns the number of currently live supervisors, for the HTTP
// boundary's admission gate.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.supervisors)
}

// IsRegistered reports whether a task currently has a live supervisor.
// The Allocator's recovery sweep uses this to release locks and drop
// prewarm state belonging to tasks nothing is supervising any more.
func (r *Registry) IsRegistered(taskID string) bool {
	_, ok := r.Get(taskID)
	return ok
}

func (r *Registry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.supervisors, taskID)
}

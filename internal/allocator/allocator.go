// Package allocator owns sandbox assignment for tasks: creating or
// reusing a sandbox, configuring git credentials inside it, and cloning
// or pulling the task's repository, all behind a prewarm pipeline that
// lets the Session Supervisor ask for a sandbox before it actually needs
// one synchronously.
package allocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/sandboxclient"
	"github.com/kandev/agentd/internal/task"
)

// Allocation is the result of a successful setup: a ready sandbox and the
// working directory the agent should run in.
type Allocation struct {
	SandboxName string
	RepoID      *string
	WorkingDir  string
	AllocatedAt time.Time
}

// TokenSource supplies the access token used to configure git credentials
// inside a sandbox. The Token Manager satisfies this.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// RepoLocker is the persistent repo-lock surface the Allocator needs.
// *RepoStore is the production implementation; tests supply a fake.
type RepoLocker interface {
	GetRepo(ctx context.Context, id string) (*task.Repo, error)
	AcquireLock(ctx context.Context, repoID, taskID string) error
	ReleaseLock(ctx context.Context, repoID, taskID string) error
	TouchLastUsed(ctx context.Context, repoID string) error
	SweepStaleLocks(ctx context.Context, isRegistered func(taskID string) bool) ([]string, error)
}

type prewarmResult struct {
	alloc *Allocation
	err   error
}

// Allocator is the single, process-wide owner of sandbox assignment
// state. The allocation and prewarm maps are guarded by mu; no method
// blocks while holding it. gitConfiguredBoxes is guarded separately by
// gitConfigMu, which is held across the git config exec.
type Allocator struct {
	sandbox *sandboxclient.Client
	repos   RepoLocker
	tokens  TokenSource
	cfg     config.AllocatorConfig
	sbCfg   config.SandboxConfig
	logger  *logger.Logger

	mu             sync.Mutex
	allocations    map[string]*Allocation
	prewarmCache   map[string]*Allocation
	prewarming     map[string]bool
	prewarmWaiters map[string][]chan prewarmResult

	gitConfigMu        sync.Mutex
	gitConfiguredBoxes map[string]bool

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// New constructs an Allocator. Call StartRecoverySweep separately once the
// owning process is ready to register its Session Supervisors.
func New(sandbox *sandboxclient.Client, repos RepoLocker, tokens TokenSource, cfg config.AllocatorConfig, sbCfg config.SandboxConfig, log *logger.Logger) *Allocator {
	return &Allocator{
		sandbox:            sandbox,
		repos:              repos,
		tokens:             tokens,
		cfg:                cfg,
		sbCfg:              sbCfg,
		logger:             log.WithFields(zap.String("component", "allocator")),
		allocations:        make(map[string]*Allocation),
		prewarmCache:       make(map[string]*Allocation),
		prewarming:         make(map[string]bool),
		prewarmWaiters:     make(map[string][]chan prewarmResult),
		gitConfiguredBoxes: make(map[string]bool),
		stopSweep:          make(chan struct{}),
	}
}

// Allocate assigns a sandbox to a task. In prewarm mode it triggers setup
// asynchronously and returns immediately with no result; a later
// synchronous call (prewarm=false) consumes the cached result, waits on
// the in-flight prewarm, or runs setup inline.
func (a *Allocator) Allocate(ctx context.Context, t *task.Task, prewarm bool) (*Allocation, error) {
	if prewarm {
		a.startPrewarm(t)
		return nil, nil
	}
	return a.allocateSync(ctx, t)
}

func (a *Allocator) allocateSync(ctx context.Context, t *task.Task) (*Allocation, error) {
	a.mu.Lock()
	if alloc, ok := a.prewarmCache[t.ID]; ok {
		delete(a.prewarmCache, t.ID)
		a.allocations[t.ID] = alloc
		a.mu.Unlock()
		return alloc, nil
	}

	if a.prewarming[t.ID] {
		waiter := make(chan prewarmResult, 1)
		a.prewarmWaiters[t.ID] = append(a.prewarmWaiters[t.ID], waiter)
		a.mu.Unlock()

		select {
		case res := <-waiter:
			if res.err != nil {
				return nil, res.err
			}
			a.mu.Lock()
			a.allocations[t.ID] = res.alloc
			a.mu.Unlock()
			return res.alloc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Unlock()

	alloc, err := a.setupSpriteForTask(ctx, t)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.allocations[t.ID] = alloc
	a.mu.Unlock()
	return alloc, nil
}

func (a *Allocator) startPrewarm(t *task.Task) {
	a.mu.Lock()
	if a.prewarming[t.ID] {
		a.mu.Unlock()
		return
	}
	if _, cached := a.prewarmCache[t.ID]; cached {
		a.mu.Unlock()
		return
	}
	a.prewarming[t.ID] = true
	a.mu.Unlock()

	go a.runPrewarm(t)
}

func (a *Allocator) runPrewarm(t *task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.AllocateTimeout())
	defer cancel()

	alloc, err := a.setupSpriteForTask(ctx, t)

	a.mu.Lock()
	waiters := a.prewarmWaiters[t.ID]
	delete(a.prewarmWaiters, t.ID)
	delete(a.prewarming, t.ID)

	if err != nil {
		a.mu.Unlock()
		a.logger.Warn("prewarm failed", zap.String("task_id", t.ID), zap.Error(err))
		for _, w := range waiters {
			w <- prewarmResult{err: apperr.PrewarmFailed(err)}
		}
		return
	}

	if len(waiters) > 0 {
		a.mu.Unlock()
		for _, w := range waiters {
			w <- prewarmResult{alloc: alloc}
		}
		return
	}

	a.prewarmCache[t.ID] = alloc
	a.mu.Unlock()
}

// Release drops the allocation for a task and releases its repo lock, if
// any was held.
func (a *Allocator) Release(ctx context.Context, taskID string) error {
	a.mu.Lock()
	alloc, ok := a.allocations[taskID]
	delete(a.allocations, taskID)
	delete(a.prewarmCache, taskID)
	a.mu.Unlock()

	if !ok || alloc == nil || alloc.RepoID == nil {
		return nil
	}
	return a.repos.ReleaseLock(ctx, *alloc.RepoID, taskID)
}

// RepoLocked reports whether a repo is currently locked and by whom.
func (a *Allocator) RepoLocked(ctx context.Context, repoID string) (bool, string, error) {
	repo, err := a.repos.GetRepo(ctx, repoID)
	if err != nil {
		return false, "", err
	}
	if repo.LockedByTaskID == nil {
		return false, "", nil
	}
	return true, *repo.LockedByTaskID, nil
}

func sandboxNameForTask(taskID string) string {
	return fmt.Sprintf("sprite-%s", taskID)
}

package allocator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SupervisorRegistry reports whether a task currently has a live Session
// Supervisor in this process. The Allocator never imports the supervisor
// package directly to avoid a cycle; the caller wires this in.
type SupervisorRegistry interface {
	IsRegistered(taskID string) bool
}

// StartRecoverySweep runs the sweep once immediately and then on a
// periodic ticker, grounded on the teacher's cleanupLoop pattern:
// repos whose lock names a task with no registered supervisor are
// released, and any dangling prewarm state for that task is dropped.
func (a *Allocator) StartRecoverySweep(ctx context.Context, registry SupervisorRegistry) {
	a.sweepWG.Add(1)
	go a.sweepLoop(ctx, registry)
}

// StopRecoverySweep stops the sweep loop and waits for it to exit.
func (a *Allocator) StopRecoverySweep() {
	close(a.stopSweep)
	a.sweepWG.Wait()
}

func (a *Allocator) sweepLoop(ctx context.Context, registry SupervisorRegistry) {
	defer a.sweepWG.Done()

	a.runSweep(ctx, registry)

	ticker := time.NewTicker(a.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopSweep:
			return
		case <-ticker.C:
			a.runSweep(ctx, registry)
		}
	}
}

func (a *Allocator) runSweep(ctx context.Context, registry SupervisorRegistry) {
	released, err := a.repos.SweepStaleLocks(ctx, registry.IsRegistered)
	if err != nil {
		a.logger.Error("recovery sweep failed", zap.Error(err))
		return
	}
	for _, repoID := range released {
		a.logger.Info("released stale repo lock", zap.String("repo_id", repoID))
	}

	a.mu.Lock()
	for taskID := range a.prewarming {
		if !registry.IsRegistered(taskID) {
			delete(a.prewarming, taskID)
		}
	}
	for taskID := range a.prewarmCache {
		if !registry.IsRegistered(taskID) {
			delete(a.prewarmCache, taskID)
		}
	}
	a.mu.Unlock()
}

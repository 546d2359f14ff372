// Package httpapi is the gin HTTP boundary: task CRUD, repo registration,
// session open/turn/interrupt/stop, and a WebSocket relay of the event bus
// for attached UI clients. Grounded on the teacher's task/api and agent/api
// routers, repointed at this system's domain types.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/allocator"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/orchestrator/queue"
	"github.com/kandev/agentd/internal/orchestrator/streaming"
	"github.com/kandev/agentd/internal/sessionsupervisor"
	"github.com/kandev/agentd/internal/task"
	"github.com/kandev/agentd/internal/taskstore"
)

// TaskStore is the task-CRUD surface the boundary needs. *taskstore.Store
// satisfies this.
type TaskStore interface {
	CreateTask(ctx context.Context, p taskstore.CreateTaskParams) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// RepoStore is the repo-registration surface the boundary needs.
// *allocator.RepoStore satisfies this.
type RepoStore interface {
	CreateRepo(ctx context.Context, remoteURL, displayName, defaultBranch string) (*task.Repo, error)
	GetRepo(ctx context.Context, id string) (*task.Repo, error)
}

// MessageLister is the conversation read surface the boundary needs.
// *convstore.Store satisfies this.
type MessageLister interface {
	ListMessages(ctx context.Context, taskID string, limit int) ([]*task.Message, error)
}

// AgentTypeLister is the agent registry surface the boundary needs.
type AgentTypeLister interface {
	List() []*registry.AgentTypeConfig
}

// Prewarmer is the Allocator surface the boundary uses to kick off
// asynchronous sandbox setup at task creation, consumed later when the
// session is opened.
type Prewarmer interface {
	Allocate(ctx context.Context, t *task.Task, prewarm bool) (*allocator.Allocation, error)
}

// SessionRegistry is the live-session surface the boundary needs.
// *sessionsupervisor.Registry satisfies this.
type SessionRegistry interface {
	Open(t *task.Task, repo *task.Repo) (*sessionsupervisor.Supervisor, error)
	Get(taskID string) (*sessionsupervisor.Supervisor, bool)
	Count() int
}

// Router holds every dependency the HTTP boundary needs and builds the gin
// route tree.
type Router struct {
	tasks         TaskStore
	repos         RepoStore
	messages      MessageLister
	agents        AgentTypeLister
	sessions      SessionRegistry
	prewarm       Prewarmer
	admission     *queue.TaskQueue
	maxConcurrent int
	hub           *streaming.Hub
	upgrader      websocket.Upgrader
	logger        *logger.Logger
}

// New constructs a Router. maxConcurrent <= 0 disables the admission queue:
// every session-open request is served immediately.
func New(
	tasks TaskStore,
	repos RepoStore,
	messages MessageLister,
	agents AgentTypeLister,
	sessions SessionRegistry,
	prewarm Prewarmer,
	admission *queue.TaskQueue,
	maxConcurrent int,
	hub *streaming.Hub,
	log *logger.Logger,
) *Router {
	return &Router{
		tasks:         tasks,
		repos:         repos,
		messages:      messages,
		agents:        agents,
		sessions:      sessions,
		prewarm:       prewarm,
		admission:     admission,
		maxConcurrent: maxConcurrent,
		hub:           hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "http-boundary")),
	}
}

// Register mounts every route under rg.
func (rt *Router) Register(rg *gin.RouterGroup) {
	rg.GET("/healthz", rt.healthz)
	rg.GET("/agent-types", rt.listAgentTypes)

	rg.POST("/repos", rt.createRepo)
	rg.GET("/repos/:repoId", rt.getRepo)

	rg.POST("/tasks", rt.createTask)
	rg.GET("/tasks", rt.listTasks)
	rg.GET("/tasks/:taskId", rt.getTask)
	rg.DELETE("/tasks/:taskId", rt.deleteTask)
	rg.GET("/tasks/:taskId/messages", rt.listMessages)

	rg.POST("/tasks/:taskId/session/open", rt.openSession)
	rg.POST("/tasks/:taskId/session/turn", rt.sendTurn)
	rg.POST("/tasks/:taskId/session/interrupt", rt.interruptSession)
	rg.POST("/tasks/:taskId/session/stop", rt.stopSession)

	rg.GET("/ws", rt.attach)
}

// RunAdmissionLoop periodically promotes queued tasks into live sessions as
// capacity frees up. It is the registry-wide admission gate described
// alongside the per-supervisor FIFO: distinct queue, same goroutine-plus-
// ticker shape as the Allocator's recovery sweep.
func (rt *Router) RunAdmissionLoop(ctx context.Context, interval time.Duration) {
	if rt.admission == nil || rt.maxConcurrent <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.drainAdmission(ctx)
		}
	}
}

func (rt *Router) drainAdmission(ctx context.Context) {
	for rt.sessions.Count() < rt.maxConcurrent {
		qt := rt.admission.Dequeue()
		if qt == nil {
			return
		}

		var repo *task.Repo
		if qt.Task.RepoID != nil {
			r, err := rt.repos.GetRepo(ctx, *qt.Task.RepoID)
			if err != nil {
				rt.logger.Warn("admission: failed to load repo for queued task",
					zap.String("task_id", qt.TaskID), zap.Error(err))
				continue
			}
			repo = r
		}

		if _, err := rt.sessions.Open(qt.Task, repo); err != nil {
			rt.logger.Warn("admission: failed to open queued task",
				zap.String("task_id", qt.TaskID), zap.Error(err))
		}
	}
}

func newClientID() string {
	return uuid.New().String()
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/orchestrator/queue"
	"github.com/kandev/agentd/internal/orchestrator/streaming"
	"github.com/kandev/agentd/internal/task"
	"github.com/kandev/agentd/internal/taskstore"
)

func (rt *Router) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (rt *Router) listAgentTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agent_types": rt.agents.List()})
}

type createRepoRequest struct {
	RemoteURL     string `json:"remote_url" binding:"required"`
	DisplayName   string `json:"display_name" binding:"required"`
	DefaultBranch string `json:"default_branch"`
}

func (rt *Router) createRepo(c *gin.Context) {
	var req createRepoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest(err.Error()))
		return
	}

	repo, err := rt.repos.CreateRepo(c.Request.Context(), req.RemoteURL, req.DisplayName, req.DefaultBranch)
	if err != nil {
		rt.logger.Error("failed to create repo", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (rt *Router) getRepo(c *gin.Context) {
	repo, err := rt.repos.GetRepo(c.Request.Context(), c.Param("repoId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

type createTaskRequest struct {
	Title     string  `json:"title" binding:"required"`
	RepoID    *string `json:"repo_id"`
	AgentType string  `json:"agent_type" binding:"required"`
	Priority  int     `json:"priority"`
	Prewarm   bool    `json:"prewarm"`
}

func (rt *Router) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest(err.Error()))
		return
	}

	t, err := rt.tasks.CreateTask(c.Request.Context(), taskstore.CreateTaskParams{
		Title:     req.Title,
		RepoID:    req.RepoID,
		AgentType: req.AgentType,
		Priority:  req.Priority,
	})
	if err != nil {
		rt.logger.Error("failed to create task", zap.Error(err))
		respondError(c, err)
		return
	}

	if req.Prewarm && req.RepoID != nil && rt.prewarm != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := rt.prewarm.Allocate(ctx, t, true); err != nil {
				rt.logger.Warn("prewarm failed", zap.String("task_id", t.ID), zap.Error(err))
			}
		}()
	}

	c.JSON(http.StatusCreated, t)
}

func (rt *Router) listTasks(c *gin.Context) {
	tasks, err := rt.tasks.ListTasks(c.Request.Context())
	if err != nil {
		rt.logger.Error("failed to list tasks", zap.Error(err))
		respondError(c, apperr.Internal("failed to list tasks", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

func (rt *Router) getTask(c *gin.Context) {
	t, err := rt.tasks.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (rt *Router) deleteTask(c *gin.Context) {
	if err := rt.tasks.DeleteTask(c.Request.Context(), c.Param("taskId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (rt *Router) listMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	msgs, err := rt.messages.ListMessages(c.Request.Context(), c.Param("taskId"), limit)
	if err != nil {
		rt.logger.Error("failed to list messages", zap.String("task_id", c.Param("taskId")), zap.Error(err))
		respondError(c, apperr.Internal("failed to list messages", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// openSession starts or attaches to a task's Session Supervisor. If the
// registry is at capacity the task is parked on the admission queue and
// promoted later by the admission loop.
func (rt *Router) openSession(c *gin.Context) {
	taskID := c.Param("taskId")
	ctx := c.Request.Context()

	t, err := rt.tasks.GetTask(ctx, taskID)
	if err != nil {
		respondError(c, err)
		return
	}

	if _, ok := rt.sessions.Get(taskID); ok {
		c.JSON(http.StatusOK, gin.H{"status": "attached"})
		return
	}

	if rt.maxConcurrent > 0 && rt.sessions.Count() >= rt.maxConcurrent {
		if err := rt.admission.Enqueue(t); err != nil && !errors.Is(err, queue.ErrTaskExists) {
			respondError(c, apperr.Internal("failed to enqueue task", err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	var repoRow *task.Repo
	if t.RepoID != nil {
		repoRow, err = rt.repos.GetRepo(ctx, *t.RepoID)
		if err != nil {
			respondError(c, err)
			return
		}
	}

	if _, err := rt.sessions.Open(t, repoRow); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "opened"})
}

type sendTurnRequest struct {
	Text string `json:"text" binding:"required"`
}

func (rt *Router) sendTurn(c *gin.Context) {
	sup, ok := rt.sessions.Get(c.Param("taskId"))
	if !ok {
		respondError(c, apperr.NotFound("session", c.Param("taskId")))
		return
	}

	var req sendTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest(err.Error()))
		return
	}

	if err := sup.SendMessage(c.Request.Context(), req.Text); err != nil {
		respondError(c, apperr.Internal("failed to send turn", err))
		return
	}
	c.Status(http.StatusAccepted)
}

func (rt *Router) interruptSession(c *gin.Context) {
	sup, ok := rt.sessions.Get(c.Param("taskId"))
	if !ok {
		respondError(c, apperr.NotFound("session", c.Param("taskId")))
		return
	}
	if err := sup.Interrupt(c.Request.Context()); err != nil {
		respondError(c, apperr.Internal("failed to interrupt session", err))
		return
	}
	c.Status(http.StatusAccepted)
}

func (rt *Router) stopSession(c *gin.Context) {
	sup, ok := rt.sessions.Get(c.Param("taskId"))
	if !ok {
		respondError(c, apperr.NotFound("session", c.Param("taskId")))
		return
	}
	if err := sup.Stop(c.Request.Context()); err != nil {
		respondError(c, apperr.Internal("failed to stop session", err))
		return
	}
	c.Status(http.StatusAccepted)
}

// attach upgrades to a WebSocket and relays the event bus's session streams
// to the client, subscribed per the client's own subscribe/unsubscribe
// control messages.
func (rt *Router) attach(c *gin.Context) {
	conn, err := rt.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rt.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := streaming.NewClient(newClientID(), conn, rt.hub, rt.logger)
	rt.hub.Register(client)

	if taskID := c.Query("task_id"); taskID != "" {
		client.Subscribe(taskID)
	}

	go client.WritePump()
	client.ReadPump()
}

func respondError(c *gin.Context, err error) {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		c.JSON(apperr.HTTPStatus(appErr.Kind), appErr)
		return
	}
	wrapped := apperr.Internal(err.Error(), err)
	c.JSON(apperr.HTTPStatus(wrapped.Kind), wrapped)
}

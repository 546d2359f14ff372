// Package taskstore is the task-CRUD persistence surface consumed by the
// HTTP boundary (task listing/creation) and the Session Supervisor (status
// transitions). It is kept separate from the Conversation Store, whose
// contract in this system is append-only messages and execution sessions.
package taskstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/database"
	"github.com/kandev/agentd/internal/task"
)

// Store is the task-CRUD persistence surface.
type Store struct {
	db *database.DB
}

// New constructs a Store over an already-connected database handle.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateTaskParams is the input to CreateTask.
type CreateTaskParams struct {
	Title     string
	RepoID    *string
	AgentType string
	Priority  int
}

// CreateTask inserts a new task in the active status and returns it.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*task.Task, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, title, status, repo_id, agent_type, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`, id, p.Title, string(task.StatusActive), p.RepoID, p.AgentType, p.Priority)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, title, status, repo_id, agent_type, priority, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)
	return scanTask(row, id)
}

// ListTasks returns every task ordered by priority (descending) then
// creation order, the same precedence the admission queue in
// internal/orchestrator/queue uses.
func (s *Store) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, status, repo_id, agent_type, priority, created_at, updated_at
		FROM tasks ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateStatus sets a task's status, as the Session Supervisor transitions
// through its lifecycle.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.db.Exec(ctx, `UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("task", id)
	}
	return nil
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("task", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row pgx.Row, id string) (*task.Task, error) {
	t, err := scanTaskRow(row, id)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("task", id)
	}
	return t, err
}

func scanTaskRow(row rowScanner, id string) (*task.Task, error) {
	var (
		t      task.Task
		status string
	)
	if err := row.Scan(&t.ID, &t.Title, &status, &t.RepoID, &t.AgentType, &t.Priority, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	return &t, nil
}

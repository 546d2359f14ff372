package allocator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/database"
	"github.com/kandev/agentd/internal/task"
)

// RepoStore is the persistent repo-lock surface the Allocator needs. It is
// separate from the Conversation Store: the lock is acquired inside a
// serializable transaction, a concern specific to the Allocator rather
// than the message/session append log.
type RepoStore struct {
	db *database.DB
}

// NewRepoStore constructs a RepoStore over an already-connected database handle.
func NewRepoStore(db *database.DB) *RepoStore {
	return &RepoStore{db: db}
}

// GetRepo fetches a repo row by id.
func (r *RepoStore) GetRepo(ctx context.Context, id string) (*task.Repo, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, remote_url, display_name, default_branch, last_used_at, locked_by_task_id, locked_at
		FROM repos WHERE id = $1
	`, id)

	var repo task.Repo
	err := row.Scan(&repo.ID, &repo.RemoteURL, &repo.DisplayName, &repo.DefaultBranch, &repo.LastUsedAt, &repo.LockedByTaskID, &repo.LockedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("repo", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %s: %w", id, err)
	}
	return &repo, nil
}

// CreateRepo registers a repo on first use: find-by-remote-url, or insert a
// new row. remoteURL is normalized the same way setupSpriteForTask compares
// an existing checkout's remote (trim trailing '/', trim trailing '.git',
// lowercase) so repeated registration of the same remote under incidental
// URL variants converges on one row.
func (r *RepoStore) CreateRepo(ctx context.Context, remoteURL, displayName, defaultBranch string) (*task.Repo, error) {
	normalized := normalizeRemoteURL(remoteURL)

	row := r.db.QueryRow(ctx, `SELECT id FROM repos WHERE lower(remote_url) = $1`, normalized)
	var existingID string
	switch err := row.Scan(&existingID); {
	case err == nil:
		return r.GetRepo(ctx, existingID)
	case err != pgx.ErrNoRows:
		return nil, fmt.Errorf("lookup repo by remote_url: %w", err)
	}

	if defaultBranch == "" {
		defaultBranch = "main"
	}
	id := uuid.New().String()
	_, err := r.db.Exec(ctx, `
		INSERT INTO repos (id, remote_url, display_name, default_branch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (remote_url) DO NOTHING
	`, id, normalized, displayName, defaultBranch)
	if err != nil {
		return nil, fmt.Errorf("create repo %s: %w", displayName, err)
	}

	row = r.db.QueryRow(ctx, `SELECT id FROM repos WHERE lower(remote_url) = $1`, normalized)
	if err := row.Scan(&existingID); err != nil {
		return nil, fmt.Errorf("read back created repo %s: %w", displayName, err)
	}
	return r.GetRepo(ctx, existingID)
}

// AcquireLock implements the Allocator's locking semantics: the repo row
// is locked FOR UPDATE inside a serializable transaction, and the lock is
// granted if unheld or already held by the same task (reentrant).
func (r *RepoStore) AcquireLock(ctx context.Context, repoID, taskID string) error {
	return r.db.WithTxOptions(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		var lockedBy *string
		err := tx.QueryRow(ctx, `SELECT locked_by_task_id FROM repos WHERE id = $1 FOR UPDATE`, repoID).Scan(&lockedBy)
		if err == pgx.ErrNoRows {
			return apperr.NotFound("repo", repoID)
		}
		if err != nil {
			return fmt.Errorf("lock repo row %s: %w", repoID, err)
		}

		switch {
		case lockedBy == nil:
			_, err := tx.Exec(ctx, `UPDATE repos SET locked_by_task_id = $2, locked_at = now() WHERE id = $1`, repoID, taskID)
			return err
		case *lockedBy == taskID:
			return nil
		default:
			return apperr.RepoLocked(repoID, *lockedBy)
		}
	})
}

// ReleaseLock compare-and-clears the lock; it is a no-op (not an error) if
// the repo is unheld or held by a different task.
func (r *RepoStore) ReleaseLock(ctx context.Context, repoID, taskID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE repos SET locked_by_task_id = NULL, locked_at = NULL
		WHERE id = $1 AND locked_by_task_id = $2
	`, repoID, taskID)
	if err != nil {
		return fmt.Errorf("release lock on repo %s: %w", repoID, err)
	}
	return nil
}

// TouchLastUsed stamps a repo's last_used_at to now.
func (r *RepoStore) TouchLastUsed(ctx context.Context, repoID string) error {
	_, err := r.db.Exec(ctx, `UPDATE repos SET last_used_at = now() WHERE id = $1`, repoID)
	if err != nil {
		return fmt.Errorf("touch last_used_at for repo %s: %w", repoID, err)
	}
	return nil
}

// SweepStaleLocks releases locks held by tasks that no longer have a
// registered Session Supervisor in this process, per the Allocator's
// recovery sweep. It returns the repo ids it released.
func (r *RepoStore) SweepStaleLocks(ctx context.Context, isRegistered func(taskID string) bool) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id, locked_by_task_id FROM repos WHERE locked_by_task_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list locked repos: %w", err)
	}

	type locked struct{ repoID, taskID string }
	var candidates []locked
	for rows.Next() {
		var l locked
		if err := rows.Scan(&l.repoID, &l.taskID); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var released []string
	for _, c := range candidates {
		if isRegistered(c.taskID) {
			continue
		}
		if err := r.ReleaseLock(ctx, c.repoID, c.taskID); err != nil {
			return released, err
		}
		released = append(released, c.repoID)
	}
	return released, nil
}

package allocator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/task"
)

// setupSpriteForTask runs the Allocator's setup pipeline: ensure the
// sandbox exists, configure git credentials, and clone or pull the
// task's repository into its deterministic working directory.
func (a *Allocator) setupSpriteForTask(ctx context.Context, t *task.Task) (*Allocation, error) {
	sandboxName := sandboxNameForTask(t.ID)

	var repo *task.Repo
	if t.RepoID != nil {
		var err error
		repo, err = a.repos.GetRepo(ctx, *t.RepoID)
		if err != nil {
			return nil, err
		}

		if err := a.repos.AcquireLock(ctx, repo.ID, t.ID); err != nil {
			return nil, err
		}
	}

	if _, err := a.sandbox.Create(ctx, sandboxName, false); err != nil {
		if repo != nil {
			_ = a.repos.ReleaseLock(ctx, repo.ID, t.ID)
		}
		return nil, err
	}

	if err := a.ensureGitConfigured(ctx, sandboxName); err != nil {
		if repo != nil {
			_ = a.repos.ReleaseLock(ctx, repo.ID, t.ID)
		}
		return nil, err
	}

	workingDir := "/home/sprite"
	var lockedRepoID *string

	if repo != nil {
		lockedRepoID = &repo.ID

		workingDir = fmt.Sprintf("/home/sprite/repos/%s", repo.DisplayName)
		if err := a.ensureRepoCloned(ctx, sandboxName, repo, workingDir); err != nil {
			_ = a.repos.ReleaseLock(ctx, repo.ID, t.ID)
			return nil, err
		}
		_ = a.repos.TouchLastUsed(ctx, repo.ID)
	}

	return &Allocation{
		SandboxName: sandboxName,
		RepoID:      lockedRepoID,
		WorkingDir:  workingDir,
		AllocatedAt: time.Now(),
	}, nil
}

// ensureGitConfigured sets the sandbox's global git credential helper
// exactly once per sandbox, retrying on the transient
// "could not lock config file" race.
func (a *Allocator) ensureGitConfigured(ctx context.Context, sandboxName string) error {
	a.gitConfigMu.Lock()
	defer a.gitConfigMu.Unlock()

	if a.gitConfiguredBoxes[sandboxName] {
		return nil
	}

	token, err := a.tokens.GetAccessToken(ctx)
	if err != nil {
		return apperr.GitConfigFailed(err)
	}

	script := fmt.Sprintf(
		`git config --global credential.helper '!f() { echo username=x-access-token; echo password=%s; }; f'`,
		token,
	)

	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := a.sandbox.Exec(ctx, sandboxName, nil, script, a.sbCfg.GitConfigTimeoutDuration(), nil)
		if err == nil && res.ExitCode == 0 {
			a.gitConfiguredBoxes[sandboxName] = true
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("git config exited %d: %s", res.ExitCode, res.Output)
		}
		if res != nil && strings.Contains(res.Output, "could not lock config file") {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		break
	}
	return apperr.GitConfigFailed(lastErr)
}

// ensureRepoCloned makes the working directory reflect repo at its
// default branch: pulling an already-cloned matching remote, or wiping
// and cloning fresh otherwise.
func (a *Allocator) ensureRepoCloned(ctx context.Context, sandboxName string, repo *task.Repo, workingDir string) error {
	probe, err := a.sandbox.Exec(ctx, sandboxName, nil,
		fmt.Sprintf(`test -d %s/.git && echo yes || echo no`, shellQuote(workingDir)),
		a.sbCfg.GitConfigTimeoutDuration(), nil)
	if err != nil {
		return apperr.CloneFailed(err)
	}

	if strings.TrimSpace(probe.Output) == "yes" {
		remote, err := a.sandbox.Exec(ctx, sandboxName, nil,
			fmt.Sprintf(`git -C %s remote get-url origin`, shellQuote(workingDir)),
			a.sbCfg.GitConfigTimeoutDuration(), nil)
		if err == nil && normalizeRemoteURL(remote.Output) == normalizeRemoteURL(repo.RemoteURL) {
			pull, err := a.sandbox.Exec(ctx, sandboxName, nil,
				fmt.Sprintf(`git -C %s pull`, shellQuote(workingDir)),
				a.sbCfg.PullTimeoutDuration(), nil)
			if err != nil || pull.ExitCode != 0 {
				a.logger.Warn("git pull failed, continuing with existing checkout",
					zap.String("sandbox", sandboxName), zap.String("working_dir", workingDir))
			}
			return nil
		}

		if _, err := a.sandbox.Exec(ctx, sandboxName, nil,
			fmt.Sprintf(`rm -rf %s`, shellQuote(workingDir)),
			a.sbCfg.GitConfigTimeoutDuration(), nil); err != nil {
			return apperr.CloneFailed(err)
		}
		return a.clone(ctx, sandboxName, repo, workingDir)
	}

	parent := strings.TrimSuffix(workingDir, "/"+lastPathSegment(workingDir))
	if _, err := a.sandbox.Exec(ctx, sandboxName, nil,
		fmt.Sprintf(`mkdir -p %s && rm -rf %s`, shellQuote(parent), shellQuote(workingDir)),
		a.sbCfg.GitConfigTimeoutDuration(), nil); err != nil {
		return apperr.CloneFailed(err)
	}
	return a.clone(ctx, sandboxName, repo, workingDir)
}

func (a *Allocator) clone(ctx context.Context, sandboxName string, repo *task.Repo, workingDir string) error {
	res, err := a.sandbox.Exec(ctx, sandboxName, nil,
		fmt.Sprintf(`git clone %s %s`, shellQuote(repo.RemoteURL), shellQuote(workingDir)),
		a.sbCfg.CloneTimeoutDuration(), nil)
	if err != nil {
		return apperr.CloneFailed(err)
	}
	if res.ExitCode != 0 {
		return apperr.CloneFailed(fmt.Errorf("git clone exited %d: %s", res.ExitCode, res.Output))
	}
	return nil
}

// normalizeRemoteURL makes two spellings of the same remote comparable:
// trim surrounding whitespace and a trailing slash, then a trailing
// .git suffix, then lowercase.
func normalizeRemoteURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastPathSegment(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

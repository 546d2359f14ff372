package allocator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encoding/json"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/sandboxclient"
	"github.com/kandev/agentd/internal/task"
)

type fakeTokens struct{}

func (fakeTokens) GetAccessToken(ctx context.Context) (string, error) { return "tok", nil }

type fakeRepoStore struct {
	mu    sync.Mutex
	repos map[string]*task.Repo
}

func newFakeRepoStore(repos ...*task.Repo) *fakeRepoStore {
	m := make(map[string]*task.Repo)
	for _, r := range repos {
		m[r.ID] = r
	}
	return &fakeRepoStore{repos: m}
}

func (f *fakeRepoStore) GetRepo(ctx context.Context, id string) (*task.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[id]
	if !ok {
		return nil, apperr.NotFound("repo", id)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepoStore) AcquireLock(ctx context.Context, repoID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repos[repoID]
	if r.LockedByTaskID == nil {
		r.LockedByTaskID = &taskID
		return nil
	}
	if *r.LockedByTaskID == taskID {
		return nil
	}
	return apperr.RepoLocked(repoID, *r.LockedByTaskID)
}

func (f *fakeRepoStore) ReleaseLock(ctx context.Context, repoID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.repos[repoID]
	if r != nil && r.LockedByTaskID != nil && *r.LockedByTaskID == taskID {
		r.LockedByTaskID = nil
	}
	return nil
}

func (f *fakeRepoStore) TouchLastUsed(ctx context.Context, repoID string) error { return nil }

func (f *fakeRepoStore) SweepStaleLocks(ctx context.Context, isRegistered func(string) bool) ([]string, error) {
	return nil, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// fakeSandboxServer answers the subset of the sandbox HTTP API the
// Allocator's setup pipeline exercises, branching on the script text
// carried in the repeated cmd query parameters. callCount tallies every
// request the server receives, so a test can assert that a failed
// allocation never touched the sandbox at all.
func fakeSandboxServer(t *testing.T, remoteURL string, freshClone bool) (*httptest.Server, *int32) {
	t.Helper()
	var callCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			json.NewEncoder(w).Encode(sandboxclient.Sandbox{Name: "box", Status: "running"})
		case strings.HasSuffix(r.URL.Path, "/exec"):
			cmds := r.URL.Query()["cmd"]
			script := ""
			if len(cmds) == 3 {
				script = cmds[2]
			}
			switch {
			case strings.Contains(script, "git config"):
				json.NewEncoder(w).Encode(sandboxclient.ExecResult{ExitCode: 0})
			case strings.Contains(script, "test -d"):
				out := "yes"
				if freshClone {
					out = "no"
				}
				json.NewEncoder(w).Encode(sandboxclient.ExecResult{Output: out, ExitCode: 0})
			case strings.Contains(script, "remote get-url"):
				json.NewEncoder(w).Encode(sandboxclient.ExecResult{Output: remoteURL, ExitCode: 0})
			case strings.Contains(script, "git pull"), strings.Contains(script, "git clone"), strings.Contains(script, "mkdir -p"):
				json.NewEncoder(w).Encode(sandboxclient.ExecResult{ExitCode: 0})
			default:
				json.NewEncoder(w).Encode(sandboxclient.ExecResult{ExitCode: 0})
			}
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	return srv, &callCount
}

func testAllocator(t *testing.T, srv *httptest.Server, repos *fakeRepoStore) *Allocator {
	t.Helper()
	sbCfg := config.SandboxConfig{BaseURL: srv.URL, ExecTimeout: 5, CloneTimeout: 5, PullTimeout: 5, GitConfTimeout: 5}
	sbClient := sandboxclient.New(sbCfg, fakeTokens{}, testLogger(t))
	allocCfg := config.AllocatorConfig{AllocateTimeoutSeconds: 30, SweepIntervalSeconds: 60, IdleTimeoutSeconds: 300}
	return New(sbClient, repos, fakeTokens{}, allocCfg, sbCfg, testLogger(t))
}

func TestAllocateWithoutRepo(t *testing.T) {
	srv, _ := fakeSandboxServer(t, "", false)
	defer srv.Close()

	a := testAllocator(t, srv, newFakeRepoStore())
	tk := &task.Task{ID: "t1", AgentType: "claude"}

	alloc, err := a.Allocate(context.Background(), tk, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alloc.WorkingDir != "/home/sprite" {
		t.Errorf("expected default working dir, got %s", alloc.WorkingDir)
	}
	if alloc.RepoID != nil {
		t.Errorf("expected no repo lock, got %v", alloc.RepoID)
	}
}

func TestAllocateWithRepoClonesOnMismatch(t *testing.T) {
	srv, _ := fakeSandboxServer(t, "https://example.com/other/repo.git", false)
	defer srv.Close()

	repoID := "r1"
	repo := &task.Repo{ID: repoID, RemoteURL: "https://example.com/owner/repo.git", DisplayName: "owner/repo"}
	repos := newFakeRepoStore(repo)

	a := testAllocator(t, srv, repos)
	tk := &task.Task{ID: "t1", AgentType: "claude", RepoID: &repoID}

	alloc, err := a.Allocate(context.Background(), tk, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alloc.WorkingDir != "/home/sprite/repos/owner/repo" {
		t.Errorf("unexpected working dir: %s", alloc.WorkingDir)
	}
	if alloc.RepoID == nil || *alloc.RepoID != repoID {
		t.Errorf("expected repo lock recorded, got %v", alloc.RepoID)
	}
}

func TestAllocateSecondTaskSameRepoFailsWithRepoLocked(t *testing.T) {
	srv, callCount := fakeSandboxServer(t, "https://example.com/owner/repo.git", false)
	defer srv.Close()

	repoID := "r1"
	repo := &task.Repo{ID: repoID, RemoteURL: "https://example.com/owner/repo.git", DisplayName: "owner/repo"}
	repos := newFakeRepoStore(repo)
	a := testAllocator(t, srv, repos)

	t1 := &task.Task{ID: "t1", AgentType: "claude", RepoID: &repoID}
	if _, err := a.Allocate(context.Background(), t1, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	countBeforeSecondTask := atomic.LoadInt32(callCount)

	t2 := &task.Task{ID: "t2", AgentType: "claude", RepoID: &repoID}
	_, err := a.Allocate(context.Background(), t2, false)
	if !apperr.Is(err, apperr.KindRepoLocked) {
		t.Fatalf("expected KindRepoLocked, got %v", err)
	}

	if got := atomic.LoadInt32(callCount); got != countBeforeSecondTask {
		t.Errorf("expected no sandbox requests for a repo-locked task, got %d new requests", got-countBeforeSecondTask)
	}
}

func TestReleaseClearsRepoLock(t *testing.T) {
	srv, _ := fakeSandboxServer(t, "https://example.com/owner/repo.git", false)
	defer srv.Close()

	repoID := "r1"
	repo := &task.Repo{ID: repoID, RemoteURL: "https://example.com/owner/repo.git", DisplayName: "owner/repo"}
	repos := newFakeRepoStore(repo)
	a := testAllocator(t, srv, repos)

	t1 := &task.Task{ID: "t1", AgentType: "claude", RepoID: &repoID}
	if _, err := a.Allocate(context.Background(), t1, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Release(context.Background(), t1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	locked, _, err := a.RepoLocked(context.Background(), repoID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if locked {
		t.Errorf("expected lock released")
	}
}

func TestPrewarmThenSyncConsumesCache(t *testing.T) {
	srv, _ := fakeSandboxServer(t, "", false)
	defer srv.Close()

	a := testAllocator(t, srv, newFakeRepoStore())
	tk := &task.Task{ID: "t1", AgentType: "claude"}

	if _, err := a.Allocate(context.Background(), tk, true); err != nil {
		t.Fatalf("unexpected error from prewarm trigger: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		_, cached := a.prewarmCache[tk.ID]
		a.mu.Unlock()
		if cached || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	alloc, err := a.Allocate(context.Background(), tk, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alloc == nil {
		t.Fatal("expected allocation from prewarm cache")
	}

	a.mu.Lock()
	_, stillCached := a.prewarmCache[tk.ID]
	a.mu.Unlock()
	if stillCached {
		t.Errorf("expected prewarm cache entry consumed")
	}
}

func TestSyncWaitsOnInFlightPrewarm(t *testing.T) {
	srv, _ := fakeSandboxServer(t, "", false)
	defer srv.Close()

	a := testAllocator(t, srv, newFakeRepoStore())
	tk := &task.Task{ID: "t1", AgentType: "claude"}

	a.mu.Lock()
	a.prewarming[tk.ID] = true
	a.mu.Unlock()

	done := make(chan *Allocation, 1)
	go func() {
		alloc, err := a.Allocate(context.Background(), tk, false)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			done <- nil
			return
		}
		done <- alloc
	}()

	time.Sleep(20 * time.Millisecond)
	a.runPrewarm(tk)

	select {
	case alloc := <-done:
		if alloc == nil {
			t.Fatal("expected allocation delivered to waiter")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synchronous allocate to resolve")
	}
}

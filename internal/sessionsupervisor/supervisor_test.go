package sessionsupervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/agent/registry"
	"github.com/kandev/agentd/internal/allocator"
	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/convstore"
	"github.com/kandev/agentd/internal/events/bus"
	"github.com/kandev/agentd/internal/sandboxclient"
	"github.com/kandev/agentd/internal/task"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// --- fakes ---

type fakeAllocator struct {
	mu        sync.Mutex
	allocated []string
	released  []string
	err       error
}

func (f *fakeAllocator) Allocate(ctx context.Context, t *task.Task, prewarm bool) (*allocator.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.allocated = append(f.allocated, t.ID)
	return &allocator.Allocation{SandboxName: "sandbox-" + t.ID, WorkingDir: "/home/sprite"}, nil
}

func (f *fakeAllocator) Release(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, taskID)
	return nil
}

type fakeConvStore struct {
	mu       sync.Mutex
	sessions map[string]task.ExecutionSessionStatus
	messages []convstore.CreateMessageParams
	toolMsgs map[string]*task.Message
	updated  map[string]bool
	nextID   int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		sessions: make(map[string]task.ExecutionSessionStatus),
		toolMsgs: make(map[string]*task.Message),
		updated:  make(map[string]bool),
	}
}

func (f *fakeConvStore) StartExecutionSession(ctx context.Context, taskID, sandboxName, kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("exec-%d", f.nextID)
	f.sessions[id] = ""
	return id, nil
}

func (f *fakeConvStore) CompleteExecutionSession(ctx context.Context, id string, status task.ExecutionSessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = status
	return nil
}

func (f *fakeConvStore) CreateMessage(ctx context.Context, p convstore.CreateMessageParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.messages = append(f.messages, p)
	if p.Kind == task.MessageToolCall {
		toolUseID, _ := p.ToolData["tool_use_id"].(string)
		f.toolMsgs[toolUseID] = &task.Message{ID: id, TaskID: p.TaskID, Kind: p.Kind, ToolData: p.ToolData}
	}
	return id, nil
}

func (f *fakeConvStore) UpdateToolResult(ctx context.Context, id string, output string, isError bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[id] = true
	return nil
}

func (f *fakeConvStore) FindToolMessage(ctx context.Context, taskID, toolUseID string) (*task.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toolMsgs[toolUseID], nil
}

type fakeTaskStore struct {
	mu       sync.Mutex
	statuses map[string]task.Status
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{statuses: make(map[string]task.Status)}
}

func (f *fakeTaskStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeTaskStore) get(id string) task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fakeTokens struct{}

func (fakeTokens) GetAccessToken(ctx context.Context) (string, error) { return "tok", nil }

type fakeCreds struct{}

func (fakeCreds) GHToken(ctx context.Context) (string, error) { return "", nil }

type fakeSandbox struct{}

func (fakeSandbox) OpenStreamURL(name string, argv []string, opts sandboxclient.StreamOptions) (string, error) {
	return "", fmt.Errorf("not dialed in this test")
}

func (fakeSandbox) Exec(ctx context.Context, name string, argv []string, shellString string, timeout time.Duration, env map[string]string) (*sandboxclient.ExecResult, error) {
	return &sandboxclient.ExecResult{ExitCode: 0}, nil
}

func newTestRegistry(t *testing.T, alloc AllocatorAPI) (*Registry, *fakeConvStore, *fakeTaskStore) {
	conv := newFakeConvStore()
	tasks := newFakeTaskStore()
	agents := registry.NewRegistry(testLogger(t))
	agents.LoadDefaults()
	cfg := config.AllocatorConfig{AllocateTimeoutSeconds: 5, IdleTimeoutSeconds: 1, SweepIntervalSeconds: 30}
	r := NewRegistry(alloc, conv, tasks, fakeTokens{}, fakeCreds{}, agents, fakeSandbox{}, bus.NewMemoryEventBus(testLogger(t)), cfg, testLogger(t))
	return r, conv, tasks
}

func TestOpenRejectsUnknownAgentType(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeAllocator{})
	_, err := r.Open(&task.Task{ID: "t1", AgentType: "nonexistent"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}

func TestOpenAttachesToExistingSupervisor(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeAllocator{})
	tk := &task.Task{ID: "t1", AgentType: "claude"}
	s1, err := r.Open(tk, nil)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := r.Open(tk, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("expected Open to return the same supervisor for an already-running task")
	}
}

func TestInitializeTransitionsToErrorOnRepoLocked(t *testing.T) {
	alloc := &fakeAllocator{err: apperr.RepoLocked("repo-1", "other-task")}
	r, _, tasks := newTestRegistry(t, alloc)
	tk := &task.Task{ID: "t1", AgentType: "claude"}
	s, err := r.Open(tk, nil)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == StatusError {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if s.Status() != StatusError {
		t.Fatalf("expected supervisor to reach error status, got %s", s.Status())
	}
	if got := tasks.get("t1"); got != task.StatusError {
		t.Fatalf("expected task status error, got %s", got)
	}
}

func TestTerminateReleasesAllocationAndDeregisters(t *testing.T) {
	alloc := &fakeAllocator{}
	r, _, _ := newTestRegistry(t, alloc)
	tk := &task.Task{ID: "t1", AgentType: "claude"}
	s, err := r.Open(tk, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	alloc.mu.Lock()
	released := len(alloc.released) == 1 && alloc.released[0] == "t1"
	alloc.mu.Unlock()
	if !released {
		t.Fatal("expected Release to be called for the task")
	}
	if _, ok := r.Get("t1"); ok {
		t.Fatal("expected supervisor to be deregistered after Stop")
	}
}

func TestUserTurnQueuesWhileNotReady(t *testing.T) {
	alloc := &fakeAllocator{err: fmt.Errorf("allocate unavailable in this test")}
	r, _, _ := newTestRegistry(t, alloc)
	tk := &task.Task{ID: "t1", AgentType: "claude"}
	s, err := r.Open(tk, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("expected queued send to succeed, got %v", err)
	}
	if len(s.messageQueue) != 1 {
		t.Fatalf("expected message to be queued, got %d", len(s.messageQueue))
	}
}

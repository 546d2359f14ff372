package sandboxclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
)

type fakeTokens struct{}

func (fakeTokens) GetAccessToken(ctx context.Context) (string, error) {
	return "tok123", nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestCreateReturnsExistingOn409(t *testing.T) {
	var createCalls, getCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("expected bearer token header, got %q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			createCalls++
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodGet && r.URL.Path == "/sandboxes/box-1":
			getCalls++
			json.NewEncoder(w).Encode(Sandbox{Name: "box-1", Status: "running"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(config.SandboxConfig{BaseURL: srv.URL, ExecTimeout: 5}, fakeTokens{}, testLogger(t))
	sb, err := c.Create(context.Background(), "box-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.Name != "box-1" || sb.Status != "running" {
		t.Errorf("unexpected sandbox: %+v", sb)
	}
	if createCalls != 1 || getCalls != 1 {
		t.Errorf("expected one create and one fallback get, got %d/%d", createCalls, getCalls)
	}
}

func TestGetNotFoundMapsToNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(config.SandboxConfig{BaseURL: srv.URL, ExecTimeout: 5}, fakeTokens{}, testLogger(t))
	_, err := c.Get(context.Background(), "missing")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestExecWithArgvUsesRepeatedCmdParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmds := r.URL.Query()["cmd"]
		if len(cmds) != 2 || cmds[0] != "git" || cmds[1] != "status" {
			t.Errorf("unexpected cmd params: %v", cmds)
		}
		json.NewEncoder(w).Encode(ExecResult{Output: "clean", ExitCode: 0})
	}))
	defer srv.Close()

	c := New(config.SandboxConfig{BaseURL: srv.URL, ExecTimeout: 5}, fakeTokens{}, testLogger(t))
	res, err := c.Exec(context.Background(), "box-1", []string{"git", "status"}, "", 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "clean" {
		t.Errorf("unexpected output: %q", res.Output)
	}
}

func TestExecWithShellStringWrapsInShC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmds := r.URL.Query()["cmd"]
		if len(cmds) != 3 || cmds[0] != "/bin/sh" || cmds[1] != "-c" || cmds[2] != "echo hi" {
			t.Errorf("unexpected cmd params: %v", cmds)
		}
		json.NewEncoder(w).Encode(ExecResult{Output: "hi\n", ExitCode: 0})
	}))
	defer srv.Close()

	c := New(config.SandboxConfig{BaseURL: srv.URL, ExecTimeout: 5}, fakeTokens{}, testLogger(t))
	_, err := c.Exec(context.Background(), "box-1", nil, "echo hi", 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenStreamURLEncodesReservedCharacters(t *testing.T) {
	c := New(config.SandboxConfig{BaseURL: "https://sandboxes.example.com", ExecTimeout: 5}, fakeTokens{}, testLogger(t))
	u, err := c.OpenStreamURL("box-1", []string{"echo", "a@b'c"}, StreamOptions{TTY: false, Stdin: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(u, "wss://sandboxes.example.com/sandboxes/box-1/stream?") {
		t.Fatalf("unexpected url: %s", u)
	}
	if !strings.Contains(u, "cmd=a%40b%27c") {
		t.Errorf("expected percent-encoded reserved characters, got %s", u)
	}
}

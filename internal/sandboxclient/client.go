// Package sandboxclient is a stateless HTTP/WS facade over the remote
// sandbox API. It issues one request per operation and holds no session
// state of its own; the Allocator and Agent Channel are the stateful
// callers.
package sandboxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
)

// Sandbox describes a sandbox as returned by the remote API.
type Sandbox struct {
	Name   string `json:"name"`
	Public bool   `json:"public"`
	Status string `json:"status"`
}

// ExecResult is the blocking exec response.
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// StreamOptions configures a streaming exec WebSocket URL.
type StreamOptions struct {
	TTY   bool
	Stdin bool
	Cols  int
	Rows  int
}

// TokenSource supplies the bearer token carried on every request. The
// Token Manager satisfies this.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// Client is the sandbox HTTP/WS facade.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *logger.Logger
}

// New constructs a Client against the configured sandbox base URL.
func New(cfg config.SandboxConfig, tokens TokenSource, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.ExecTimeoutDuration()},
		tokens:  tokens,
		logger:  log.WithFields(zap.String("component", "sandbox-client")),
	}
}

// Create creates a sandbox, or returns the existing one if a 409 is
// returned for a name already in use.
func (c *Client) Create(ctx context.Context, name string, public bool) (*Sandbox, error) {
	body, _ := json.Marshal(map[string]interface{}{"name": name, "public": public})
	resp, err := c.do(ctx, http.MethodPost, "/sandboxes", nil, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.SandboxCreationFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return c.Get(ctx, name)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apperr.SandboxCreationFailed(fmt.Errorf("create sandbox %s: status %d", name, resp.StatusCode))
	}

	var sb Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		return nil, apperr.SandboxCreationFailed(err)
	}
	return &sb, nil
}

// Get fetches a sandbox by name.
func (c *Client) Get(ctx context.Context, name string) (*Sandbox, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.NotFound("sandbox", name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get sandbox %s: status %d", name, resp.StatusCode)
	}

	var sb Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// List returns all sandboxes visible to the caller's token.
func (c *Client) List(ctx context.Context) ([]Sandbox, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sandboxes", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sandboxes: status %d", resp.StatusCode)
	}
	var sbs []Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sbs); err != nil {
		return nil, err
	}
	return sbs, nil
}

// Suspend hibernates a sandbox.
func (c *Client) Suspend(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(name)+"/suspend", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("suspend sandbox %s: status %d", name, resp.StatusCode)
	}
	return nil
}

// Delete removes a sandbox.
func (c *Client) Delete(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete sandbox %s: status %d", name, resp.StatusCode)
	}
	return nil
}

// Exec runs a blocking command in the sandbox. argv, when non-empty, maps
// to repeated cmd query parameters; otherwise shellString is wrapped as
// /bin/sh -c <shellString>.
func (c *Client) Exec(ctx context.Context, name string, argv []string, shellString string, timeout time.Duration, env map[string]string) (*ExecResult, error) {
	q := url.Values{}
	if len(argv) > 0 {
		for _, a := range argv {
			q.Add("cmd", a)
		}
	} else {
		q.Add("cmd", "/bin/sh")
		q.Add("cmd", "-c")
		q.Add("cmd", shellString)
	}
	for k, v := range env {
		q.Add("env", k+"="+v)
	}
	if timeout > 0 {
		q.Set("timeout", fmt.Sprintf("%d", int(timeout.Seconds())))
	}

	resp, err := c.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(name)+"/exec?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("exec in sandbox %s: status %d: %s", name, resp.StatusCode, string(data))
	}

	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenStreamURL constructs the WebSocket URL for a streaming exec. It has
// no side effects; the caller dials it.
func (c *Client) OpenStreamURL(name string, argv []string, opts StreamOptions) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/sandboxes/" + url.PathEscape(name) + "/stream"

	q := url.Values{}
	for _, a := range argv {
		q.Add("cmd", a)
	}
	q.Set("tty", boolString(opts.TTY))
	q.Set("stdin", boolString(opts.Stdin))
	if opts.Cols > 0 {
		q.Set("cols", fmt.Sprintf("%d", opts.Cols))
	}
	if opts.Rows > 0 {
		q.Set("rows", fmt.Sprintf("%d", opts.Rows))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.http.Do(req)
}

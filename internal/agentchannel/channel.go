// Package agentchannel owns a single streaming exec connection to a
// sandbox: dialing the WebSocket, feeding incoming frames through the
// Frame Codec and Event Parser, and reconnecting with backoff when the
// connection drops for a reason other than "sandbox is gone".
package agentchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/eventparser"
	"github.com/kandev/agentd/internal/framecodec"
	"github.com/kandev/agentd/internal/sandboxclient"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
	maxReconnects = 6
)

// Owner receives notifications from a Channel. The Session Supervisor
// implements this.
type Owner interface {
	OnChannelReady()
	OnEvent(ev eventparser.Event)
	OnStderr(data []byte)
	OnExit(code int)
	OnDisconnectedFatal()
	OnDisconnectedRetrying(attempt int)
	OnTerminated(reason string)
}

// StreamOpener constructs the WebSocket URL for a sandbox's streaming exec.
type StreamOpener interface {
	OpenStreamURL(name string, argv []string, opts sandboxclient.StreamOptions) (string, error)
}

// Execer runs a blocking command in a sandbox. *sandboxclient.Client
// satisfies this; Terminate uses it for the fire-and-forget pkill.
type Execer interface {
	Exec(ctx context.Context, name string, argv []string, shellString string, timeout time.Duration, env map[string]string) (*sandboxclient.ExecResult, error)
}

// Channel owns one streaming exec connection to a sandbox.
type Channel struct {
	sandboxName string
	argv        []string
	opener      StreamOpener
	owner       Owner
	token       string
	logger      *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	closing   bool
	decoder   *framecodec.Decoder
	assembler *eventparser.Assembler
}

// New constructs a Channel for one sandbox. Connect must be called to
// actually dial.
func New(sandboxName string, argv []string, token string, opener StreamOpener, owner Owner, log *logger.Logger) *Channel {
	return &Channel{
		sandboxName: sandboxName,
		argv:        argv,
		opener:      opener,
		owner:       owner,
		token:       token,
		logger:      log.WithFields(zap.String("component", "agent-channel"), zap.String("sandbox", sandboxName)),
		decoder:     framecodec.NewDecoder(),
		assembler:   eventparser.NewAssembler(),
	}
}

// Connect dials the sandbox's streaming exec WebSocket and, on success,
// starts the read pump and notifies the owner. A 404 on the upgrade is
// fatal; any other dial failure enters the reconnect loop.
func (c *Channel) Connect(ctx context.Context) error {
	return c.dialWithRetry(ctx, 0)
}

func (c *Channel) dialWithRetry(ctx context.Context, attempt int) error {
	url, err := c.opener.OpenStreamURL(c.sandboxName, c.argv, sandboxclient.StreamOptions{TTY: false, Stdin: true})
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			c.owner.OnDisconnectedFatal()
			return apperr.Channel404(c.sandboxName)
		}
		if attempt >= maxReconnects {
			c.owner.OnTerminated("reconnect attempts exhausted")
			return fmt.Errorf("connect to sandbox %s: %w", c.sandboxName, err)
		}
		c.owner.OnDisconnectedRetrying(attempt + 1)
		select {
		case <-time.After(backoffDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.dialWithRetry(ctx, attempt+1)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.owner.OnChannelReady()
	go c.readPump(ctx)
	return nil
}

// backoffDelay computes the bounded exponential backoff with jitter for
// the Nth reconnect attempt (0-indexed).
func backoffDelay(attempt int) time.Duration {
	d := float64(backoffBase) * pow(backoffFactor, attempt)
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	jitter := d * backoffJitter * (2*rand.Float64() - 1)
	return time.Duration(d + jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// SendUserTurn serializes a user turn as one JSON line and writes it as
// one binary frame.
func (c *Channel) SendUserTurn(text string) error {
	payload := map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": text,
		},
	}
	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal user turn: %w", err)
	}
	return c.writeBinary(framecodec.EncodeUserLine(line))
}

// Interrupt writes a single 0x03 byte as one binary frame.
func (c *Channel) Interrupt() error {
	return c.writeBinary(framecodec.EncodeInterrupt())
}

func (c *Channel) writeBinary(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel to sandbox %s is not connected", c.sandboxName)
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Terminate fires a fire-and-forget pkill of the agent process inside the
// sandbox (so the sandbox can hibernate) and closes the connection.
func (c *Channel) Terminate(ctx context.Context, reason string, sandbox Execer) {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if sandbox != nil {
		go func() {
			_, _ = sandbox.Exec(context.Background(), c.sandboxName, nil, "pkill -f 'agent --print'", 5*time.Second, nil)
		}()
	}

	if conn != nil {
		_ = conn.Close()
	}
	c.owner.OnTerminated(reason)
}

func (c *Channel) readPump(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				return
			}
			c.logger.Warn("channel read error", zap.Error(err))
			_ = c.dialWithRetry(ctx, 0)
			return
		}

		for _, frame := range c.decoder.Feed(data) {
			switch frame.Kind {
			case framecodec.KindStdout:
				for _, ev := range c.assembler.Feed(frame.Data) {
					c.owner.OnEvent(ev)
				}
			case framecodec.KindStderr:
				c.owner.OnStderr(frame.Data)
			case framecodec.KindExit:
				if pending := c.assembler.Pending(); len(pending) > 0 {
					c.owner.OnStderr(pending)
				}
				c.owner.OnExit(frame.ExitCode)
			}
		}
	}
}

// Package sessionsupervisor is the Session Supervisor: one live actor per
// active task, driving the Allocator, the Agent Channel, the Conversation
// Store and the task-status row through the state machine in this
// system's design. Each Supervisor is a goroutine owning a buffered
// mailbox channel; every field below is mutated only from that goroutine,
// so none of it needs its own lock.
package sessionsupervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/agentchannel"
	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/convstore"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
	"github.com/kandev/agentd/internal/eventparser"
	"github.com/kandev/agentd/internal/sandboxclient"
	"github.com/kandev/agentd/internal/task"
)

// sandboxAPI is the subset of the Sandbox Client a Supervisor needs to
// hand to the Agent Channel: opening the streaming exec connection and
// running the fire-and-forget pkill on termination/idle teardown.
type sandboxAPI interface {
	OpenStreamURL(name string, argv []string, opts sandboxclient.StreamOptions) (string, error)
	Exec(ctx context.Context, name string, argv []string, shellString string, timeout time.Duration, env map[string]string) (*sandboxclient.ExecResult, error)
}

// Supervisor is one live instance of the state machine, keyed by task ID
// in its owning Registry.
type Supervisor struct {
	task     *task.Task
	repo     *task.Repo
	registry *Registry

	allocator AllocatorAPI
	convstore ConvStoreAPI
	taskStore TaskStoreAPI
	tokens    TokenSource
	creds     GHTokenSource
	sandbox   sandboxAPI
	bus       bus.EventBus
	cfg       config.AllocatorConfig
	logger    *logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan interface{}

	status             Status
	sandboxName        string
	workingDir         string
	executionSessionID *string
	messageQueue       []string
	idleTimer          *time.Timer
	channel            *agentchannel.Channel
}

// TaskID returns the task this supervisor owns.
func (s *Supervisor) TaskID() string { return s.task.ID }

// Status returns the supervisor's current state, for admin/debug surfaces.
func (s *Supervisor) Status() Status { return s.status }

func (s *Supervisor) run() {
	s.initialize()
	for {
		select {
		case msg := <-s.mailbox:
			s.handle(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) send(msg interface{}) {
	select {
	case s.mailbox <- msg:
	case <-s.ctx.Done():
	}
}

// initialize runs once, before the supervisor starts draining its
// mailbox: publish :connecting, allocate a sandbox, and either spawn the
// Agent Channel or transition to :error.
func (s *Supervisor) initialize() {
	s.status = StatusConnecting
	s.publish(events.StatusConnecting, nil)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AllocateTimeout())
	defer cancel()

	alloc, err := s.allocator.Allocate(ctx, s.task, false)
	if err != nil {
		if apperr.Is(err, apperr.KindRepoLocked) {
			s.publishError("Repository in use by another task")
		} else {
			s.publishError("failed to allocate a sandbox")
		}
		s.status = StatusError
		_ = s.taskStore.UpdateStatus(s.ctx, s.task.ID, task.StatusError)
		s.publish(events.StatusError, nil)
		return
	}

	s.sandboxName = alloc.SandboxName
	s.workingDir = alloc.WorkingDir
	_ = s.taskStore.UpdateStatus(s.ctx, s.task.ID, task.StatusActive)

	s.status = StatusStartingAgent
	s.publish(events.StatusStartingAgent, nil)
	s.spawnChannel()
}

// spawnChannel resolves the launch credentials and dials the sandbox's
// streaming exec, wiring the Supervisor itself in as the Agent Channel's
// Owner. Connect runs in its own goroutine: it blocks through the
// reconnect backoff, and this supervisor's own mailbox must keep draining
// while that happens.
func (s *Supervisor) spawnChannel() {
	token, err := s.tokens.GetAccessToken(s.ctx)
	if err != nil {
		s.logger.Warn("failed to resolve access token for launch", zap.Error(err))
	}
	ghToken := ""
	if s.creds != nil {
		if v, err := s.creds.GHToken(s.ctx); err == nil {
			ghToken = v
		}
	}
	repoDisplayName := ""
	if s.repo != nil {
		repoDisplayName = s.repo.DisplayName
	}

	argv := agentchannel.BuildLaunchArgv(s.workingDir, repoDisplayName, token, ghToken)
	s.channel = agentchannel.New(s.sandboxName, argv, token, s.sandbox, s, s.logger)

	go func() {
		if err := s.channel.Connect(s.ctx); err != nil {
			s.logger.Warn("agent channel connect failed", zap.Error(err))
		}
	}()
}

func (s *Supervisor) handle(msg interface{}) {
	switch m := msg.(type) {
	case msgChannelReady:
		s.onChannelReady()
	case msgEvent:
		s.onEvent(m.ev)
	case msgStderr:
		s.logger.Debug("agent stderr", zap.ByteString("data", m.data))
	case msgExit:
		s.onExit(m.code)
	case msgDisconnectedFatal:
		s.onDisconnectedFatal()
	case msgDisconnectedRetrying:
		s.status = StatusDisconnected
		s.publish(events.StatusDisconnected, nil)
	case msgTerminatedByChannel:
		s.logger.Debug("agent channel terminated", zap.String("reason", m.reason))
	case msgIdleTimeout:
		s.onIdleTimeout()
	case msgUserTurn:
		m.reply <- s.onUserTurn(m.text)
	case msgInterrupt:
		m.reply <- s.onInterrupt()
	case msgTerminate:
		m.reply <- s.onTerminate()
	}
}

func (s *Supervisor) onChannelReady() {
	id, err := s.convstore.StartExecutionSession(s.ctx, s.task.ID, s.sandboxName, "agent")
	if err != nil {
		s.logger.Error("failed to start execution session", zap.Error(err))
		s.publishError("failed to start execution session")
		s.status = StatusError
		return
	}
	s.executionSessionID = &id
	s.publish(events.EventExecutionSessionStarted, map[string]interface{}{"execution_session_id": id})

	s.status = StatusReady
	s.publish(events.StatusReady, nil)
	s.drainQueue()
}

// drainQueue sends the next queued turn, if any; message_stop drains one
// at a time so turns interleave with the agent's replies rather than
// flooding its stdin.
func (s *Supervisor) drainQueue() {
	if len(s.messageQueue) == 0 {
		return
	}
	text := s.messageQueue[0]
	s.messageQueue = s.messageQueue[1:]
	s.dispatchSend(text)
}

func (s *Supervisor) dispatchSend(text string) {
	if s.channel == nil {
		s.messageQueue = append([]string{text}, s.messageQueue...)
		return
	}
	if err := s.channel.SendUserTurn(text); err != nil {
		s.logger.Warn("failed to send user turn", zap.Error(err))
		s.publishError("failed to deliver message to agent")
		return
	}
	_ = s.taskStore.UpdateStatus(s.ctx, s.task.ID, task.StatusActive)
	s.status = StatusProcessing
	s.publish(events.StatusProcessing, nil)
}

func (s *Supervisor) onUserTurn(text string) error {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}

	switch {
	case s.status == StatusReady:
		s.dispatchSend(text)
	case s.status == StatusProcessing:
		s.messageQueue = append(s.messageQueue, text)
	case s.status.restartsChannel():
		s.messageQueue = append(s.messageQueue, text)
		s.status = StatusStartingAgent
		s.publish(events.StatusStartingAgent, nil)
		s.spawnChannel()
	default:
		s.messageQueue = append(s.messageQueue, text)
	}
	return nil
}

func (s *Supervisor) onInterrupt() error {
	if s.channel == nil {
		return fmt.Errorf("no active agent channel for task %s", s.task.ID)
	}
	return s.channel.Interrupt()
}

func (s *Supervisor) onEvent(ev eventparser.Event) {
	switch ev.Kind {
	case eventparser.KindMessageStop:
		s.publish(events.EventAgentDone, nil)
		s.status = StatusReady
		s.publish(events.StatusReady, nil)
		_ = s.taskStore.UpdateStatus(s.ctx, s.task.ID, task.StatusAwaitingInput)
		s.armIdleTimer()
		s.drainQueue()

	case eventparser.KindAssistantMessage:
		if ev.Text != "" {
			if _, err := s.convstore.CreateMessage(s.ctx, convstore.CreateMessageParams{
				TaskID:             s.task.ID,
				ExecutionSessionID: s.executionSessionID,
				Kind:               task.MessageAssistant,
				Content:            &ev.Text,
			}); err != nil {
				s.logger.Warn("failed to persist assistant text", zap.Error(err))
			}
			s.publish(events.EventAgentText, map[string]interface{}{"text": ev.Text})
		}
		for _, tu := range ev.ToolUses {
			toolData := map[string]interface{}{"tool_use_id": tu.ID, "name": tu.Name, "input": tu.Input}
			if _, err := s.convstore.CreateMessage(s.ctx, convstore.CreateMessageParams{
				TaskID:             s.task.ID,
				ExecutionSessionID: s.executionSessionID,
				Kind:               task.MessageToolCall,
				ToolData:           toolData,
			}); err != nil {
				s.logger.Warn("failed to persist tool_use", zap.Error(err))
			}
			s.publish(events.EventToolUse, map[string]interface{}{"id": tu.ID, "name": tu.Name})
		}

	case eventparser.KindToolResult:
		if msg, err := s.convstore.FindToolMessage(s.ctx, s.task.ID, ev.ToolUseID); err == nil && msg != nil {
			if err := s.convstore.UpdateToolResult(s.ctx, msg.ID, ev.Stdout, ev.IsError); err != nil {
				s.logger.Warn("failed to back-patch tool result", zap.Error(err))
			}
		} else if err != nil {
			s.logger.Warn("failed to find tool_call message for back-patch", zap.String("tool_use_id", ev.ToolUseID), zap.Error(err))
		}
		s.publish(events.EventToolResult, map[string]interface{}{"tool_use_id": ev.ToolUseID, "is_error": ev.IsError})

	default:
		// system_init / opaque / raw events carry no persisted effect; the
		// UI boundary may still relay them verbatim if it chooses to.
	}
}

func (s *Supervisor) onExit(code int) {
	if s.executionSessionID != nil {
		status := task.ExecutionFailed
		if code == 0 {
			status = task.ExecutionCompleted
		}
		if err := s.convstore.CompleteExecutionSession(s.ctx, *s.executionSessionID, status); err != nil {
			s.logger.Warn("failed to complete execution session", zap.Error(err))
		}
		s.publish(events.EventExecutionSessionEnded, map[string]interface{}{"execution_session_id": *s.executionSessionID})
		s.executionSessionID = nil
	}

	s.publish(events.StatusReady, nil)
	_ = s.taskStore.UpdateStatus(s.ctx, s.task.ID, task.StatusAwaitingInput)
	s.status = StatusExited
}

func (s *Supervisor) onDisconnectedFatal() {
	if s.executionSessionID != nil {
		_ = s.convstore.CompleteExecutionSession(s.ctx, *s.executionSessionID, task.ExecutionInterrupted)
		s.publish(events.EventExecutionSessionEnded, map[string]interface{}{"execution_session_id": *s.executionSessionID})
		s.executionSessionID = nil
	}
	s.publish("ended", nil)
	s.status = StatusStopped
	s.teardown()
}

func (s *Supervisor) onIdleTimeout() {
	s.status = StatusIdle
	_ = s.taskStore.UpdateStatus(s.ctx, s.task.ID, task.StatusIdle)
	s.publish(events.StatusIdle, nil)
	if s.channel != nil {
		s.channel.Terminate(s.ctx, "idle timeout", s.sandbox)
		s.channel = nil
	}
}

func (s *Supervisor) armIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout(), func() {
		s.send(msgIdleTimeout{})
	})
}

func (s *Supervisor) onTerminate() error {
	if err := s.allocator.Release(context.Background(), s.task.ID); err != nil {
		s.logger.Warn("failed to release allocation on terminate", zap.Error(err))
	}
	_ = s.taskStore.UpdateStatus(context.Background(), s.task.ID, task.StatusIdle)
	if s.channel != nil {
		s.channel.Terminate(context.Background(), "terminated", s.sandbox)
		s.channel = nil
	}
	s.status = StatusStopped
	s.teardown()
	return nil
}

// teardown unregisters this supervisor and stops its goroutine. Call only
// from within handle/initialize, never concurrently.
func (s *Supervisor) teardown() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.registry.remove(s.task.ID)
	s.cancel()
}

func (s *Supervisor) publish(eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["task_id"] = s.task.ID
	ev := bus.NewEvent(eventType, "session-supervisor", data)
	if err := s.bus.Publish(s.ctx, events.BuildSessionSubject(s.task.ID), ev); err != nil {
		s.logger.Warn("failed to publish session event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *Supervisor) publishError(message string) {
	s.publish(events.EventAgentError, map[string]interface{}{"message": message})
}

// SendMessage queues a user turn for delivery, restarting the Agent
// Channel first if it has gone idle, exited, or disconnected.
func (s *Supervisor) SendMessage(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	s.send(msgUserTurn{text: text, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt sends SIGINT to the running agent process, if one is attached.
func (s *Supervisor) Interrupt(ctx context.Context) error {
	reply := make(chan error, 1)
	s.send(msgInterrupt{reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop releases the task's sandbox allocation, tears down the Agent
// Channel, and deregisters this supervisor.
func (s *Supervisor) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	s.send(msgTerminate{reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- agentchannel.Owner ---

func (s *Supervisor) OnChannelReady()                    { s.send(msgChannelReady{}) }
func (s *Supervisor) OnEvent(ev eventparser.Event)       { s.send(msgEvent{ev: ev}) }
func (s *Supervisor) OnStderr(data []byte)               { s.send(msgStderr{data: append([]byte(nil), data...)}) }
func (s *Supervisor) OnExit(code int)                    { s.send(msgExit{code: code}) }
func (s *Supervisor) OnDisconnectedFatal()               { s.send(msgDisconnectedFatal{}) }
func (s *Supervisor) OnDisconnectedRetrying(attempt int)  { s.send(msgDisconnectedRetrying{attempt: attempt}) }
func (s *Supervisor) OnTerminated(reason string)         { s.send(msgTerminatedByChannel{reason: reason}) }

var _ agentchannel.Owner = (*Supervisor)(nil)

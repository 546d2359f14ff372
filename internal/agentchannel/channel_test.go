package agentchannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/eventparser"
	"github.com/kandev/agentd/internal/framecodec"
	"github.com/kandev/agentd/internal/sandboxclient"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

var upgrader = websocket.Upgrader{}

type recordingOwner struct {
	mu       sync.Mutex
	ready    bool
	events   []eventparser.Event
	stderr   [][]byte
	exit     *int
	fatal    bool
	terminated string
}

func (o *recordingOwner) OnChannelReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = true
}
func (o *recordingOwner) OnEvent(ev eventparser.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}
func (o *recordingOwner) OnStderr(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stderr = append(o.stderr, data)
}
func (o *recordingOwner) OnExit(code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := code
	o.exit = &c
}
func (o *recordingOwner) OnDisconnectedFatal() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fatal = true
}
func (o *recordingOwner) OnDisconnectedRetrying(attempt int) {}
func (o *recordingOwner) OnTerminated(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminated = reason
}

type staticOpener struct{ url string }

func (s staticOpener) OpenStreamURL(name string, argv []string, opts sandboxclient.StreamOptions) (string, error) {
	return s.url, nil
}

func TestChannelConnectReceivesStdoutEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()

		frame := append([]byte{1}, []byte(`{"type":"message_stop"}`+"\n")...)
		conn.WriteMessage(websocket.BinaryMessage, frame)
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	owner := &recordingOwner{}
	ch := New("box-1", []string{"agent"}, "tok", staticOpener{url: wsURL}, owner, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		owner.mu.Lock()
		n := len(owner.events)
		ready := owner.ready
		owner.mu.Unlock()
		if ready && n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	owner.mu.Lock()
	defer owner.mu.Unlock()
	if !owner.ready {
		t.Fatal("expected OnChannelReady to have fired")
	}
	if len(owner.events) != 1 || owner.events[0].Kind != eventparser.KindMessageStop {
		t.Fatalf("expected one message_stop event, got %+v", owner.events)
	}
}

func TestChannelConnect404IsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	owner := &recordingOwner{}
	ch := New("box-1", []string{"agent"}, "tok", staticOpener{url: wsURL}, owner, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := ch.Connect(ctx)
	if err == nil {
		t.Fatal("expected error on 404 upgrade")
	}

	owner.mu.Lock()
	defer owner.mu.Unlock()
	if !owner.fatal {
		t.Error("expected OnDisconnectedFatal to have fired")
	}
}

func TestDecoderAndExitFrameKindConstants(t *testing.T) {
	if framecodec.KindExit == framecodec.KindStdout {
		t.Fatal("sanity check: exit and stdout kinds must differ")
	}
}

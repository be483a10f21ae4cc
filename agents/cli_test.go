package agents

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	realtime "github.com/bt-bridge/primer-realtime"
	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type screen struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *screen) WriteString(str string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.WriteString(str)
}

func (s *screen) Close() error { return nil }

func (s *screen) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func newCLIHarness(t *testing.T, pushToTalk bool) (*harness, *CLIAgent, *screen) {
	t.Helper()
	out := new(screen)
	printer, err := shared.NewPrinter("  ", out)
	require.NoError(t, err)
	cli, err := NewCLIAgent(shared.NewNopLogger(), printer)
	require.NoError(t, err)

	h := newHarness(t, func(o *Options) {
		rec := o.Notifier.(*recorder)
		o.Observer = func(s State) {
			rec.observe(s)
			cli.Observe(s)
		}
	})
	h.creds.creds.PushToTalk = pushToTalk
	cli.Attach(h.c)
	return h, cli, out
}

func TestNewCLIAgentValidates(t *testing.T) {
	_, err := NewCLIAgent(nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewCLIAgent(shared.NewNopLogger(), nil)
	assert.Error(t, err)
}

func TestCLIHandleWithoutController(t *testing.T) {
	out := new(screen)
	printer, err := shared.NewPrinter("", out)
	require.NoError(t, err)
	cli, err := NewCLIAgent(shared.NewNopLogger(), printer)
	require.NoError(t, err)

	_, err = cli.Handle(context.Background(), "")
	assert.Error(t, err)
}

func TestCLIEnterConnects(t *testing.T) {
	h, cli, out := newCLIHarness(t, false)

	quit, err := cli.Handle(context.Background(), "")
	cli.Wait()

	require.NoError(t, err)
	assert.False(t, quit)
	assert.Equal(t, StateListening, h.c.State())
	assert.Contains(t, out.String(), "Listening...")
}

func TestCLIDisconnectAbortsPendingConnect(t *testing.T) {
	h, cli, _ := newCLIHarness(t, false)
	h.ex.started = make(chan struct{})
	h.ex.release = make(chan struct{})

	_, err := cli.Handle(context.Background(), "")
	require.NoError(t, err)
	select {
	case <-h.ex.started:
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not start")
	}
	assert.Equal(t, realtime.ConnectionStatusConnecting, h.c.Status())

	_, err = cli.Handle(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, realtime.ConnectionStatusDisconnected, h.c.Status())

	close(h.ex.release)
	cli.Wait()
	assert.Zero(t, h.dial.count())
	assert.Equal(t, StateIdle, h.c.State())
}

func TestCLIInterruptAndDisconnect(t *testing.T) {
	h, cli, out := newCLIHarness(t, false)
	transport := h.connect(t)
	h.emit(realtime.AgentEventAudioStart)

	_, err := cli.Handle(context.Background(), "i")
	require.NoError(t, err)
	assert.Equal(t, StateListening, h.c.State())

	_, err = cli.Handle(context.Background(), " D ")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, 1, transport.closeCount())
	assert.Contains(t, out.String(), "Speaking...")
	assert.Contains(t, out.String(), "Press enter to start")
}

func TestCLIPushToTalkToggles(t *testing.T) {
	h, cli, out := newCLIHarness(t, true)
	transport := h.connect(t)
	assert.True(t, transport.isMuted())

	_, err := cli.Handle(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, transport.isMuted())
	assert.Equal(t, StateListening, h.c.State())
	assert.Contains(t, out.String(), "Talk now")

	_, err = cli.Handle(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, transport.isMuted())
	assert.Equal(t, StateThinking, h.c.State())
	assert.Contains(t, out.String(), "Sent.")
}

func TestCLIEnterWhileConnectedInAutomaticMode(t *testing.T) {
	h, cli, _ := newCLIHarness(t, false)
	h.connect(t)

	_, err := cli.Handle(context.Background(), "")

	assert.NoError(t, err)
	assert.Equal(t, 1, h.dial.count())
}

func TestCLIAlertAndUnknownCommand(t *testing.T) {
	_, cli, out := newCLIHarness(t, false)

	cli.Alert(NoticeMissingKey)
	quit, err := cli.Handle(context.Background(), "xyz")

	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), NoticeMissingKey)
	assert.Contains(t, out.String(), "Unknown command xyz")
}

func TestCLIRunQuits(t *testing.T) {
	h, cli, out := newCLIHarness(t, false)
	in, keys := io.Pipe()
	t.Cleanup(func() { _ = keys.Close() })
	done := make(chan error, 1)
	go func() { done <- cli.Run(context.Background(), in) }()

	_, err := io.WriteString(keys, "\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.c.State() == StateListening }, 2*time.Second, 5*time.Millisecond)
	_, err = io.WriteString(keys, "q\n")
	require.NoError(t, err)

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after quit")
	}
	require.NoError(t, err)
	assert.Equal(t, 1, h.dial.count())
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, 1, h.dial.transport.closeCount())
	assert.Contains(t, out.String(), "Commands")
}

func TestCLIRunStopsAtEOF(t *testing.T) {
	h, cli, _ := newCLIHarness(t, false)

	require.NoError(t, cli.Run(context.Background(), strings.NewReader("")))
	assert.Zero(t, h.dial.count())
}

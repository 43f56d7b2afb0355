package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/tabsync/internal/channel"
	"github.com/zsprackett/tabsync/internal/coordinator"
)

// fakeTransport records published messages and delivers inbound messages
// synchronously.
type fakeTransport struct {
	mu         sync.Mutex
	handlers   []channel.Handler
	published  []channel.Message
	publishErr error
	closed     bool
}

func (f *fakeTransport) Subscribe(h channel.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.handlers)
	f.handlers = append(f.handlers, h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[idx] = nil
	}
}

func (f *fakeTransport) Publish(m channel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, m)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) deliver(m channel.Message) {
	f.mu.Lock()
	hs := append([]channel.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(m)
		}
	}
}

func (f *fakeTransport) actions() []channel.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.Action, len(f.published))
	for i, m := range f.published {
		out[i] = m.Action
	}
	return out
}

func (f *fakeTransport) last() channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

type counters struct {
	prompt, idle, active int
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedToken(tok string) coordinator.Option {
	return coordinator.WithTokenSource(func() string { return tok })
}

func newTestCoordinator(t *testing.T, cb coordinator.Callbacks, opts ...coordinator.Option) (*coordinator.Coordinator, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	opts = append([]coordinator.Option{fixedToken("X"), coordinator.WithLogger(discardLogger())}, opts...)
	c, err := coordinator.New(tr, cb, opts...)
	require.NoError(t, err)
	return c, tr
}

func countingCallbacks(n *counters) coordinator.Callbacks {
	return coordinator.Callbacks{
		OnPrompt: func() { n.prompt++ },
		OnIdle:   func() { n.idle++ },
		OnActive: func() { n.active++ },
	}
}

func from(action channel.Action, token string) channel.Message {
	return channel.Message{Action: action, Token: token}
}

func TestNew_SelfRegistration(t *testing.T) {
	c, tr := newTestCoordinator(t, coordinator.Callbacks{})

	assert.Equal(t, "X", c.Token())
	assert.Equal(t, map[string]coordinator.State{"X": coordinator.StateActive}, c.Registry())
	assert.Contains(t, c.LastActiveRegistry(), "X")
	assert.Equal(t, []channel.Action{channel.ActionRegister}, tr.actions())
	assert.Equal(t, "X", tr.last().Token)
}

func TestNew_DefaultTokenIsUnique(t *testing.T) {
	a, err := coordinator.New(&fakeTransport{}, coordinator.Callbacks{}, coordinator.WithLogger(discardLogger()))
	require.NoError(t, err)
	b, err := coordinator.New(&fakeTransport{}, coordinator.Callbacks{}, coordinator.WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.NotEmpty(t, a.Token())
	assert.NotEqual(t, a.Token(), b.Token())
}

func TestNew_Validation(t *testing.T) {
	_, err := coordinator.New(nil, coordinator.Callbacks{})
	assert.Error(t, err)

	_, err = coordinator.New(&fakeTransport{}, coordinator.Callbacks{}, fixedToken(""))
	assert.Error(t, err)

	_, err = coordinator.Open(context.Background(), channel.NewBus(), "", coordinator.Callbacks{})
	assert.Error(t, err)
}

func TestDispatch_RegisterAddsPeerAsIdle(t *testing.T) {
	c, tr := newTestCoordinator(t, coordinator.Callbacks{})

	snapshot := c.Registry()
	tr.deliver(from(channel.ActionRegister, "Y"))

	assert.Equal(t, map[string]coordinator.State{
		"X": coordinator.StateActive,
		"Y": coordinator.StateIdle,
	}, c.Registry())
	assert.Len(t, snapshot, 1, "snapshots do not alias the registry")
}

func TestDispatch_RegisterIsIdempotent(t *testing.T) {
	clock := time.UnixMilli(1_000)
	c, tr := newTestCoordinator(t, coordinator.Callbacks{},
		coordinator.WithClock(func() time.Time { return clock }))

	tr.deliver(from(channel.ActionRegister, "Y"))
	tr.deliver(from(channel.ActionPrompt, "Y"))
	clock = time.UnixMilli(5_000)
	tr.deliver(from(channel.ActionRegister, "Y"))

	assert.Equal(t, map[string]coordinator.State{
		"X": coordinator.StateActive,
		"Y": coordinator.StatePrompted,
	}, c.Registry())
	assert.Equal(t, int64(5_000), c.LastActiveRegistry()["X"])
}

func TestDispatch_DeregisterRemovesPeer(t *testing.T) {
	c, tr := newTestCoordinator(t, coordinator.Callbacks{}, coordinator.WithSenderFreshness())
	tr.deliver(from(channel.ActionRegister, "Y"))
	require.Contains(t, c.LastActiveRegistry(), "Y")

	tr.deliver(from(channel.ActionDeregister, "Y"))
	assert.NotContains(t, c.Registry(), "Y")
	assert.NotContains(t, c.LastActiveRegistry(), "Y")
}

func TestDispatch_IgnoresUnknownAndOwnMessages(t *testing.T) {
	var n counters
	c, tr := newTestCoordinator(t, countingCallbacks(&n))
	before := len(tr.actions())

	tr.deliver(from(channel.Action("SOMETHING_NEW"), "Y"))
	tr.deliver(from(channel.ActionElectionApply, "Y"))
	tr.deliver(from(channel.ActionIdle, "X"))

	assert.Equal(t, map[string]coordinator.State{"X": coordinator.StateActive}, c.Registry())
	assert.Equal(t, counters{}, n)
	assert.Len(t, tr.actions(), before, "dispatch must never broadcast")
}

func TestIdle_FiresOncePerTransition(t *testing.T) {
	var n counters
	c, tr := newTestCoordinator(t, countingCallbacks(&n))
	tr.deliver(from(channel.ActionRegister, "Y"))

	tr.deliver(from(channel.ActionIdle, "Y"))
	assert.Equal(t, 0, n.idle, "X is still active")
	assert.False(t, c.AllIdle())

	c.Idle()
	assert.Equal(t, 1, n.idle)
	assert.True(t, c.AllIdle())
	assert.Equal(t, channel.ActionIdle, tr.last().Action)

	c.Idle()
	assert.Equal(t, 1, n.idle, "same all-idle snapshot must not fire again")

	tr.deliver(from(channel.ActionActive, "Y"))
	assert.False(t, c.AllIdle())
	tr.deliver(from(channel.ActionIdle, "Y"))
	assert.Equal(t, 2, n.idle, "re-entering all-idle fires again")
}

func TestActive_FiresOnEveryCall(t *testing.T) {
	var n counters
	c, tr := newTestCoordinator(t, countingCallbacks(&n))

	c.Active()
	assert.Equal(t, 1, n.active)

	tr.deliver(from(channel.ActionRegister, "Y"))
	c.Active()
	assert.Equal(t, 2, n.active, "an idle peer must not suppress OnActive")

	tr.deliver(from(channel.ActionActive, "Y"))
	assert.Equal(t, 3, n.active)
	assert.Equal(t, coordinator.StateActive, c.Registry()["Y"])
}

func TestPrompt_AllPrompted(t *testing.T) {
	var n counters
	c, tr := newTestCoordinator(t, countingCallbacks(&n))
	tr.deliver(from(channel.ActionRegister, "Y"))

	c.Prompt()
	assert.Equal(t, 0, n.prompt, "Y is idle")
	assert.Equal(t, channel.ActionPrompt, tr.last().Action)

	tr.deliver(from(channel.ActionPrompt, "Y"))
	assert.Equal(t, 1, n.prompt)

	c.Prompt()
	assert.Equal(t, 2, n.prompt, "all-prompted is not gated")
}

func TestLifecycle_LocalBroadcasts(t *testing.T) {
	var hooks []string
	record := func(name string) func(bool) {
		return func(remote bool) { hooks = append(hooks, name) }
	}
	c, tr := newTestCoordinator(t, coordinator.Callbacks{
		Start: record("start"), Reset: record("reset"), Activate: record("activate"),
		Pause: record("pause"), Resume: record("resume"),
	})

	c.Idle()
	require.True(t, c.AllIdle())
	c.Start()
	assert.False(t, c.AllIdle())
	assert.Equal(t, coordinator.StateActive, c.Registry()["X"])
	c.Reset()
	c.Activate()
	c.Pause()
	c.Resume()

	assert.Equal(t, []channel.Action{
		channel.ActionRegister, channel.ActionIdle,
		channel.ActionStart, channel.ActionReset, channel.ActionActivate,
		channel.ActionPause, channel.ActionResume,
	}, tr.actions())
	assert.Empty(t, hooks, "local commands are not handed to the local hooks")
}

func TestLifecycle_RemoteInvokesHooks(t *testing.T) {
	type call struct {
		name   string
		remote bool
	}
	var calls []call
	record := func(name string) func(bool) {
		return func(remote bool) { calls = append(calls, call{name, remote}) }
	}
	c, tr := newTestCoordinator(t, coordinator.Callbacks{
		Start: record("start"), Reset: record("reset"), Activate: record("activate"),
		Pause: record("pause"), Resume: record("resume"),
	})
	tr.deliver(from(channel.ActionRegister, "Y"))
	before := len(tr.actions())

	for _, act := range []channel.Action{
		channel.ActionStart, channel.ActionReset, channel.ActionActivate,
		channel.ActionPause, channel.ActionResume,
	} {
		tr.deliver(from(act, "Y"))
	}

	assert.Equal(t, []call{
		{"start", true}, {"reset", true}, {"activate", true}, {"pause", true}, {"resume", true},
	}, calls)
	assert.Equal(t, coordinator.StateActive, c.Registry()["Y"])
	assert.Len(t, tr.actions(), before, "remote commands are not re-broadcast")
}

func TestLifecycle_NilHooksAreSafe(t *testing.T) {
	_, tr := newTestCoordinator(t, coordinator.Callbacks{})
	assert.NotPanics(t, func() {
		tr.deliver(from(channel.ActionStart, "Y"))
		tr.deliver(from(channel.ActionPause, "Y"))
		tr.deliver(channel.Message{Action: channel.ActionMessage, Token: "Y", Data: json.RawMessage(`1`)})
	})
}

func TestMessage(t *testing.T) {
	var got []json.RawMessage
	c, tr := newTestCoordinator(t, coordinator.Callbacks{
		OnMessage: func(data json.RawMessage) { got = append(got, data) },
	})

	require.NoError(t, c.Message(map[string]string{"hello": "world"}))
	m := tr.last()
	assert.Equal(t, channel.ActionMessage, m.Action)
	assert.JSONEq(t, `{"hello":"world"}`, string(m.Data))
	assert.Empty(t, got, "own messages are not delivered locally")

	tr.deliver(channel.Message{Action: channel.ActionMessage, Token: "Y", Data: json.RawMessage(`[1,2]`)})
	require.Len(t, got, 1)
	assert.JSONEq(t, `[1,2]`, string(got[0]))

	assert.Error(t, c.Message(make(chan int)))
}

func TestFreshness_DefaultStampsOwnToken(t *testing.T) {
	c, tr := newTestCoordinator(t, coordinator.Callbacks{},
		coordinator.WithClock(func() time.Time { return time.UnixMilli(100) }))

	c.MarkLastActive(200)
	m := tr.last()
	assert.Equal(t, channel.ActionLastActive, m.Action)
	assert.Equal(t, int64(200), m.DateNow)

	tr.deliver(channel.Message{Action: channel.ActionLastActive, Token: "Y", DateNow: 900})
	assert.Equal(t, map[string]int64{"X": 900}, c.LastActiveRegistry())
	assert.True(t, c.IsLastActiveTab())
}

func TestFreshness_SenderAttribution(t *testing.T) {
	c, tr := newTestCoordinator(t, coordinator.Callbacks{},
		coordinator.WithSenderFreshness(),
		coordinator.WithClock(func() time.Time { return time.UnixMilli(100) }))

	c.MarkLastActive(500)
	tr.deliver(channel.Message{Action: channel.ActionLastActive, Token: "Y", DateNow: 400})
	assert.True(t, c.IsLastActiveTab(), "own timestamp is the unique maximum")

	tr.deliver(channel.Message{Action: channel.ActionLastActive, Token: "Z", DateNow: 500})
	assert.True(t, c.IsLastActiveTab(), "a tie is not strictly greater")

	tr.deliver(channel.Message{Action: channel.ActionLastActive, Token: "Y", DateNow: 501})
	assert.False(t, c.IsLastActiveTab())

	tr.deliver(from(channel.ActionDeregister, "Y"))
	assert.True(t, c.IsLastActiveTab())
}

func TestIsLeader_Disabled(t *testing.T) {
	c, _ := newTestCoordinator(t, coordinator.Callbacks{})
	_, err := c.IsLeader()
	assert.ErrorIs(t, err, coordinator.ErrLeaderElectionDisabled)
}

type fakeElector struct {
	mu      sync.Mutex
	leader  bool
	closed  bool
	waiting chan struct{}
}

func (f *fakeElector) WaitForLeadership(ctx context.Context) error {
	close(f.waiting)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeElector) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeElector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestIsLeader_Enabled(t *testing.T) {
	el := &fakeElector{leader: true, waiting: make(chan struct{})}
	var gotToken string
	c, _ := newTestCoordinator(t, coordinator.Callbacks{},
		coordinator.WithLeaderElection(true),
		coordinator.WithElectorFactory(func(_ channel.Transport, token string) coordinator.Elector {
			gotToken = token
			return el
		}))

	select {
	case <-el.waiting:
	case <-time.After(time.Second):
		t.Fatal("election was not started")
	}
	assert.Equal(t, "X", gotToken)

	leader, err := c.IsLeader()
	require.NoError(t, err)
	assert.True(t, leader)

	require.NoError(t, c.Close())
	assert.True(t, el.closed)
}

func TestClose(t *testing.T) {
	c, tr := newTestCoordinator(t, coordinator.Callbacks{})
	require.NoError(t, c.Close())

	assert.Equal(t, channel.ActionDeregister, tr.last().Action)
	assert.True(t, tr.closed)
	assert.ErrorIs(t, c.Close(), coordinator.ErrClosed)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := &fakeTransport{publishErr: errors.New("channel gone")}

	var n counters
	c, err := coordinator.New(tr, countingCallbacks(&n), fixedToken("X"), coordinator.WithLogger(logger))
	require.NoError(t, err)

	assert.NotPanics(t, func() { c.Idle() })
	assert.Equal(t, 1, n.idle, "callbacks still fire when the broadcast fails")
	assert.Contains(t, buf.String(), "channel gone")
}

func TestCallbackMayReenter(t *testing.T) {
	var c *coordinator.Coordinator
	var n counters
	c, _ = newTestCoordinator(t, coordinator.Callbacks{
		OnIdle:   func() { n.idle++; c.Active() },
		OnActive: func() { n.active++ },
	})

	done := make(chan struct{})
	go func() {
		c.Idle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback re-entering the coordinator deadlocked")
	}
	assert.Equal(t, 1, n.idle)
	assert.Equal(t, 1, n.active)
}

type demotingElector struct {
	calls   atomic.Int32
	demoted chan struct{}
}

func (d *demotingElector) WaitForLeadership(ctx context.Context) error {
	d.calls.Add(1)
	return nil
}

func (d *demotingElector) IsLeader() bool { return true }

func (d *demotingElector) Close() error { return nil }

func (d *demotingElector) Demoted() <-chan struct{} { return d.demoted }

func TestLeaderElection_ReappliesAfterDemotion(t *testing.T) {
	el := &demotingElector{demoted: make(chan struct{})}
	c, _ := newTestCoordinator(t, coordinator.Callbacks{},
		coordinator.WithLeaderElection(true),
		coordinator.WithElectorFactory(func(channel.Transport, string) coordinator.Elector { return el }))
	defer c.Close()

	require.Eventually(t, func() bool { return el.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	el.demoted <- struct{}{}
	assert.Eventually(t, func() bool { return el.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

package channel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/tabsync/internal/channel"
)

type recorder struct {
	mu   sync.Mutex
	msgs []channel.Message
}

func (r *recorder) handle(m channel.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []channel.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Message(nil), r.msgs...)
}

func TestBus_DeliversToOthersNotSender(t *testing.T) {
	bus := channel.NewBus()
	a := bus.Endpoint("tabs")
	b := bus.Endpoint("tabs")
	defer a.Close()
	defer b.Close()

	var gotA, gotB recorder
	a.Subscribe(gotA.handle)
	b.Subscribe(gotB.handle)

	require.NoError(t, a.Publish(channel.Message{Action: channel.ActionIdle, Token: "a"}))

	assert.Eventually(t, func() bool { return len(gotB.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, channel.ActionIdle, gotB.snapshot()[0].Action)
	assert.Empty(t, gotA.snapshot(), "publisher must not receive its own message")
}

func TestBus_ScopedByName(t *testing.T) {
	bus := channel.NewBus()
	a := bus.Endpoint("one")
	b := bus.Endpoint("two")
	defer a.Close()
	defer b.Close()

	var got recorder
	b.Subscribe(got.handle)
	require.NoError(t, a.Publish(channel.Message{Action: channel.ActionActive, Token: "a"}))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestBus_PreservesSenderOrder(t *testing.T) {
	bus := channel.NewBus()
	a := bus.Endpoint("tabs")
	b := bus.Endpoint("tabs")
	defer a.Close()
	defer b.Close()

	var got recorder
	b.Subscribe(got.handle)

	actions := []channel.Action{channel.ActionActive, channel.ActionPrompt, channel.ActionIdle, channel.ActionActive}
	for _, act := range actions {
		require.NoError(t, a.Publish(channel.Message{Action: act, Token: "a"}))
	}

	require.Eventually(t, func() bool { return len(got.snapshot()) == len(actions) }, time.Second, 5*time.Millisecond)
	for i, m := range got.snapshot() {
		assert.Equal(t, actions[i], m.Action)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := channel.NewBus()
	a := bus.Endpoint("tabs")
	b := bus.Endpoint("tabs")
	defer a.Close()
	defer b.Close()

	var first, second recorder
	unsub := b.Subscribe(first.handle)
	b.Subscribe(second.handle)
	unsub()
	unsub() // second call is a no-op

	require.NoError(t, a.Publish(channel.Message{Action: channel.ActionPause, Token: "a"}))
	require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, first.snapshot())
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := channel.NewBus()
	a := bus.Endpoint("tabs")
	require.Equal(t, 1, bus.Peers("tabs"))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 0, bus.Peers("tabs"))
	assert.ErrorIs(t, a.Publish(channel.Message{Action: channel.ActionIdle}), channel.ErrClosed)
}

func TestBus_OpenImplementsOpener(t *testing.T) {
	var opener channel.Opener = channel.NewBus()
	tr, err := opener.Open(context.Background(), "tabs")
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, "tabs", tr.(*channel.Endpoint).Name())
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		name    string
		relay   string
		channel string
		want    string
		wantErr bool
	}{
		{name: "ws passthrough", relay: "ws://localhost:8090", channel: "idle", want: "ws://localhost:8090/channels/idle"},
		{name: "http rewritten", relay: "http://localhost:8090/", channel: "idle", want: "ws://localhost:8090/channels/idle"},
		{name: "https rewritten", relay: "https://relay.example/base", channel: "a b", want: "wss://relay.example/base/channels/a%20b"},
		{name: "bad scheme", relay: "ftp://relay", channel: "idle", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := channel.ChannelURL(tt.relay, tt.channel)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAction_Known(t *testing.T) {
	for _, a := range []channel.Action{
		channel.ActionRegister, channel.ActionLastActive, channel.ActionElectionDeath,
	} {
		assert.True(t, a.Known(), a)
	}
	for _, a := range []channel.Action{"", "BOGUS", "register"} {
		assert.False(t, a.Known(), a)
	}
}

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/zsprackett/tabsync/internal/channel"
)

var (
	// ErrLeaderElectionDisabled is returned by IsLeader when the coordinator
	// was built without leader election.
	ErrLeaderElectionDisabled = errors.New(`coordinator: leader election is not enabled, build the coordinator with WithLeaderElection(true)`)
	// ErrClosed is returned by Close on a coordinator that is already closed.
	ErrClosed = errors.New("coordinator: closed")
)

// State is a context's activity state as seen in the registry.
type State int

const (
	StatePrompted State = iota
	StateActive
	StateIdle
)

func (s State) String() string {
	switch s {
	case StatePrompted:
		return "prompted"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Coordinator is one context's view of the shared activity state.
type Coordinator struct {
	transport   channel.Transport
	cb          Callbacks
	cfg         config
	token       string
	elector     Elector
	stopElector context.CancelFunc
	unsubscribe func()

	mu         sync.Mutex
	registry   map[string]State
	lastActive map[string]int64
	allIdle    bool
	closed     bool
}

// Open opens the named channel with opener and builds a Coordinator on it.
func Open(ctx context.Context, opener channel.Opener, channelName string, cb Callbacks, opts ...Option) (*Coordinator, error) {
	if opener == nil {
		return nil, errors.New("coordinator: opener is required")
	}
	if channelName == "" {
		return nil, errors.New("coordinator: channel name is required")
	}
	t, err := opener.Open(ctx, channelName)
	if err != nil {
		return nil, fmt.Errorf("open channel %q: %w", channelName, err)
	}
	c, err := New(t, cb, opts...)
	if err != nil {
		t.Close()
		return nil, err
	}
	return c, nil
}

// New registers a Coordinator on t. The coordinator owns t from here on and
// closes it in Close.
func New(t channel.Transport, cb Callbacks, opts ...Option) (*Coordinator, error) {
	if t == nil {
		return nil, errors.New("coordinator: transport is required")
	}
	cfg := newConfig(opts)
	token := cfg.newToken()
	if token == "" {
		return nil, errors.New("coordinator: token source returned an empty token")
	}

	c := &Coordinator{
		transport:  t,
		cb:         cb,
		cfg:        cfg,
		token:      token,
		registry:   map[string]State{token: StateActive},
		lastActive: map[string]int64{token: cfg.now().UnixMilli()},
	}

	if cfg.leaderElection {
		c.elector = cfg.newElector(t, token)
		ctx, cancel := context.WithCancel(context.Background())
		c.stopElector = cancel
		go c.campaign(ctx)
	}

	c.unsubscribe = t.Subscribe(c.dispatch)
	c.send(channel.ActionRegister)
	return c, nil
}

// campaign keeps this context in the running. An elector that can lose
// leadership after winning it is asked to apply again when it steps down.
func (c *Coordinator) campaign(ctx context.Context) {
	for {
		if err := c.elector.WaitForLeadership(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.cfg.logger.Debug("coordinator: election ended", "token", c.token, "err", err)
			}
			return
		}
		d, ok := c.elector.(demotable)
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-d.Demoted():
		}
	}
}

// Token returns this context's identity.
func (c *Coordinator) Token() string { return c.token }

// IsLeader reports whether this context is the elected leader.
func (c *Coordinator) IsLeader() (bool, error) {
	if c.elector == nil {
		return false, ErrLeaderElectionDisabled
	}
	return c.elector.IsLeader(), nil
}

// IsLastActiveTab reports whether no recorded freshness timestamp is newer
// than this context's own.
func (c *Coordinator) IsLastActiveTab() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	own, ok := c.lastActive[c.token]
	if !ok {
		return false
	}
	for _, v := range c.lastActive {
		if v > own {
			return false
		}
	}
	return true
}

// Registry returns a snapshot of the peer registry.
func (c *Coordinator) Registry() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.registry)
}

// LastActiveRegistry returns a snapshot of the freshness map.
func (c *Coordinator) LastActiveRegistry() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.lastActive)
}

// AllIdle reports whether the registry last reached the all-idle aggregate.
func (c *Coordinator) AllIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allIdle
}

func (c *Coordinator) Prompt()   { c.prompt(c.token) }
func (c *Coordinator) Idle()     { c.idle(c.token) }
func (c *Coordinator) Active()   { c.active(c.token) }
func (c *Coordinator) Start()    { c.start(c.token) }
func (c *Coordinator) Reset()    { c.reset(c.token) }
func (c *Coordinator) Activate() { c.activate(c.token) }
func (c *Coordinator) Pause()    { c.pause(c.token) }
func (c *Coordinator) Resume()   { c.resume(c.token) }

// Message broadcasts data to every other context's OnMessage. Only the
// encoding can fail; delivery is best-effort.
func (c *Coordinator) Message(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.publish(channel.Message{Action: channel.ActionMessage, Token: c.token, Data: raw})
	return nil
}

// MarkLastActive records dateNow (ms since epoch) as this context's last
// activity and broadcasts it.
func (c *Coordinator) MarkLastActive(dateNow int64) {
	c.lastActiveAt(dateNow, c.token)
}

// Close stops leader election, deregisters from the channel and closes the
// transport.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	if c.elector != nil {
		c.stopElector()
		if err := c.elector.Close(); err != nil {
			c.cfg.logger.Debug("coordinator: elector close failed", "err", err)
		}
	}
	c.send(channel.ActionDeregister)
	c.unsubscribe()
	return c.transport.Close()
}

func (c *Coordinator) prompt(token string) {
	c.mu.Lock()
	c.registry[token] = StatePrompted
	all := c.every(StatePrompted)
	c.mu.Unlock()

	if token == c.token {
		c.send(channel.ActionPrompt)
	}
	if all {
		call(c.cb.OnPrompt)
	}
}

func (c *Coordinator) idle(token string) {
	c.mu.Lock()
	c.registry[token] = StateIdle
	fire := !c.allIdle && c.every(StateIdle)
	if fire {
		c.allIdle = true
	}
	c.mu.Unlock()

	if token == c.token {
		c.send(channel.ActionIdle)
	}
	if fire {
		call(c.cb.OnIdle)
	}
}

func (c *Coordinator) active(token string) {
	c.mu.Lock()
	c.allIdle = false
	c.registry[token] = StateActive
	anyActive := c.some(StateActive)
	c.mu.Unlock()

	if token == c.token {
		c.send(channel.ActionActive)
	}
	if anyActive {
		call(c.cb.OnActive)
	}
}

func (c *Coordinator) start(token string) {
	c.rearm(token, channel.ActionStart, c.cb.Start)
}

func (c *Coordinator) reset(token string) {
	c.rearm(token, channel.ActionReset, c.cb.Reset)
}

func (c *Coordinator) activate(token string) {
	c.rearm(token, channel.ActionActivate, c.cb.Activate)
}

// rearm marks token active without evaluating aggregates, then either
// broadcasts the command or hands it to the local timer hook.
func (c *Coordinator) rearm(token string, action channel.Action, hook func(bool)) {
	c.mu.Lock()
	c.allIdle = false
	c.registry[token] = StateActive
	c.mu.Unlock()

	c.relay(token, action, hook)
}

func (c *Coordinator) pause(token string) {
	c.relay(token, channel.ActionPause, c.cb.Pause)
}

func (c *Coordinator) resume(token string) {
	c.relay(token, channel.ActionResume, c.cb.Resume)
}

func (c *Coordinator) relay(token string, action channel.Action, hook func(bool)) {
	if token == c.token {
		c.send(action)
		return
	}
	if hook != nil {
		hook(true)
	}
}

func (c *Coordinator) lastActiveAt(dateNow int64, token string) {
	c.mu.Lock()
	c.lastActive[c.freshnessKey(token)] = dateNow
	c.mu.Unlock()

	if token != c.token {
		return
	}
	c.publish(channel.Message{Action: channel.ActionLastActive, Token: c.token, DateNow: dateNow})
}

// dispatch applies an inbound message. It never broadcasts.
func (c *Coordinator) dispatch(msg channel.Message) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || msg.Token == c.token {
		return
	}

	switch msg.Action {
	case channel.ActionRegister:
		c.mu.Lock()
		if _, ok := c.registry[msg.Token]; !ok {
			c.registry[msg.Token] = StateIdle
		}
		c.mu.Unlock()
		c.touch(msg.Token)
	case channel.ActionDeregister:
		c.mu.Lock()
		delete(c.registry, msg.Token)
		delete(c.lastActive, msg.Token)
		c.mu.Unlock()
	case channel.ActionIdle:
		c.touch(msg.Token)
		c.idle(msg.Token)
	case channel.ActionActive:
		c.touch(msg.Token)
		c.active(msg.Token)
	case channel.ActionPrompt:
		c.touch(msg.Token)
		c.prompt(msg.Token)
	case channel.ActionStart:
		c.touch(msg.Token)
		c.start(msg.Token)
	case channel.ActionReset:
		c.touch(msg.Token)
		c.reset(msg.Token)
	case channel.ActionActivate:
		c.touch(msg.Token)
		c.activate(msg.Token)
	case channel.ActionPause:
		c.touch(msg.Token)
		c.pause(msg.Token)
	case channel.ActionResume:
		c.touch(msg.Token)
		c.resume(msg.Token)
	case channel.ActionMessage:
		c.touch(msg.Token)
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg.Data)
		}
	case channel.ActionLastActive:
		c.lastActiveAt(msg.DateNow, msg.Token)
	default:
		// Unknown actions, including election traffic, are ignored.
	}
}

// touch stamps freshness for a remote event with the current time.
func (c *Coordinator) touch(token string) {
	c.mu.Lock()
	c.lastActive[c.freshnessKey(token)] = c.cfg.now().UnixMilli()
	c.mu.Unlock()
}

// freshnessKey picks the freshness slot a remote event is recorded under.
func (c *Coordinator) freshnessKey(token string) string {
	if c.cfg.senderFreshness {
		return token
	}
	return c.token
}

// every and some must be called with mu held.
func (c *Coordinator) every(s State) bool {
	for _, v := range c.registry {
		if v != s {
			return false
		}
	}
	return true
}

func (c *Coordinator) some(s State) bool {
	for _, v := range c.registry {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Coordinator) send(action channel.Action) {
	c.publish(channel.Message{Action: action, Token: c.token})
}

// publish is best-effort. Failures are logged and dropped.
func (c *Coordinator) publish(msg channel.Message) {
	if err := c.transport.Publish(msg); err != nil {
		c.cfg.logger.Debug("coordinator: publish failed", "action", msg.Action, "token", c.token, "err", err)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// Package election elects at most one leader among the contexts attached to
// a broadcast channel.
//
// A candidate applies by publishing ELECTION_APPLY and waiting ResponseTime.
// The round is lost when an APPLY from a higher token or any ELECTION_TELL
// arrives during the window; otherwise the candidate becomes leader and
// announces itself with TELL. A leader answers every APPLY with TELL and
// publishes ELECTION_DEATH when it closes, which makes the remaining
// candidates apply again at once. Candidates also re-apply every
// FallbackInterval so a leader that vanished without DEATH is replaced.
package election

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/tabsync/internal/channel"
)

const (
	DefaultResponseTime     = 100 * time.Millisecond
	DefaultFallbackInterval = 2 * time.Second
)

// ErrClosed is returned by WaitForLeadership once the elector is closed.
var ErrClosed = errors.New("election: elector closed")

type config struct {
	responseTime     time.Duration
	fallbackInterval time.Duration
	logger           *slog.Logger
}

// Option configures an Elector.
type Option func(*config)

// WithResponseTime sets how long a candidate waits for objections.
func WithResponseTime(d time.Duration) Option {
	return func(c *config) { c.responseTime = d }
}

// WithFallbackInterval sets how often a non-leader re-applies.
func WithFallbackInterval(d time.Duration) Option {
	return func(c *config) { c.fallbackInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// round is one application window.
type round struct {
	lost chan struct{}
	once sync.Once
}

func (r *round) lose() { r.once.Do(func() { close(r.lost) }) }

// Elector takes part in the election on one transport.
type Elector struct {
	transport   channel.Transport
	token       string
	cfg         config
	unsubscribe func()

	mu     sync.Mutex
	leader bool
	closed bool
	round  *round

	wake    chan struct{}
	demoted chan struct{}
	stop    chan struct{}
}

// New subscribes an elector for token to t. It does not apply until
// WaitForLeadership is called.
func New(t channel.Transport, token string, opts ...Option) *Elector {
	cfg := config{
		responseTime:     DefaultResponseTime,
		fallbackInterval: DefaultFallbackInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	e := &Elector{
		transport: t,
		token:     token,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		demoted:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	e.unsubscribe = t.Subscribe(e.handle)
	return e
}

// IsLeader reports whether this context currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Demoted receives a value each time this context steps down in favour of a
// higher token. Callers that want to stay in the running call
// WaitForLeadership again.
func (e *Elector) Demoted() <-chan struct{} {
	return e.demoted
}

// WaitForLeadership applies until this context becomes leader, the context
// is cancelled or the elector is closed.
func (e *Elector) WaitForLeadership(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.fallbackInterval)
	defer ticker.Stop()

	for {
		won, err := e.applyOnce(ctx)
		if err != nil {
			return err
		}
		if won {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return ErrClosed
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// Close leaves the election. A leader announces its departure first.
// Close is idempotent.
func (e *Elector) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	wasLeader := e.leader
	e.leader = false
	if e.round != nil {
		e.round.lose()
	}
	e.mu.Unlock()

	close(e.stop)
	if wasLeader {
		e.publish(channel.ActionElectionDeath)
	}
	e.unsubscribe()
	return nil
}

func (e *Elector) applyOnce(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	if e.leader {
		e.mu.Unlock()
		return true, nil
	}
	r := &round{lost: make(chan struct{})}
	e.round = r
	e.mu.Unlock()

	e.publish(channel.ActionElectionApply)

	timer := time.NewTimer(e.cfg.responseTime)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		e.endRound(r)
		return false, ctx.Err()
	case <-r.lost:
		e.endRound(r)
		return false, nil
	case <-timer.C:
	}

	e.mu.Lock()
	if e.round == r {
		e.round = nil
	}
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	select {
	case <-r.lost:
		e.mu.Unlock()
		return false, nil
	default:
	}
	e.leader = true
	e.mu.Unlock()

	e.cfg.logger.Info("election: became leader", "token", e.token)
	e.publish(channel.ActionElectionTell)
	return true, nil
}

func (e *Elector) endRound(r *round) {
	e.mu.Lock()
	if e.round == r {
		e.round = nil
	}
	e.mu.Unlock()
}

func (e *Elector) handle(msg channel.Message) {
	if msg.Token == e.token {
		return
	}
	switch msg.Action {
	case channel.ActionElectionApply:
		e.mu.Lock()
		leader, r := e.leader, e.round
		e.mu.Unlock()
		if leader {
			e.publish(channel.ActionElectionTell)
			return
		}
		if r != nil && msg.Token > e.token {
			r.lose()
		}

	case channel.ActionElectionTell:
		e.mu.Lock()
		if e.round != nil {
			e.round.lose()
		}
		reassert, demoted := false, false
		if e.leader {
			if msg.Token > e.token {
				e.leader = false
				demoted = true
			} else {
				reassert = true
			}
		}
		e.mu.Unlock()
		if reassert {
			e.publish(channel.ActionElectionTell)
		}
		if demoted {
			e.cfg.logger.Info("election: stepping down", "token", e.token, "leader", msg.Token)
			select {
			case e.demoted <- struct{}{}:
			default:
			}
		}

	case channel.ActionElectionDeath:
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

func (e *Elector) publish(action channel.Action) {
	if err := e.transport.Publish(channel.Message{Action: action, Token: e.token}); err != nil {
		e.cfg.logger.Debug("election: publish failed", "action", action, "err", err)
	}
}

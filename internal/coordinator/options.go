package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/tabsync/internal/channel"
	"github.com/zsprackett/tabsync/internal/election"
)

// Callbacks are the hooks a Coordinator invokes. Any of them may be nil.
// The aggregate callbacks carry no per-peer detail.
type Callbacks struct {
	OnPrompt  func()
	OnIdle    func()
	OnActive  func()
	OnMessage func(data json.RawMessage)

	// Lifecycle hooks for an external idle timer. They are only invoked for
	// commands issued by another context, with remote set to true.
	Start    func(remote bool)
	Reset    func(remote bool)
	Activate func(remote bool)
	Pause    func(remote bool)
	Resume   func(remote bool)
}

// Elector is the leader election collaborator.
type Elector interface {
	WaitForLeadership(ctx context.Context) error
	IsLeader() bool
	Close() error
}

// demotable is implemented by electors that can step down after winning.
type demotable interface {
	Demoted() <-chan struct{}
}

// ElectorFactory builds an Elector for token on the coordinator's transport.
type ElectorFactory func(t channel.Transport, token string) Elector

type config struct {
	leaderElection  bool
	newToken        func() string
	newElector      ElectorFactory
	now             func() time.Time
	logger          *slog.Logger
	senderFreshness bool
}

// Option configures a Coordinator.
type Option func(*config)

// WithLeaderElection enables leader election on the coordinator's channel.
func WithLeaderElection(enabled bool) Option {
	return func(c *config) { c.leaderElection = enabled }
}

// WithTokenSource sets the identity provider. Tokens must be unique per
// context. Defaults to random UUIDs.
func WithTokenSource(fn func() string) Option {
	return func(c *config) { c.newToken = fn }
}

// WithElectorFactory replaces the default broadcast elector.
func WithElectorFactory(fn ElectorFactory) Option {
	return func(c *config) { c.newElector = fn }
}

// WithClock sets the time source used for freshness timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSenderFreshness records remote freshness under the sender's token.
// Without it every remote event stamps the receiver's own token, which is
// what deployed peers expect.
func WithSenderFreshness() Option {
	return func(c *config) { c.senderFreshness = true }
}

func newConfig(opts []Option) config {
	cfg := config{
		newToken: uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.newElector == nil {
		logger := cfg.logger
		cfg.newElector = func(t channel.Transport, token string) Elector {
			return election.New(t, token, election.WithLogger(logger))
		}
	}
	return cfg
}

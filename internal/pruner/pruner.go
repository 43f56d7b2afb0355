package pruner

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/tabsync/internal/db"
	"github.com/zsprackett/tabsync/internal/events"
)

// Pruner trims the presence journal to a retention window.
type Pruner struct {
	db          *db.DB
	broadcaster events.Broadcaster
	retention   time.Duration
	interval    time.Duration
	stop        chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
	logger      *slog.Logger
}

// New returns a Pruner. broadcaster may be nil; otherwise every prune that
// removes rows is announced on it.
func New(store *db.DB, retention time.Duration, broadcaster events.Broadcaster, logger *slog.Logger) *Pruner {
	return &Pruner{
		db:          store,
		broadcaster: broadcaster,
		retention:   retention,
		interval:    10 * time.Minute,
		stop:        make(chan struct{}),
		now:         time.Now,
		logger:      logger,
	}
}

// NewWithClock creates a Pruner with an injectable clock. Used in tests.
func NewWithClock(store *db.DB, retention time.Duration, broadcaster events.Broadcaster, logger *slog.Logger, now func() time.Time) *Pruner {
	p := New(store, retention, broadcaster, logger)
	p.now = now
	return p
}

func (p *Pruner) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.prune()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.prune()
			}
		}
	}()
}

func (p *Pruner) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// RunOnce runs a single prune cycle synchronously and returns the number of
// rows removed.
func (p *Pruner) RunOnce() int64 {
	return p.prune()
}

func (p *Pruner) prune() int64 {
	if p.retention <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.db.PruneBefore(cutoff)
	if err != nil {
		p.logger.Warn("pruner: prune failed", "err", err)
		return 0
	}
	if n > 0 {
		p.logger.Info("pruner: removed journal rows", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
		events.Send(p.broadcaster, events.Event{Type: events.TypePruned, Rows: n, At: p.now()})
	}
	return n
}

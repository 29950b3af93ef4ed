// Package poller implements the Master Poller: it snapshots the master
// account's orders and positions at a fixed interval, diffs against the last
// known snapshot, and emits an ordered, lazy, non-restartable stream of
// OrderEvents consumed by the replication engine.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// Broker is the slice of the broker client the poller needs.
type Broker interface {
	ListOrders(ctx context.Context, token string, accountID int64) ([]domain.BrokerOrder, error)
	ListPositions(ctx context.Context, token string, accountID int64) (map[string]int, error)
}

// Sessions supplies valid tokens for the master account.
type Sessions interface {
	Acquire(ctx context.Context, accountID string) (domain.Session, error)
	Invalidate(accountID string)
}

// Governor throttles the outbound poll calls.
type Governor interface {
	Acquire(ctx context.Context, accountID string) error
	Penalize(accountID string, retryAfter time.Duration)
}

// Config holds poller parameters.
type Config struct {
	Interval      time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	DegradedAfter int
}

// Poller watches one master account. Create with New, run with Run, consume
// Events. The event channel is closed when Run returns; a Poller must not be
// restarted.
type Poller struct {
	broker    Broker
	sessions  Sessions
	governor  Governor
	events    domain.EventStore
	cfg       Config
	masterID  string
	logger    *slog.Logger
	out       chan domain.OrderEvent
	onDegrade func(failures int)

	mu            sync.Mutex
	health        domain.PollerHealth
	lastPositions map[string]int
}

// New creates a Poller for the given master account id. events may be nil in
// tests; when set, every emitted event is persisted and the sequence resumes
// from the store across restarts.
func New(broker Broker, sessions Sessions, governor Governor, events domain.EventStore, cfg Config, masterID string, logger *slog.Logger) *Poller {
	if cfg.DegradedAfter < 1 {
		cfg.DegradedAfter = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = cfg.Interval
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Poller{
		broker:   broker,
		sessions: sessions,
		governor: governor,
		events:   events,
		cfg:      cfg,
		masterID: masterID,
		logger:   logger.With(slog.String("component", "poller")),
		out:      make(chan domain.OrderEvent, 64),
	}
}

// SetDegradeFunc registers a callback fired once each time the poller
// crosses the consecutive-failure threshold. Must be set before Run.
func (p *Poller) SetDegradeFunc(fn func(failures int)) {
	p.onDegrade = fn
}

// Events returns the ordered event stream. Closed when Run returns.
func (p *Poller) Events() <-chan domain.OrderEvent {
	return p.out
}

// Health returns the poller's current health for the status surface.
func (p *Poller) Health() domain.PollerHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// MasterPositions returns the most recent master position snapshot.
func (p *Poller) MasterPositions() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.lastPositions))
	for k, v := range p.lastPositions {
		out[k] = v
	}
	return out
}

// Run polls until the context is cancelled. On poll failure no events are
// emitted for that cycle; the wait until the next attempt grows
// exponentially up to BackoffMax and resets on the first success.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.out)

	seq := int64(0)
	if p.events != nil {
		last, err := p.events.LastSeq(ctx)
		if err != nil {
			p.logger.Warn("could not resume event sequence, starting at zero",
				slog.String("error", err.Error()),
			)
		} else {
			seq = last
		}
	}

	p.logger.Info("poller started",
		slog.String("master", p.masterID),
		slog.Duration("interval", p.cfg.Interval),
		slog.Int64("resume_seq", seq),
	)
	defer p.logger.Info("poller stopped")

	var (
		prev     map[string]domain.BrokerOrder
		first    = true
		failures = 0
	)

	for {
		wait := p.cfg.Interval
		if failures > 0 {
			wait = backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, failures)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		orders, positions, err := p.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			p.recordFailure(failures)
			p.logger.Warn("poll cycle failed",
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
			continue
		}
		failures = 0

		curr := snapshotByID(orders)
		if first {
			// The first snapshot seeds the baseline; pre-existing orders are
			// not replayed as events.
			first = false
			prev = curr
			p.recordSuccess(seq, positions)
			continue
		}

		for _, c := range diffOrders(prev, curr) {
			seq++
			ev := domain.OrderEvent{
				Seq:           seq,
				MasterOrderID: c.order.OrderID,
				Symbol:        c.order.Symbol,
				Side:          c.order.Side,
				Quantity:      c.order.Quantity,
				FilledQty:     c.order.FilledQty,
				Price:         c.order.Price,
				OrderType:     c.order.OrderType,
				Type:          c.typ,
				Timestamp:     time.Now().UTC(),
			}
			if p.events != nil {
				if err := p.events.Append(ctx, ev); err != nil {
					p.logger.Error("event persist failed",
						slog.Int64("seq", ev.Seq),
						slog.String("error", err.Error()),
					)
				}
			}
			select {
			case p.out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		prev = curr
		p.recordSuccess(seq, positions)
	}
}

// pollOnce performs one governed snapshot round trip.
func (p *Poller) pollOnce(ctx context.Context) ([]domain.BrokerOrder, map[string]int, error) {
	sess, err := p.sessions.Acquire(ctx, p.masterID)
	if err != nil {
		return nil, nil, err
	}

	if err := p.governor.Acquire(ctx, p.masterID); err != nil {
		return nil, nil, err
	}
	orders, err := p.broker.ListOrders(ctx, sess.AccessToken, sess.BrokerAccountID)
	if err != nil {
		p.reactToError(err)
		return nil, nil, err
	}

	if err := p.governor.Acquire(ctx, p.masterID); err != nil {
		return nil, nil, err
	}
	positions, err := p.broker.ListPositions(ctx, sess.AccessToken, sess.BrokerAccountID)
	if err != nil {
		p.reactToError(err)
		return nil, nil, err
	}

	return orders, positions, nil
}

// reactToError feeds throttle and auth responses back into the governor and
// session manager.
func (p *Poller) reactToError(err error) {
	if retryAfter, ok := domain.IsRateLimited(err); ok {
		p.governor.Penalize(p.masterID, retryAfter)
	}
	if domain.IsAuthError(err) {
		p.sessions.Invalidate(p.masterID)
	}
}

func (p *Poller) recordSuccess(seq int64, positions map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = domain.PollerHealth{
		LastPollAt:          time.Now().UTC(),
		LastEventSeq:        seq,
		ConsecutiveFailures: 0,
		Degraded:            false,
	}
	p.lastPositions = positions
}

func (p *Poller) recordFailure(failures int) {
	p.mu.Lock()
	degradedNow := failures == p.cfg.DegradedAfter
	p.health.ConsecutiveFailures = failures
	p.health.Degraded = failures >= p.cfg.DegradedAfter
	p.mu.Unlock()

	if degradedNow && p.onDegrade != nil {
		p.onDegrade(failures)
	}
}

// backoff computes the capped exponential delay for the nth consecutive
// failure (n >= 1).
func backoff(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

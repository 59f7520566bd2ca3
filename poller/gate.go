package poller

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/screwyprof/adpoller/pkg/clock"
)

// GateConfig bounds and steps of the adaptive admission gate.
// Throttling steps concurrency down and the interval up; calm periods do the reverse.
type GateConfig struct {
	ConcurrencyFloor int
	ConcurrencyCeil  int
	ConcurrencyStart int

	IntervalFloor time.Duration
	IntervalCeil  time.Duration
	IntervalStart time.Duration

	StepDownConcurrency int           // subtracted from the limit on a 429
	StepDownInterval    time.Duration // added to the interval on a 429
	StepUpConcurrency   int           // added to the limit after a calm cooldown
	StepUpInterval      time.Duration // subtracted from the interval after a calm cooldown

	Cooldown time.Duration
}

// DefaultGateConfig returns the production tuning bounds
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ConcurrencyFloor:    2,
		ConcurrencyCeil:     4,
		ConcurrencyStart:    2,
		IntervalFloor:       300 * time.Millisecond,
		IntervalCeil:        800 * time.Millisecond,
		IntervalStart:       450 * time.Millisecond,
		StepDownConcurrency: 1,
		StepDownInterval:    75 * time.Millisecond,
		StepUpConcurrency:   1,
		StepUpInterval:      35 * time.Millisecond,
		Cooldown:            time.Minute,
	}
}

func (c GateConfig) normalized() GateConfig {
	c.ConcurrencyFloor = max(1, c.ConcurrencyFloor)
	c.ConcurrencyCeil = max(c.ConcurrencyFloor, c.ConcurrencyCeil)
	c.ConcurrencyStart = min(max(c.ConcurrencyStart, c.ConcurrencyFloor), c.ConcurrencyCeil)
	c.IntervalFloor = max(0, c.IntervalFloor)
	c.IntervalCeil = max(c.IntervalFloor, c.IntervalCeil)
	c.IntervalStart = min(max(c.IntervalStart, c.IntervalFloor), c.IntervalCeil)
	return c
}

// RateState is a snapshot of the gate's tuning
type RateState struct {
	ConcurrencyLimit int
	MinInterval      time.Duration
	LastThrottleAt   time.Time
	LastTuneUpAt     time.Time
	InFlight         int
	Waiting          int
}

// Gate is the process-wide admission gate. It bounds in-flight calls and
// spaces call starts by at least the current interval.
type Gate struct {
	cfg   GateConfig
	clock clock.Clock
	log   *slog.Logger

	mu       sync.Mutex
	state    RateState
	inFlight int
	waiters  []chan struct{}
	pacer    *rate.Limiter
}

// NewGate constructs a Gate starting at the configured start values
func NewGate(cfg GateConfig, opts ...Option) *Gate {
	cm := newCommon(opts)
	cfg = cfg.normalized()
	now := cm.clock.Now()

	g := &Gate{
		cfg:   cfg,
		clock: cm.clock,
		log:   cm.log,
		state: RateState{
			ConcurrencyLimit: cfg.ConcurrencyStart,
			MinInterval:      cfg.IntervalStart,
			LastTuneUpAt:     now,
		},
	}
	g.pacer = rate.NewLimiter(limitFor(cfg.IntervalStart), 1)
	return g
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Acquire waits for a free slot and then for the next start time.
// Every successful Acquire must be paired with Release.
func (g *Gate) Acquire(ctx context.Context) error {
	g.maybeTuneUp()

	if err := g.acquireSlot(ctx); err != nil {
		return err
	}
	if err := g.pace(ctx); err != nil {
		g.Release()
		return err
	}
	return nil
}

// Release frees a slot and admits the next waiter
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight = max(0, g.inFlight-1)
	g.admitLocked()
}

// Throttled records a 429 and steps the gate down
func (g *Gate) Throttled() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.state.LastThrottleAt = now

	prevLimit, prevInterval := g.state.ConcurrencyLimit, g.state.MinInterval
	g.state.ConcurrencyLimit = max(g.cfg.ConcurrencyFloor, prevLimit-g.cfg.StepDownConcurrency)
	g.state.MinInterval = min(g.cfg.IntervalCeil, prevInterval+g.cfg.StepDownInterval)

	if g.state.MinInterval != prevInterval {
		g.pacer.SetLimitAt(now, limitFor(g.state.MinInterval))
	}
	if g.state.ConcurrencyLimit != prevLimit || g.state.MinInterval != prevInterval {
		g.log.Warn("Rate gate stepped down",
			slog.Int("concurrency", g.state.ConcurrencyLimit),
			slog.Int("prevConcurrency", prevLimit),
			slog.Duration("interval", g.state.MinInterval),
			slog.Duration("prevInterval", prevInterval),
		)
	}
}

// State returns a snapshot of the current tuning
func (g *Gate) State() RateState {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state
	s.InFlight = g.inFlight
	s.Waiting = len(g.waiters)
	return s
}

func (g *Gate) maybeTuneUp() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if now.Sub(g.state.LastThrottleAt) < g.cfg.Cooldown || now.Sub(g.state.LastTuneUpAt) < g.cfg.Cooldown {
		return
	}

	prevLimit, prevInterval := g.state.ConcurrencyLimit, g.state.MinInterval
	g.state.ConcurrencyLimit = min(g.cfg.ConcurrencyCeil, prevLimit+g.cfg.StepUpConcurrency)
	g.state.MinInterval = max(g.cfg.IntervalFloor, prevInterval-g.cfg.StepUpInterval)
	g.state.LastTuneUpAt = now

	if g.state.MinInterval != prevInterval {
		g.pacer.SetLimitAt(now, limitFor(g.state.MinInterval))
	}
	if g.state.ConcurrencyLimit != prevLimit || g.state.MinInterval != prevInterval {
		g.log.Info("Rate gate stepped up",
			slog.Int("concurrency", g.state.ConcurrencyLimit),
			slog.Int("prevConcurrency", prevLimit),
			slog.Duration("interval", g.state.MinInterval),
			slog.Duration("prevInterval", prevInterval),
		)
		g.admitLocked()
	}
}

func (g *Gate) acquireSlot(ctx context.Context) error {
	g.mu.Lock()
	if g.inFlight < g.state.ConcurrencyLimit && len(g.waiters) == 0 {
		g.inFlight++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	select {
	case <-ready:
		// admitted while giving up; hand the slot on
		g.inFlight = max(0, g.inFlight-1)
		g.admitLocked()
	default:
		g.waiters = slices.DeleteFunc(g.waiters, func(w chan struct{}) bool { return w == ready })
	}
	g.mu.Unlock()
	return ctx.Err()
}

// admitLocked hands free slots to waiters in arrival order
func (g *Gate) admitLocked() {
	for g.inFlight < g.state.ConcurrencyLimit && len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.inFlight++
		close(next)
	}
}

func (g *Gate) pace(ctx context.Context) error {
	g.mu.Lock()
	now := g.clock.Now()
	r := g.pacer.ReserveN(now, 1)
	g.mu.Unlock()

	if !r.OK() {
		return nil
	}
	if err := clock.Sleep(ctx, g.clock, r.DelayFrom(now)); err != nil {
		g.mu.Lock()
		r.CancelAt(g.clock.Now())
		g.mu.Unlock()
		return err
	}
	return nil
}

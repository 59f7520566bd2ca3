package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/screwyprof/adpoller/pkg/adsapi"
	"github.com/screwyprof/adpoller/pkg/clock"
	"github.com/screwyprof/adpoller/pkg/httpkit"
)

// RetryConfig is the per-call retry policy
type RetryConfig struct {
	Budget    int           // retries after the first attempt
	BaseDelay time.Duration // used when the server sends no Retry-After
	Jitter    time.Duration // random extra delay on top of BaseDelay
	MaxWait   time.Duration // upper bound on a server Retry-After; zero leaves it unbounded
}

// DefaultRetryConfig returns the production retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Budget:    1,
		BaseDelay: 1500 * time.Millisecond,
		Jitter:    time.Second,
		MaxWait:   time.Minute,
	}
}

// Call is one request whose credential is read on every attempt
type Call struct {
	Request    adsapi.Request
	Credential func() string
}

// Caller executes calls through the gate with bounded retries
type Caller struct {
	client Client
	gate   *Gate
	cfg    RetryConfig
	clock  clock.Clock
	log    *slog.Logger
}

// NewCaller constructs a Caller
func NewCaller(client Client, gate *Gate, cfg RetryConfig, opts ...Option) *Caller {
	cm := newCommon(opts)
	return &Caller{
		client: client,
		gate:   gate,
		cfg:    cfg,
		clock:  cm.clock,
		log:    cm.log,
	}
}

// Do runs the call. Failures come back wrapped in ErrFatalAuth, ErrTerminal
// or ErrRetriesExhausted; a cancelled ctx is returned as is.
func (c *Caller) Do(ctx context.Context, call Call) (json.RawMessage, error) {
	hints := &hintBackOff{cfg: c.cfg}
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.cfg.Budget > 0 {
		policy = backoff.WithMaxRetries(hints, uint64(c.cfg.Budget))
	}

	attempt := 0
	op := func() (json.RawMessage, error) {
		attempt++
		body, err := c.attempt(ctx, call)
		if err == nil {
			return body, nil
		}
		hints.last = err

		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		switch Classify(err) {
		case ClassFatalAuth:
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrFatalAuth, err))
		case ClassRetryable:
			return nil, err
		default:
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrTerminal, err))
		}
	}

	notify := func(err error, delay time.Duration) {
		c.log.Warn("Retrying call",
			slog.String("uri", call.Request.URL),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	}

	body, err := backoff.RetryNotifyWithTimerAndData[json.RawMessage](op, backoff.WithContext(policy, ctx), notify, &clockTimer{clock: c.clock})
	if err == nil {
		return body, nil
	}
	if ctx.Err() != nil || Classify(err) != ClassRetryable {
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
}

func (c *Caller) attempt(ctx context.Context, call Call) (json.RawMessage, error) {
	req := call.Request
	if call.Credential != nil {
		req.Credential = call.Credential()
		if req.Credential == "" {
			return nil, ErrEmptyCredential
		}
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	body, err := c.client.Do(ctx, req)
	if err != nil && IsThrottled(err) {
		c.gate.Throttled()
	}
	return body, err
}

// hintBackOff waits for the server's Retry-After when present,
// otherwise for the base delay plus random jitter.
type hintBackOff struct {
	cfg  RetryConfig
	last error
}

func (b *hintBackOff) NextBackOff() time.Duration {
	if hint, ok := httpkit.RetryHint(b.last); ok {
		if b.cfg.MaxWait > 0 {
			return min(hint, b.cfg.MaxWait)
		}
		return hint
	}
	d := b.cfg.BaseDelay
	if b.cfg.Jitter > 0 {
		d += rand.N(b.cfg.Jitter)
	}
	return d
}

func (b *hintBackOff) Reset() { b.last = nil }

// clockTimer drives backoff waits from the injected clock
type clockTimer struct {
	clock clock.Clock
	c     <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clock.After(d) }

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }

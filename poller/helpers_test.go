package poller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/screwyprof/adpoller/pkg/adsapi"
	"github.com/screwyprof/adpoller/pkg/httpkit"
	"github.com/screwyprof/adpoller/pkg/logger"
	"github.com/screwyprof/adpoller/poller"
)

// fakeClock advances its own time on every After and records the waits
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.waits = append(f.waits, d)
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

// clientFunc adapts a function to poller.Client
type clientFunc func(ctx context.Context, req adsapi.Request) (json.RawMessage, error)

func (f clientFunc) Do(ctx context.Context, req adsapi.Request) (json.RawMessage, error) {
	return f(ctx, req)
}

func statusErr(code int) error {
	return &httpkit.StatusError{Code: code, Method: http.MethodPost, URL: "https://api.test/v1"}
}

func throttledAfter(d time.Duration) error {
	return &httpkit.StatusError{Code: http.StatusTooManyRequests, RetryAfter: d, HasRetry: true}
}

// unpacedGate admits calls without spacing so tests are not slowed by pacing
func unpacedGate(clk *fakeClock, concurrency int) *poller.Gate {
	cfg := poller.DefaultGateConfig()
	cfg.ConcurrencyFloor, cfg.ConcurrencyCeil, cfg.ConcurrencyStart = concurrency, concurrency, concurrency
	cfg.IntervalFloor, cfg.IntervalCeil, cfg.IntervalStart = 0, 0, 0
	cfg.StepDownInterval, cfg.StepUpInterval = 0, 0
	return poller.NewGate(cfg, testOpts(clk)...)
}

func testOpts(clk *fakeClock) []poller.Option {
	return []poller.Option{poller.WithClock(clk), poller.WithLogger(logger.Discard())}
}

func noRetry() poller.RetryConfig {
	return poller.RetryConfig{Budget: 0, BaseDelay: time.Millisecond}
}

// sourceFunc adapts a function to poller.CredentialSource
type sourceFunc func(ctx context.Context, storeKey string) (string, error)

func (f sourceFunc) Refresh(ctx context.Context, storeKey string) (string, error) {
	return f(ctx, storeKey)
}

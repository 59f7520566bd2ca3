// Package poller walks an advertising platform's fetch topology for many store
// accounts, paces its calls through an adaptive rate gate and resumes accounts
// whose credentials expired mid-run from an exact checkpoint.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/screwyprof/adpoller/pkg/adsapi"
	"github.com/screwyprof/adpoller/pkg/clock"
)

// Sentinel errors for failure cases
var (
	ErrFatalAuth         = errors.New("authentication rejected")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrTerminal          = errors.New("terminal request failure")
	ErrMalformedResponse = errors.New("malformed response")
	ErrRefreshFailed     = errors.New("credential refresh failed")
	ErrAuthExhausted     = errors.New("authentication still failing after all cycles")
	ErrEmptyCredential   = errors.New("empty credential")
	ErrNoTokens          = errors.New("no tokens to process")
	ErrDuplicateStore    = errors.New("duplicate store key")
	ErrUnknownGroup      = errors.New("unknown entity group")
	ErrUnknownExtractor  = errors.New("unknown extractor")
	ErrUnknownFormatter  = errors.New("unknown formatter")
	ErrInvalidTopology   = errors.New("invalid topology")
)

// Client performs one call against the advertising API
// ----------------------------------------------------
type Client interface {
	Do(ctx context.Context, req adsapi.Request) (json.RawMessage, error)
}

// CredentialSource renews the credential of one store account
type CredentialSource interface {
	Refresh(ctx context.Context, storeKey string) (string, error)
}

// CheckpointStore keeps the resume point of stores that ended a run unfinished
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, storeKey string, cp Checkpoint, cause error) error
	DeleteCheckpoint(ctx context.Context, storeKey string) error
}

// RefreshHook is invoked after a store's credential was renewed
type RefreshHook func(ctx context.Context, storeKey, credential string) error

// Row is one decoded or formatted entity
type Row = map[string]any

// Token identifies one store account and its bearer credential
type Token struct {
	StoreKey   string
	Credential string
}

// Window is the reporting date range sent with every request
type Window struct {
	Start string
	End   string
}

// RunContext carries per-run lookups used by the formatters
type RunContext struct {
	Window Window
	Brands map[string]string // storeKey -> brand name
	Pins   map[string]string // campaign id -> pin timestamp
}

// TokenStatus is the lifecycle state of one token within a run
type TokenStatus int

const (
	StatusPending TokenStatus = iota
	StatusRunning
	StatusSucceeded
	StatusAwaitingRefresh
	StatusFailed
)

func (s TokenStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusAwaitingRefresh:
		return "awaiting_refresh"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StoreResult is the final outcome of one token
type StoreResult struct {
	StoreKey   string
	Status     TokenStatus
	Rows       map[string][]Row
	Err        error
	Checkpoint *Checkpoint
	Attempts   int
}

// RunResult is the engine's output for one invocation
type RunResult struct {
	RunID                uuid.UUID
	StartedAt            time.Time
	FinishedAt           time.Time
	Stores               []StoreResult
	TotalProcessed       int
	SuccessfulStores     []string
	FailedStores         []string
	RefreshedCredentials []string
}

// Store returns the result for storeKey
func (r RunResult) Store(storeKey string) (StoreResult, bool) {
	for _, s := range r.Stores {
		if s.StoreKey == storeKey {
			return s, true
		}
	}
	return StoreResult{}, false
}

// Option configures the ambient dependencies shared by every component
// ---------------------------------------------------------------------
type Option func(*common)

type common struct {
	clock clock.Clock
	log   *slog.Logger
}

func newCommon(opts []Option) common {
	c := common{
		clock: clock.SystemClock{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithClock injects a custom Clock (e.g., for testing)
func WithClock(c clock.Clock) Option {
	return func(cm *common) { cm.clock = c }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(cm *common) { cm.log = l }
}

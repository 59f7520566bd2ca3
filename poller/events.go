package poller

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a run lifecycle event
// --------------------------------------
type Event any

type RunStarted struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Tokens    int
}

type TokenStarted struct {
	StoreKey string
	Cycle    int
	Resume   *Checkpoint
}

type TokenFinished struct {
	StoreKey string
	Cycle    int
	Status   TokenStatus
	Rows     int
	Err      error
}

type TokenAwaitingRefresh struct {
	StoreKey   string
	Cycle      int
	Checkpoint Checkpoint
	Err        error
}

type CredentialRefreshed struct {
	StoreKey string
	Cycle    int
}

type CredentialRefreshFailed struct {
	StoreKey string
	Cycle    int
	Err      error
}

type RunFinished struct {
	RunID      uuid.UUID
	Duration   time.Duration
	Successful int
	Failed     int
}

// RunFailed is emitted instead of RunFinished when the run could not start
type RunFailed struct {
	Err error
}

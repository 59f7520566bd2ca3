package poller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/screwyprof/adpoller/pkg/clock"
)

// Default orchestration values
const (
	DefaultMaxCycles    = 2
	DefaultTokenTimeout = 15 * time.Minute
)

// persistTimeout bounds checkpoint bookkeeping at the end of a run
const persistTimeout = 10 * time.Second

// OrchestratorConfig controls the refresh cycles of a run
type OrchestratorConfig struct {
	MaxCycles        int
	TokenConcurrency int
	TokenTimeout     time.Duration   // per token attempt; zero disables it
	Checkpoints      CheckpointStore // optional
	OnRefreshed      RefreshHook     // optional
}

// DefaultOrchestratorConfig returns the production orchestration settings
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxCycles:        DefaultMaxCycles,
		TokenConcurrency: 1,
		TokenTimeout:     DefaultTokenTimeout,
	}
}

// Orchestrator runs every token through the processor, refreshing the
// credentials of tokens rejected with fatal auth between cycles.
type Orchestrator struct {
	processor *Processor
	refresher *Refresher
	cfg       OrchestratorConfig
	clock     clock.Clock
	log       *slog.Logger
}

// NewOrchestrator constructs an Orchestrator
func NewOrchestrator(processor *Processor, refresher *Refresher, cfg OrchestratorConfig, opts ...Option) *Orchestrator {
	cm := newCommon(opts)
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = DefaultMaxCycles
	}
	cfg.TokenConcurrency = max(1, cfg.TokenConcurrency)
	return &Orchestrator{
		processor: processor,
		refresher: refresher,
		cfg:       cfg,
		clock:     cm.clock,
		log:       cm.log.With(slog.String("component", "orchestrator")),
	}
}

// Run processes tokens to completion. It fails only on invalid input; the
// outcome of every token is reported on the result.
func (o *Orchestrator) Run(ctx context.Context, tokens []Token, topo Topology, rc RunContext) (RunResult, error) {
	return o.run(ctx, tokens, topo, rc, func(Event) {})
}

// Start launches Run in the background and returns the events channel and
// the result channel. The events channel is closed once the run ends. The
// result channel yields one RunResult, or is closed empty when the run could
// not start (a RunFailed event carries the reason).
//
// Example:
//
//	events, done := o.Start(ctx, tokens, topo, rc)
//	closer := poller.NewSubscriber(events, ...)
//	res, ok := <-done
//	closer()
func (o *Orchestrator) Start(ctx context.Context, tokens []Token, topo Topology, rc RunContext) (<-chan Event, <-chan RunResult) {
	events := make(chan Event, 16)
	done := make(chan RunResult, 1)
	go func() {
		defer close(done)
		defer close(events)
		res, err := o.run(ctx, tokens, topo, rc, func(e Event) { events <- e })
		if err != nil {
			events <- RunFailed{Err: err}
			return
		}
		done <- res
	}()
	return events, done
}

// tokenState tracks one token across cycles. It is only written by the
// goroutine currently working on the token.
type tokenState struct {
	storeKey   string
	status     TokenStatus
	checkpoint *Checkpoint
	acc        *accumulator
	errs       []error // non-fatal failures of every attempt
	authErr    error
	attempts   int
}

func (s *tokenState) err() error {
	errs := slices.Clone(s.errs)
	if s.status == StatusFailed && s.authErr != nil {
		errs = append(errs, s.authErr)
	}
	return errors.Join(errs...)
}

// credentials is the live credential set, replaced by refreshes and re-read on every call
type credentials struct {
	mu sync.RWMutex
	m  map[string]string
}

func (c *credentials) get(storeKey string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m[storeKey]
}

func (c *credentials) set(storeKey, cred string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[storeKey] = cred
}

func (o *Orchestrator) run(ctx context.Context, tokens []Token, topo Topology, rc RunContext, emit func(Event)) (RunResult, error) {
	if len(tokens) == 0 {
		return RunResult{}, ErrNoTokens
	}

	creds := &credentials{m: make(map[string]string, len(tokens))}
	states := make([]*tokenState, 0, len(tokens))
	for _, t := range tokens {
		if _, dup := creds.m[t.StoreKey]; dup {
			return RunResult{}, fmt.Errorf("%w: %s", ErrDuplicateStore, t.StoreKey)
		}
		creds.m[t.StoreKey] = t.Credential
		states = append(states, &tokenState{storeKey: t.StoreKey, acc: newAccumulator()})
	}

	res := RunResult{RunID: uuid.New(), StartedAt: o.clock.Now()}
	log := o.log.With(slog.String("run", res.RunID.String()))
	log.Info("Run started", slog.Int("tokens", len(tokens)), slog.String("topology", topo.Name))
	emit(RunStarted{RunID: res.RunID, StartedAt: res.StartedAt, Tokens: len(tokens)})

	var refreshedMu sync.Mutex
	for cycle := 1; cycle <= o.cfg.MaxCycles; cycle++ {
		pending := filterStates(states, StatusPending, StatusAwaitingRefresh)
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}

		log.Info("Cycle started", slog.Int("cycle", cycle), slog.Int("tokens", len(pending)))
		g := new(errgroup.Group)
		g.SetLimit(o.cfg.TokenConcurrency)
		for _, st := range pending {
			g.Go(func() error {
				o.runToken(ctx, st, cycle, topo, rc, creds, emit, log)
				return nil
			})
		}
		_ = g.Wait()

		awaiting := filterStates(states, StatusAwaitingRefresh)
		if len(awaiting) == 0 {
			break
		}
		if cycle == o.cfg.MaxCycles {
			for _, st := range awaiting {
				st.status = StatusFailed
				st.authErr = fmt.Errorf("%w: %w", ErrAuthExhausted, st.authErr)
				log.Error("Credential still rejected", slog.String("store", st.storeKey), slog.Int("attempts", st.attempts))
				emit(TokenFinished{StoreKey: st.storeKey, Cycle: cycle, Status: st.status, Err: st.err()})
			}
			break
		}

		rg := new(errgroup.Group)
		for _, st := range awaiting {
			rg.Go(func() error {
				cred, err := o.refresher.Refresh(ctx, st.storeKey)
				if err != nil {
					st.status = StatusFailed
					st.authErr = err
					log.Error("Credential refresh failed", slog.String("store", st.storeKey), slog.Any("error", err))
					emit(CredentialRefreshFailed{StoreKey: st.storeKey, Cycle: cycle, Err: err})
					emit(TokenFinished{StoreKey: st.storeKey, Cycle: cycle, Status: st.status, Err: st.err()})
					return nil
				}

				creds.set(st.storeKey, cred)
				refreshedMu.Lock()
				res.RefreshedCredentials = append(res.RefreshedCredentials, st.storeKey)
				refreshedMu.Unlock()

				if o.cfg.OnRefreshed != nil {
					if err := o.cfg.OnRefreshed(ctx, st.storeKey, cred); err != nil {
						log.Warn("Refresh hook failed", slog.String("store", st.storeKey), slog.Any("error", err))
					}
				}
				log.Info("Credential refreshed", slog.String("store", st.storeKey))
				emit(CredentialRefreshed{StoreKey: st.storeKey, Cycle: cycle})
				return nil
			})
		}
		_ = rg.Wait()
	}

	for _, st := range filterStates(states, StatusPending, StatusAwaitingRefresh) {
		st.status = StatusFailed
		st.authErr = cmp.Or(ctx.Err(), st.authErr)
	}

	o.persistCheckpoints(ctx, states, log)

	for _, st := range states {
		sr := StoreResult{
			StoreKey: st.storeKey,
			Status:   st.status,
			Rows:     st.acc.rows(topo),
			Err:      st.err(),
			Attempts: st.attempts,
		}
		if st.status == StatusFailed {
			sr.Checkpoint = st.checkpoint
		}
		res.Stores = append(res.Stores, sr)
		if st.attempts > 0 {
			res.TotalProcessed++
		}
		if st.status == StatusSucceeded {
			res.SuccessfulStores = append(res.SuccessfulStores, st.storeKey)
		} else {
			res.FailedStores = append(res.FailedStores, st.storeKey)
		}
	}
	res.FinishedAt = o.clock.Now()

	log.Info("Run finished",
		slog.Int("succeeded", len(res.SuccessfulStores)),
		slog.Int("failed", len(res.FailedStores)),
		slog.Int("refreshed", len(res.RefreshedCredentials)),
		slog.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)
	emit(RunFinished{
		RunID:      res.RunID,
		Duration:   res.FinishedAt.Sub(res.StartedAt),
		Successful: len(res.SuccessfulStores),
		Failed:     len(res.FailedStores),
	})
	return res, nil
}

func (o *Orchestrator) runToken(ctx context.Context, st *tokenState, cycle int, topo Topology, rc RunContext, creds *credentials, emit func(Event), log *slog.Logger) {
	st.status = StatusRunning
	st.attempts++
	emit(TokenStarted{StoreKey: st.storeKey, Cycle: cycle, Resume: st.checkpoint})

	tctx := ctx
	if o.cfg.TokenTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, o.cfg.TokenTimeout)
		defer cancel()
	}

	out := o.processor.Process(tctx, Job{
		StoreKey:   st.storeKey,
		Credential: func() string { return creds.get(st.storeKey) },
		Topology:   topo,
		Run:        rc,
		Resume:     st.checkpoint,
	})
	st.acc.merge(topo, out)
	if out.Err != nil {
		st.errs = append(st.errs, out.Err)
	}

	log = log.With(slog.String("store", st.storeKey), slog.Int("cycle", cycle))
	switch {
	case out.FatalAuth:
		st.status = StatusAwaitingRefresh
		st.checkpoint = out.Checkpoint
		st.authErr = out.AuthErr
		log.Warn("Token awaiting refresh", slog.String("checkpoint", out.Checkpoint.String()))
		emit(TokenAwaitingRefresh{StoreKey: st.storeKey, Cycle: cycle, Checkpoint: *out.Checkpoint, Err: out.AuthErr})
		return
	case len(st.errs) == 0:
		st.status = StatusSucceeded
		st.checkpoint = nil
		st.authErr = nil
		log.Info("Token succeeded")
	default:
		st.status = StatusFailed
		st.checkpoint = nil
		st.authErr = nil
		log.Warn("Token finished with errors", slog.Any("error", st.err()))
	}

	rows := 0
	for _, r := range st.acc.rows(topo) {
		rows += len(r)
	}
	emit(TokenFinished{StoreKey: st.storeKey, Cycle: cycle, Status: st.status, Rows: rows, Err: st.err()})
}

// persistCheckpoints records the resume point of failed tokens and clears it for succeeded ones
func (o *Orchestrator) persistCheckpoints(ctx context.Context, states []*tokenState, log *slog.Logger) {
	if o.cfg.Checkpoints == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	for _, st := range states {
		var err error
		switch {
		case st.status == StatusSucceeded:
			err = o.cfg.Checkpoints.DeleteCheckpoint(pctx, st.storeKey)
		case st.checkpoint != nil:
			err = o.cfg.Checkpoints.SaveCheckpoint(pctx, st.storeKey, *st.checkpoint, st.err())
		}
		if err != nil {
			log.Error("Checkpoint bookkeeping failed", slog.String("store", st.storeKey), slog.Any("error", err))
		}
	}
}

func filterStates(states []*tokenState, statuses ...TokenStatus) []*tokenState {
	var out []*tokenState
	for _, st := range states {
		if slices.Contains(statuses, st.status) {
			out = append(out, st)
		}
	}
	return out
}

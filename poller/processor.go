package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/screwyprof/adpoller/pkg/clock"
)

// ProcessorConfig bounds the fan-out of one token run
type ProcessorConfig struct {
	CampaignConcurrency int
	FetchConcurrency    int
	Sequential          bool          // one campaign and one child fetch at a time
	CampaignDelay       time.Duration // pause between campaigns in sequential mode
	FetchDelay          time.Duration // pause between child fetches in sequential mode
}

// DefaultProcessorConfig returns the production fan-out
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{CampaignConcurrency: 2, FetchConcurrency: 2}
}

// Job is one token run
type Job struct {
	StoreKey   string
	Credential func() string
	Topology   Topology
	Run        RunContext
	Resume     *Checkpoint
}

// TokenRunResult is the outcome of one attempt for one token
type TokenRunResult struct {
	StoreKey   string
	Primary    map[string][]Row // group -> formatted primary rows
	Rows       map[string][]Row // child output key -> formatted rows
	Success    bool
	FatalAuth  bool
	Err        error // non-fatal failures, joined
	AuthErr    error // the failure that aborted the run
	Checkpoint *Checkpoint
}

// Processor walks the topology for one token
type Processor struct {
	fetcher  *Fetcher
	registry *Registry
	cfg      ProcessorConfig
	clock    clock.Clock
	log      *slog.Logger
}

// NewProcessor constructs a Processor
func NewProcessor(fetcher *Fetcher, registry *Registry, cfg ProcessorConfig, opts ...Option) *Processor {
	cm := newCommon(opts)
	cfg.CampaignConcurrency = max(1, cfg.CampaignConcurrency)
	cfg.FetchConcurrency = max(1, cfg.FetchConcurrency)
	return &Processor{
		fetcher:  fetcher,
		registry: registry,
		cfg:      cfg,
		clock:    cm.clock,
		log:      cm.log.With(slog.String("component", "processor")),
	}
}

// Process runs every group of the topology in order, starting at the
// checkpoint's group when resuming. It never returns an error; failures are
// reported on the result.
func (p *Processor) Process(ctx context.Context, job Job) TokenRunResult {
	res := TokenRunResult{
		StoreKey: job.StoreKey,
		Primary:  make(map[string][]Row),
		Rows:     make(map[string][]Row),
	}
	log := p.log.With(slog.String("store", job.StoreKey))

	startGroup := 0
	resume := job.Resume
	if resume != nil {
		if _, idx, ok := job.Topology.Group(resume.Group); ok {
			startGroup = idx
			log.Info("Resuming token", slog.String("checkpoint", resume.String()))
		} else {
			log.Warn("Checkpoint group not in topology, starting over", slog.String("group", resume.Group))
			resume = nil
		}
	}

	var errs []error
	for gi := startGroup; gi < len(job.Topology.Groups); gi++ {
		g := job.Topology.Groups[gi]
		var cp *Checkpoint
		if gi == startGroup {
			cp = resume
		}

		out := p.processGroup(ctx, job, g, cp, log.With(slog.String("group", g.Name)))
		if out.primary != nil {
			res.Primary[g.Name] = out.primary
		}
		for key, rows := range out.rows {
			res.Rows[key] = append(res.Rows[key], rows...)
		}
		errs = append(errs, out.errs...)

		if out.checkpoint != nil {
			res.FatalAuth = true
			res.AuthErr = out.authErr
			res.Checkpoint = out.checkpoint
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
	}

	res.Err = errors.Join(errs...)
	res.Success = res.Err == nil && !res.FatalAuth
	return res
}

type groupOutcome struct {
	primary    []Row
	rows       map[string][]Row
	errs       []error
	authErr    error
	checkpoint *Checkpoint
}

func (p *Processor) processGroup(ctx context.Context, job Job, g EntityGroup, resume *Checkpoint, log *slog.Logger) groupOutcome {
	abort := new(atomic.Bool)

	list, err := p.fetcher.Fetch(ctx, FetchTarget{
		Spec:       g.Primary,
		StoreKey:   job.StoreKey,
		Window:     job.Run.Window,
		Credential: job.Credential,
		Abort:      abort,
	})
	if err != nil {
		if IsFatalAuth(err) {
			log.Warn("Fatal auth on primary list", slog.Any("error", err))
			cp := &Checkpoint{Group: g.Name}
			if resume != nil {
				// nothing new was fetched; the earlier resume point still holds
				cp = resume
			}
			return groupOutcome{authErr: err, checkpoint: cp}
		}
		log.Error("Primary list failed", slog.Any("error", err))
		if len(list.Rows) == 0 {
			return groupOutcome{errs: []error{fmt.Errorf("%s: %w", g.Name, err)}}
		}
	}

	format, ferr := p.registry.Formatter(g.Primary.Formatter)
	if ferr != nil {
		return groupOutcome{errs: []error{ferr}}
	}
	campaigns := make([]Row, len(list.Rows))
	for i, row := range list.Rows {
		campaigns[i] = format(row, FormatContext{
			StoreKey:  job.StoreKey,
			Group:     g.Name,
			CreatedOn: job.Run.Window.Start,
			Run:       job.Run,
		})
	}
	log.Info("Processing campaigns", slog.Int("count", len(campaigns)))

	out := groupOutcome{primary: campaigns}
	if err != nil {
		out.errs = append(out.errs, fmt.Errorf("%s: %w", g.Name, err))
	}
	if len(g.Children) == 0 {
		return out
	}

	startIdx := 0
	if resume != nil {
		startIdx = min(max(0, resume.CampaignIndex), len(campaigns))
	}

	st := &groupState{
		finished: make(map[Unit]bool),
		attached: make(map[int]map[string]any),
		rows:     make(map[string][]Row),
	}
	if resume != nil {
		for _, u := range resume.Finished {
			st.finished[u] = true
		}
	}
	run := &campaignRun{p: p, job: job, group: g, resume: resume, abort: abort, state: st, log: log}

	if p.cfg.Sequential {
		for i := startIdx; i < len(campaigns); i++ {
			if abort.Load() || ctx.Err() != nil {
				break
			}
			if i > startIdx {
				if err := clock.Sleep(ctx, p.clock, p.cfg.CampaignDelay); err != nil {
					break
				}
			}
			run.process(ctx, i, campaigns[i])
		}
	} else {
		cg := new(errgroup.Group)
		cg.SetLimit(p.cfg.CampaignConcurrency)
		for i := startIdx; i < len(campaigns); i++ {
			if abort.Load() {
				break
			}
			cg.Go(func() error {
				run.process(ctx, i, campaigns[i])
				return nil
			})
		}
		_ = cg.Wait()
	}

	for i, fields := range st.attached {
		for field, v := range fields {
			campaigns[i][field] = v
		}
	}

	out.errs = append(out.errs, st.errs...)
	if len(st.fatal) > 0 {
		out.authErr = st.fatal[0].err
		out.checkpoint = st.checkpoint(g, resume, startIdx, len(campaigns))
		log.Warn("Token aborted on fatal auth", slog.String("checkpoint", out.checkpoint.String()))
	}
	out.rows = st.rows
	return out
}

// campaignRun processes the child fetches of single campaigns within one group
type campaignRun struct {
	p      *Processor
	job    Job
	group  EntityGroup
	resume *Checkpoint
	abort  *atomic.Bool
	state  *groupState
	log    *slog.Logger
}

func (r *campaignRun) process(ctx context.Context, index int, campaign Row) {
	if r.abort.Load() {
		return
	}
	cid := campaignID(campaign)
	log := r.log.With(slog.Int("campaignIndex", index), slog.String("campaign", cid))
	log.Debug("Processing campaign")

	var pending []FetchSpec
	for _, spec := range r.group.Children {
		if !r.resume.IsFinished(index, spec.Type) {
			pending = append(pending, spec)
		}
	}

	if r.p.cfg.Sequential {
		for n, spec := range pending {
			if r.abort.Load() || ctx.Err() != nil {
				return
			}
			if n > 0 {
				if err := clock.Sleep(ctx, r.p.clock, r.p.cfg.FetchDelay); err != nil {
					return
				}
			}
			r.fetchChild(ctx, index, cid, campaign, spec, log)
		}
		return
	}

	fg := new(errgroup.Group)
	fg.SetLimit(r.p.cfg.FetchConcurrency)
	for _, spec := range pending {
		if r.abort.Load() {
			break
		}
		fg.Go(func() error {
			r.fetchChild(ctx, index, cid, campaign, spec, log)
			return nil
		})
	}
	_ = fg.Wait()
}

func (r *campaignRun) fetchChild(ctx context.Context, index int, cid string, campaign Row, spec FetchSpec, log *slog.Logger) {
	if r.abort.Load() {
		return
	}
	unit := Unit{CampaignIndex: index, ChildType: spec.Type}
	startPage, prior := r.resume.cursor(index, spec.Type)
	log = log.With(slog.String("fetch", spec.Type))

	target := FetchTarget{
		Spec:       spec,
		StoreKey:   r.job.StoreKey,
		CampaignID: cid,
		Window:     r.job.Run.Window,
		Credential: r.job.Credential,
		StartPage:  startPage,
		PriorRows:  prior,
		Abort:      r.abort,
	}

	if spec.Kind == KindAttach {
		v, err := r.p.fetcher.FetchAttached(ctx, target)
		switch {
		case err == nil:
			r.state.attach(index, spec.AttachField, v)
			r.state.finish(unit)
		case IsFatalAuth(err):
			log.Warn("Fatal auth on attached fetch", slog.Any("error", err))
			r.state.fail(fatalUnit{unit: unit, page: 1, err: err})
		case errors.Is(err, ErrInterrupted), ctx.Err() != nil:
			// left unfinished for the next attempt
		default:
			log.Error("Attached fetch failed", slog.Any("error", err))
			r.state.recordErr(fmt.Errorf("%s %s campaign %s: %w", r.group.Name, spec.Type, cid, err))
			r.state.finish(unit)
		}
		return
	}

	res, err := r.p.fetcher.Fetch(ctx, target)
	rows := r.format(spec, campaign, res.Rows)
	switch {
	case err == nil:
		r.state.add(spec.OutputKey, rows)
		r.state.finish(unit)
		log.Debug("Child fetch done", slog.Int("rows", len(rows)))
	case IsFatalAuth(err):
		log.Warn("Fatal auth on child fetch", slog.Int("page", res.FailedPage), slog.Any("error", err))
		r.state.fail(fatalUnit{
			unit:    unit,
			page:    max(1, res.FailedPage),
			fetched: prior + len(rows),
			key:     spec.OutputKey,
			rows:    rows,
			err:     err,
		})
	case errors.Is(err, ErrInterrupted), ctx.Err() != nil:
		// left unfinished for the next attempt
	default:
		log.Error("Child fetch failed", slog.Any("error", err))
		r.state.recordErr(fmt.Errorf("%s %s campaign %s: %w", r.group.Name, spec.Type, cid, err))
		r.state.add(spec.OutputKey, rows)
		r.state.finish(unit)
	}
}

func (r *campaignRun) format(spec FetchSpec, campaign Row, raw []Row) []Row {
	if len(raw) == 0 {
		return nil
	}
	format, err := r.p.registry.Formatter(spec.Formatter)
	if err != nil {
		return raw
	}
	fc := FormatContext{
		StoreKey:  r.job.StoreKey,
		Group:     r.group.Name,
		CreatedOn: r.job.Run.Window.Start,
		Campaign:  campaign,
		Run:       r.job.Run,
	}
	out := make([]Row, len(raw))
	for i, row := range raw {
		out[i] = format(row, fc)
	}
	return out
}

// fatalUnit is a child fetch that stopped on fatal auth
type fatalUnit struct {
	unit    Unit
	page    int
	fetched int
	key     string
	rows    []Row
	err     error
}

// groupState collects the outputs of concurrent campaign workers
type groupState struct {
	mu       sync.Mutex
	finished map[Unit]bool
	attached map[int]map[string]any
	rows     map[string][]Row
	errs     []error
	fatal    []fatalUnit
}

func (s *groupState) finish(u Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[u] = true
}

func (s *groupState) add(key string, rows []Row) {
	if len(rows) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key] = append(s.rows[key], rows...)
}

func (s *groupState) attach(index int, field string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached[index] == nil {
		s.attached[index] = make(map[string]any)
	}
	s.attached[index][field] = v
}

func (s *groupState) recordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *groupState) fail(f fatalUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = append(s.fatal, f)
}

// checkpoint resolves the resume point after all workers stopped. A single
// fetch keeps its page cursor: the one resumed from the previous checkpoint
// while it is still unfinished, otherwise the failing fetch at the lowest
// unfinished campaign. Every other interrupted fetch restarts from page one.
func (s *groupState) checkpoint(g EntityGroup, resume *Checkpoint, startIdx, campaigns int) *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	lowest := campaigns
	for i := startIdx; i < campaigns && lowest == campaigns; i++ {
		for _, spec := range g.Children {
			if !s.finished[Unit{CampaignIndex: i, ChildType: spec.Type}] {
				lowest = i
				break
			}
		}
	}

	cp := &Checkpoint{Group: g.Name, CampaignIndex: lowest}

	var cursor Unit
	if resume != nil && resume.ChildType != "" {
		carried := Unit{CampaignIndex: resume.CampaignIndex, ChildType: resume.ChildType}
		if carried.CampaignIndex == lowest && !s.finished[carried] {
			cursor = carried
			cp.ChildType = carried.ChildType
			cp.Page = max(1, resume.Page)
			cp.Fetched = resume.Fetched
		}
	}

	var chosen *fatalUnit
	for i := range s.fatal {
		f := &s.fatal[i]
		if f.unit.CampaignIndex != lowest {
			continue
		}
		if cursor.ChildType != "" && f.unit != cursor {
			continue
		}
		if chosen == nil || f.unit.ChildType < chosen.unit.ChildType {
			chosen = f
		}
	}
	if chosen != nil {
		cp.ChildType = chosen.unit.ChildType
		cp.Page = chosen.page
		cp.Fetched = chosen.fetched
		if len(chosen.rows) > 0 {
			s.rows[chosen.key] = append(s.rows[chosen.key], chosen.rows...)
		}
	}

	for u := range s.finished {
		if u.CampaignIndex >= lowest {
			cp.Finished = append(cp.Finished, u)
		}
	}
	sortUnits(cp.Finished)
	return cp
}

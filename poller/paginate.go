package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrInterrupted marks a fetch cut short because a sibling hit fatal auth
var ErrInterrupted = errors.New("fetch interrupted")

// preferredEnvelopeKeys are tried first when the envelope key is not declared
var preferredEnvelopeKeys = []string{"products", "targets", "slotPlacements", "sources"}

// PageFunc fetches one page and returns its decoded body
type PageFunc func(ctx context.Context, page int) (any, error)

// PageRequest describes one paginated fetch
type PageRequest struct {
	Spec      FetchSpec
	Extract   Extractor
	StartPage int // 1 when zero
	PriorRows int // rows already held from pages before StartPage
	PageSize  int // fallback when the envelope omits pageSize
	Fetch     PageFunc
	Abort     *atomic.Bool // shared stop flag; set on fatal auth
}

// PageResult is the accumulated outcome of a paginated fetch
type PageResult struct {
	Rows       []Row
	Paginated  bool
	TotalCount int
	PageSize   int
	TotalPages int
	FailedPage int // page that failed with fatal auth; 0 when none
	Truncated  int // rows dropped by the total count cap
}

// Paginator fetches the pages after the first with bounded concurrency
type Paginator struct {
	concurrency int
	log         *slog.Logger
}

// NewPaginator constructs a Paginator running up to concurrency page fetches at once
func NewPaginator(concurrency int, opts ...Option) *Paginator {
	cm := newCommon(opts)
	return &Paginator{concurrency: max(1, concurrency), log: cm.log}
}

// FetchAll fetches the first page, detects pagination and fetches the rest.
// On fatal auth the rows of pages before the failing one are kept and the
// failing page is reported in FailedPage.
func (p *Paginator) FetchAll(ctx context.Context, req PageRequest) (PageResult, error) {
	abort := req.Abort
	if abort == nil {
		abort = new(atomic.Bool)
	}
	start := max(1, req.StartPage)

	if abort.Load() {
		return PageResult{}, ErrInterrupted
	}
	body, err := req.Fetch(ctx, start)
	if err != nil {
		if IsFatalAuth(err) {
			abort.Store(true)
			return PageResult{FailedPage: start}, err
		}
		return PageResult{}, err
	}

	env, ok := findEnvelope(body, req.Spec)
	if !ok {
		rows, err := req.Extract(body)
		return PageResult{Rows: rows}, err
	}

	res := PageResult{Paginated: true, TotalCount: env.totalCount, PageSize: env.pageSize}
	if res.PageSize <= 0 {
		res.PageSize = req.PageSize
	}
	res.TotalPages = 1
	if res.PageSize > 0 {
		res.TotalPages = (res.TotalCount + res.PageSize - 1) / res.PageSize
	}

	pages := map[int][]Row{start: env.rows}
	var (
		mu          sync.Mutex
		failedPage  int
		fatalErr    error
		interrupted bool
		errs        []error
	)

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for page := start + 1; page <= res.TotalPages; page++ {
		g.Go(func() error {
			if abort.Load() || ctx.Err() != nil {
				mu.Lock()
				interrupted = true
				mu.Unlock()
				return nil
			}

			body, err := req.Fetch(ctx, page)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if IsFatalAuth(err) {
					abort.Store(true)
					if failedPage == 0 || page < failedPage {
						failedPage, fatalErr = page, err
					}
					return nil
				}
				errs = append(errs, fmt.Errorf("page %d: %w", page, err))
				return nil
			}

			if env, ok := findEnvelope(body, req.Spec); ok {
				pages[page] = env.rows
				return nil
			}
			rows, err := req.Extract(body)
			if err != nil {
				errs = append(errs, fmt.Errorf("page %d: %w", page, err))
				return nil
			}
			pages[page] = rows
			return nil
		})
	}
	_ = g.Wait()

	if failedPage > 0 {
		res.Rows = collectPages(pages, failedPage)
		res.FailedPage = failedPage
		return res, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if interrupted {
		return res, ErrInterrupted
	}

	res.Rows = collectPages(pages, 0)
	if limit := max(0, res.TotalCount-req.PriorRows); len(res.Rows) > limit {
		res.Truncated = len(res.Rows) - limit
		res.Rows = res.Rows[:limit]
		p.log.Warn("Capped rows to declared total",
			slog.String("fetch", req.Spec.Type),
			slog.Int("totalCount", res.TotalCount),
			slog.Int("dropped", res.Truncated),
		)
	}
	return res, errors.Join(errs...)
}

// collectPages concatenates pages in order, stopping before page `before` when it is positive
func collectPages(pages map[int][]Row, before int) []Row {
	keys := make([]int, 0, len(pages))
	for k := range pages {
		if before <= 0 || k < before {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var rows []Row
	for _, k := range keys {
		rows = append(rows, pages[k]...)
	}
	return rows
}

type envelope struct {
	rows       []Row
	totalCount int
	pageSize   int
}

// findEnvelope locates {metadata:{totalCount,pageSize}, unformattedData:[...]}.
// A declared envelope key is authoritative; otherwise paginated fetches fall
// back to scanning the top-level keys.
func findEnvelope(body any, spec FetchSpec) (envelope, bool) {
	obj, ok := body.(map[string]any)
	if !ok {
		return envelope{}, false
	}

	if spec.EnvelopeKey != "" {
		return parseEnvelope(obj[spec.EnvelopeKey])
	}
	if !spec.Paginated {
		return envelope{}, false
	}

	for _, k := range preferredEnvelopeKeys {
		if env, ok := parseEnvelope(obj[k]); ok {
			return env, true
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if env, ok := parseEnvelope(obj[k]); ok {
			return env, true
		}
	}
	return envelope{}, false
}

func parseEnvelope(v any) (envelope, bool) {
	c, ok := v.(map[string]any)
	if !ok {
		return envelope{}, false
	}
	meta, ok := c["metadata"].(map[string]any)
	if !ok {
		return envelope{}, false
	}
	data, ok := c["unformattedData"]
	if !ok {
		return envelope{}, false
	}

	var env envelope
	if arr, ok := data.([]any); ok {
		for _, e := range arr {
			if row, ok := e.(map[string]any); ok {
				env.rows = append(env.rows, row)
			}
		}
	}
	env.totalCount = intValue(meta["totalCount"], 0)
	if env.totalCount <= 0 {
		env.totalCount = len(env.rows)
	}
	env.pageSize = intValue(meta["pageSize"], 0)
	return env, true
}

func intValue(v any, fallback int) int {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
		if f, err := val.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(val)
	case int:
		return val
	}
	return fallback
}

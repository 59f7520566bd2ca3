package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/screwyprof/adpoller/pkg/adsapi"
)

// FetcherConfig locates the API and sizes page requests
type FetcherConfig struct {
	BaseURL         string
	EntityCode      string
	PageSize        int
	PageConcurrency int
}

// FetchTarget is one entity fetch for one account (and campaign, for child fetches)
type FetchTarget struct {
	Spec       FetchSpec
	StoreKey   string
	CampaignID string
	Window     Window
	Credential func() string
	StartPage  int
	PriorRows  int
	Abort      *atomic.Bool
}

// Fetcher composes the caller, gate and paginator for one entity type
type Fetcher struct {
	caller    *Caller
	paginator *Paginator
	registry  *Registry
	cfg       FetcherConfig
	log       *slog.Logger
}

// NewFetcher constructs a Fetcher
func NewFetcher(caller *Caller, registry *Registry, cfg FetcherConfig, opts ...Option) *Fetcher {
	cm := newCommon(opts)
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Fetcher{
		caller:    caller,
		paginator: NewPaginator(cfg.PageConcurrency, opts...),
		registry:  registry,
		cfg:       cfg,
		log:       cm.log,
	}
}

// Fetch retrieves every row of a list fetch
func (f *Fetcher) Fetch(ctx context.Context, t FetchTarget) (PageResult, error) {
	extract, err := f.registry.Extractor(t.Spec.Extractor)
	if err != nil {
		return PageResult{}, err
	}

	res, err := f.paginator.FetchAll(ctx, PageRequest{
		Spec:      t.Spec,
		Extract:   extract,
		StartPage: t.StartPage,
		PriorRows: t.PriorRows,
		PageSize:  f.cfg.PageSize,
		Fetch:     f.pageFunc(t),
		Abort:     t.Abort,
	})
	if res.Paginated {
		f.log.Debug("Fetched pages",
			slog.String("store", t.StoreKey),
			slog.String("fetch", t.Spec.Type),
			slog.String("campaign", t.CampaignID),
			slog.Int("totalCount", res.TotalCount),
			slog.Int("totalPages", res.TotalPages),
			slog.Int("rows", len(res.Rows)),
		)
	}
	return res, err
}

// FetchAttached performs a single-call fetch whose value is merged into the parent row
func (f *Fetcher) FetchAttached(ctx context.Context, t FetchTarget) (any, error) {
	extract, err := f.registry.Extractor(t.Spec.Extractor)
	if err != nil {
		return nil, err
	}
	if t.Abort != nil && t.Abort.Load() {
		return nil, ErrInterrupted
	}

	body, err := f.pageFunc(t)(ctx, 1)
	if err != nil {
		if IsFatalAuth(err) && t.Abort != nil {
			t.Abort.Store(true)
		}
		return nil, err
	}
	rows, err := extract(body)
	if err != nil {
		return nil, err
	}

	if t.Spec.AttachFrom == "" {
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	}
	if len(rows) == 0 || rows[0][t.Spec.AttachFrom] == nil {
		return []any{}, nil
	}
	return rows[0][t.Spec.AttachFrom], nil
}

func (f *Fetcher) pageFunc(t FetchTarget) PageFunc {
	return func(ctx context.Context, page int) (any, error) {
		raw, err := f.caller.Do(ctx, Call{
			Request:    f.request(t, page),
			Credential: t.Credential,
		})
		if err != nil {
			return nil, fmt.Errorf("%s page %d: %w", t.Spec.Type, page, err)
		}
		return decode(raw)
	}
}

func (f *Fetcher) request(t FetchTarget, page int) adsapi.Request {
	r := templateVars{
		AccountID:  t.StoreKey,
		CampaignID: t.CampaignID,
		Window:     t.Window,
		Page:       page,
		Size:       f.cfg.PageSize,
	}.replacer()

	query := make(url.Values, len(t.Spec.Request.Params))
	for k, v := range t.Spec.Request.Params {
		if s := r.Replace(v); s != "" {
			query.Set(k, s)
		}
	}

	var body any
	if t.Spec.Request.Body != nil {
		body = renderValue(t.Spec.Request.Body, r)
	}

	return adsapi.Request{
		Method: t.Spec.Request.Method,
		URL:    adsapi.ResolveURL(f.cfg.BaseURL, f.cfg.EntityCode, t.Spec.Request.Path),
		Query:  query,
		Body:   body,
	}
}

// decode keeps numbers as json.Number so large ids survive
func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return v, nil
}

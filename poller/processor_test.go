package poller_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screwyprof/adpoller/pkg/adsapi"
	"github.com/screwyprof/adpoller/poller"
)

func TestProcessorProcess(t *testing.T) {
	t.Parallel()

	t.Run("it checkpoints a 401 mid-pagination and resumes without duplicating pages", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var failedOnce atomic.Bool
		bServed := make(chan struct{})
		var bOnce sync.Once
		api := newAdsAPI(t, []string{"A", "B"}, func(c apiCall) (int, any) {
			switch c.Campaign {
			case "B":
				defer bOnce.Do(func() { close(bServed) })
				return http.StatusOK, map[string]any{"data": productRows("B", 0, 10)}
			case "A":
				if c.Page == 2 && failedOnce.CompareAndSwap(false, true) {
					waitOrTimeout(bServed)
					return http.StatusUnauthorized, map[string]any{"error": "token expired"}
				}
				return http.StatusOK, productsPage("A", 120, 50, c.Page)
			}
			return http.StatusNotFound, nil
		})
		processor := newProcessor(api, newFakeClock(), poller.DefaultProcessorConfig())
		topo := productsTopology(t)

		// Act
		first := processor.Process(context.Background(), job(topo, nil))
		second := processor.Process(context.Background(), job(topo, first.Checkpoint))

		// Assert
		require.True(t, first.FatalAuth)
		assert.False(t, first.Success)
		assert.True(t, poller.IsFatalAuth(first.AuthErr))
		require.NotNil(t, first.Checkpoint)
		assert.Equal(t, poller.Checkpoint{
			Group:         "Product Ads",
			CampaignIndex: 0,
			ChildType:     "Products",
			Page:          2,
			Fetched:       50,
			Finished:      []poller.Unit{{CampaignIndex: 1, ChildType: "Products"}},
		}, *first.Checkpoint)
		assert.Len(t, rowsOf(first.Rows["products"], "A"), 50)
		assert.Len(t, rowsOf(first.Rows["products"], "B"), 10)

		require.True(t, second.Success, "second attempt: %v", second.Err)
		assert.Len(t, rowsOf(second.Rows["products"], "A"), 70)
		assert.Empty(t, rowsOf(second.Rows["products"], "B"))

		all := append(first.Rows["products"], second.Rows["products"]...)
		aRows := rowsOf(all, "A")
		assert.Len(t, aRows, 120)
		assert.Len(t, uniqueProductIDs(aRows), 120, "no page fetched twice")

		assert.Equal(t, 1, api.count("products", "A", 1))
		assert.Equal(t, 2, api.count("products", "A", 2))
		assert.Equal(t, 1, api.count("products", "A", 3))
		assert.Equal(t, 1, api.count("products", "B", 1))
	})

	t.Run("it never re-issues work before the checkpoint", func(t *testing.T) {
		t.Parallel()

		// Arrange
		api := newAdsAPI(t, []string{"A", "B", "C"}, func(c apiCall) (int, any) {
			return http.StatusOK, productsPage(c.Campaign, 150, 50, c.Page)
		})
		processor := newProcessor(api, newFakeClock(), poller.DefaultProcessorConfig())
		resume := &poller.Checkpoint{Group: "Product Ads", CampaignIndex: 1, ChildType: "Products", Page: 3, Fetched: 100}

		// Act
		res := processor.Process(context.Background(), job(productsTopology(t), resume))

		// Assert
		require.True(t, res.Success, "%v", res.Err)
		assert.Zero(t, api.countCampaign("products", "A"))
		assert.Equal(t, []int{3}, api.pages("products", "B"))
		assert.ElementsMatch(t, []int{1, 2, 3}, api.pages("products", "C"))
		assert.Len(t, rowsOf(res.Rows["products"], "B"), 50)
		assert.Len(t, rowsOf(res.Rows["products"], "C"), 150)
	})

	t.Run("it skips units finished before the abort", func(t *testing.T) {
		t.Parallel()

		// Arrange
		api := newAdsAPI(t, []string{"A", "B"}, func(c apiCall) (int, any) {
			return http.StatusOK, productsPage(c.Campaign, 20, 50, c.Page)
		})
		processor := newProcessor(api, newFakeClock(), poller.DefaultProcessorConfig())
		resume := &poller.Checkpoint{
			Group:    "Product Ads",
			Finished: []poller.Unit{{CampaignIndex: 1, ChildType: "Products"}},
		}

		// Act
		res := processor.Process(context.Background(), job(productsTopology(t), resume))

		// Assert
		require.True(t, res.Success)
		assert.Equal(t, 1, api.countCampaign("products", "A"))
		assert.Zero(t, api.countCampaign("products", "B"))
	})

	t.Run("it keeps rows of other campaigns when one child fetch fails terminally", func(t *testing.T) {
		t.Parallel()

		// Arrange
		api := newAdsAPI(t, []string{"A", "B", "C"}, func(c apiCall) (int, any) {
			if c.Campaign == "B" {
				return http.StatusBadRequest, map[string]any{"error": "bad campaign"}
			}
			return http.StatusOK, productsPage(c.Campaign, 30, 50, c.Page)
		})
		processor := newProcessor(api, newFakeClock(), poller.DefaultProcessorConfig())

		// Act
		res := processor.Process(context.Background(), job(productsTopology(t), nil))

		// Assert
		assert.False(t, res.Success)
		assert.False(t, res.FatalAuth)
		assert.Nil(t, res.Checkpoint)
		require.ErrorIs(t, res.Err, poller.ErrTerminal)
		assert.Contains(t, res.Err.Error(), "campaign B")
		assert.Len(t, rowsOf(res.Rows["products"], "A"), 30)
		assert.Len(t, rowsOf(res.Rows["products"], "C"), 30)
		assert.Len(t, res.Primary["Product Ads"], 3)
	})

	t.Run("it stops the group when the campaign list is rejected", func(t *testing.T) {
		t.Parallel()

		// Arrange
		api := newAdsAPI(t, nil, func(apiCall) (int, any) { return http.StatusOK, nil })
		api.campaignStatus = http.StatusForbidden
		processor := newProcessor(api, newFakeClock(), poller.DefaultProcessorConfig())

		// Act
		res := processor.Process(context.Background(), job(productsTopology(t), nil))

		// Assert
		require.True(t, res.FatalAuth)
		assert.Equal(t, &poller.Checkpoint{Group: "Product Ads"}, res.Checkpoint)
		assert.Zero(t, api.countPath("products"))
	})

	t.Run("it merges attached values into the parent campaign", func(t *testing.T) {
		t.Parallel()

		// Arrange
		api := newAdsAPI(t, []string{"A", "B"}, func(c apiCall) (int, any) {
			if c.Path == "negatives" {
				return http.StatusOK, map[string]any{"data": []any{map[string]any{"negativeKeywords": []any{"cheap-" + c.Campaign}}}}
			}
			return http.StatusOK, productsPage(c.Campaign, 5, 50, c.Page)
		})
		processor := newProcessor(api, newFakeClock(), poller.DefaultProcessorConfig())
		topo := withNegativeKeywords(t, productsTopology(t))

		// Act
		res := processor.Process(context.Background(), job(topo, nil))

		// Assert
		require.True(t, res.Success, "%v", res.Err)
		campaigns := res.Primary["Product Ads"]
		require.Len(t, campaigns, 2)
		for _, c := range campaigns {
			id := c["campaign_id"].(string)
			assert.Equal(t, []any{"cheap-" + id}, c["negative_keywords"])
		}
		assert.NotContains(t, res.Rows, "negative_keywords")
	})

	t.Run("it paces campaigns and child fetches in sequential mode", func(t *testing.T) {
		t.Parallel()

		// Arrange
		api := newAdsAPI(t, []string{"A", "B"}, func(c apiCall) (int, any) {
			if c.Path == "negatives" {
				return http.StatusOK, map[string]any{"data": []any{}}
			}
			return http.StatusOK, productsPage(c.Campaign, 5, 50, c.Page)
		})
		clk := newFakeClock()
		processor := newProcessor(api, clk, poller.ProcessorConfig{
			Sequential:    true,
			CampaignDelay: 2 * time.Second,
			FetchDelay:    time.Second,
		})
		topo := withNegativeKeywords(t, productsTopology(t))

		// Act
		res := processor.Process(context.Background(), job(topo, nil))

		// Assert
		require.True(t, res.Success, "%v", res.Err)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, clk.Waits())
		assert.Len(t, res.Rows["products"], 10)
	})

	t.Run("it sends the run window and account with every request", func(t *testing.T) {
		t.Parallel()

		// Arrange
		api := newAdsAPI(t, []string{"A"}, func(c apiCall) (int, any) {
			return http.StatusOK, productsPage(c.Campaign, 1, 50, c.Page)
		})
		processor := newProcessor(api, newFakeClock(), poller.DefaultProcessorConfig())

		// Act
		res := processor.Process(context.Background(), job(productsTopology(t), nil))

		// Assert
		require.True(t, res.Success)
		for _, c := range api.all() {
			assert.Equal(t, "Bearer tok", c.Auth)
			assert.Equal(t, "2024-03-01", c.Start)
			assert.Equal(t, "2024-03-07", c.End)
			assert.Equal(t, "acc-1", c.Account)
		}
	})
}

// apiCall is one request seen by the fake API
type apiCall struct {
	Path     string
	Campaign string
	Account  string
	Page     int
	Start    string
	End      string
	Auth     string
}

// adsAPI fakes the advertising API: "campaigns" lists the configured
// campaigns, every other path is answered by route.
type adsAPI struct {
	*httptest.Server
	campaigns      []string
	campaignStatus int
	route          func(apiCall) (int, any)

	mu    sync.Mutex
	calls []apiCall
}

func newAdsAPI(t *testing.T, campaigns []string, route func(apiCall) (int, any)) *adsAPI {
	t.Helper()
	a := &adsAPI{campaigns: campaigns, campaignStatus: http.StatusOK, route: route}
	a.Server = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.Close)
	return a
}

func (a *adsAPI) handle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountIDs  []string `json:"account_ids"`
		CampaignIDs []string `json:"campaign_ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	call := apiCall{
		Path:  strings.TrimPrefix(r.URL.Path, "/"),
		Page:  page,
		Start: q.Get("start_date"),
		End:   q.Get("end_date"),
		Auth:  r.Header.Get("Authorization"),
	}
	if len(body.CampaignIDs) > 0 {
		call.Campaign = body.CampaignIDs[0]
	}
	if len(body.AccountIDs) > 0 {
		call.Account = body.AccountIDs[0]
	}

	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()

	status, resp := http.StatusOK, any(nil)
	if call.Path == "campaigns" {
		status = a.campaignStatus
		list := make([]any, len(a.campaigns))
		for i, id := range a.campaigns {
			list[i] = map[string]any{"id": id, "name": "Campaign " + id}
		}
		resp = map[string]any{"data": list}
	} else {
		status, resp = a.route(call)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *adsAPI) all() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

func (a *adsAPI) count(path, campaign string, page int) int {
	n := 0
	for _, c := range a.all() {
		if c.Path == path && c.Campaign == campaign && c.Page == page {
			n++
		}
	}
	return n
}

func (a *adsAPI) countCampaign(path, campaign string) int {
	return len(a.pages(path, campaign))
}

func (a *adsAPI) countPath(path string) int {
	n := 0
	for _, c := range a.all() {
		if c.Path == path {
			n++
		}
	}
	return n
}

func (a *adsAPI) pages(path, campaign string) []int {
	var pages []int
	for _, c := range a.all() {
		if c.Path == path && c.Campaign == campaign {
			pages = append(pages, c.Page)
		}
	}
	return pages
}

func newProcessor(api *adsAPI, clk *fakeClock, cfg poller.ProcessorConfig) *poller.Processor {
	opts := testOpts(clk)
	caller := poller.NewCaller(adsapi.NewClient(api.Client()), unpacedGate(clk, 8), noRetry(), opts...)
	reg := poller.DefaultRegistry()
	fetcher := poller.NewFetcher(caller, reg, poller.FetcherConfig{BaseURL: api.URL, PageSize: 50, PageConcurrency: 1}, opts...)
	return poller.NewProcessor(fetcher, reg, cfg, opts...)
}

func childParams() map[string]string {
	return map[string]string{
		"page":       "${page}",
		"size":       "${size}",
		"start_date": "${start_date}",
		"end_date":   "${end_date}",
	}
}

func childBody() map[string]any {
	return map[string]any{
		"account_ids":  []any{"${account_id}"},
		"campaign_ids": []any{"${campaign_id}"},
	}
}

func productsTopology(t *testing.T) poller.Topology {
	t.Helper()
	topo, err := poller.Topology{
		Name: "test",
		Groups: []poller.EntityGroup{{
			Name: "Product Ads",
			Primary: poller.FetchSpec{
				Request: poller.RequestTemplate{
					Path:   "campaigns",
					Params: map[string]string{"start_date": "${start_date}", "end_date": "${end_date}"},
					Body:   map[string]any{"account_ids": []any{"${account_id}"}},
				},
				Formatter: "campaign",
			},
			Children: []poller.FetchSpec{{
				Type:      "Products",
				Request:   poller.RequestTemplate{Path: "products", Params: childParams(), Body: childBody()},
				Paginated: true,
				Formatter: "product",
				OutputKey: "products",
			}},
		}},
	}.Normalize(poller.DefaultRegistry())
	require.NoError(t, err)
	return topo
}

func withNegativeKeywords(t *testing.T, topo poller.Topology) poller.Topology {
	t.Helper()
	topo.Groups[0].Children = append(topo.Groups[0].Children, poller.FetchSpec{
		Type:        "NegativeKeywords",
		Kind:        poller.KindAttach,
		Request:     poller.RequestTemplate{Path: "negatives", Params: childParams(), Body: childBody()},
		AttachField: "negative_keywords",
		AttachFrom:  "negativeKeywords",
	})
	out, err := topo.Normalize(poller.DefaultRegistry())
	require.NoError(t, err)
	return out
}

func job(topo poller.Topology, resume *poller.Checkpoint) poller.Job {
	return poller.Job{
		StoreKey:   "acc-1",
		Credential: func() string { return "tok" },
		Topology:   topo,
		Run:        poller.RunContext{Window: poller.Window{Start: "2024-03-01", End: "2024-03-07"}},
		Resume:     resume,
	}
}

// productsPage serves one page of a campaign's products in the pagination envelope
func productsPage(campaign string, total, size, page int) map[string]any {
	from := (page - 1) * size
	n := max(0, min(size, total-from))
	return map[string]any{
		"products": map[string]any{
			"metadata":        map[string]any{"totalCount": total, "pageSize": size},
			"unformattedData": productRows(campaign, from, n),
		},
	}
}

func productRows(campaign string, from, n int) []any {
	rows := make([]any, n)
	for i := range n {
		rows[i] = map[string]any{"id": fmt.Sprintf("%s-%d", campaign, from+i), "name": "Product"}
	}
	return rows
}

func rowsOf(rows []poller.Row, campaign string) []poller.Row {
	var out []poller.Row
	for _, r := range rows {
		if r["campaign_id"] == campaign {
			out = append(out, r)
		}
	}
	return out
}

func uniqueProductIDs(rows []poller.Row) map[any]bool {
	ids := make(map[any]bool, len(rows))
	for _, r := range rows {
		ids[r["product_id"]] = true
	}
	return ids
}

func waitOrTimeout(ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
	}
}

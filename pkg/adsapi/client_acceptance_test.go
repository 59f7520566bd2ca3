//go:build acceptance

package adsapi_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screwyprof/adpoller/pkg/adsapi"
	"github.com/screwyprof/adpoller/pkg/adsapi/testcfg"
)

func TestClientRealAPI(t *testing.T) {
	t.Parallel()

	testCfg := testcfg.New()
	if testCfg.BaseURL == "" || testCfg.Credential == "" {
		t.Skip("ADSAPI_TEST_BASE_URL and ADSAPI_TEST_CREDENTIAL are required")
	}

	// Arrange
	client := adsapi.NewClient(&http.Client{Timeout: testCfg.HTTPTimeout})

	// Act
	raw, err := client.Do(t.Context(), adsapi.Request{
		Method: http.MethodPost,
		URL:    adsapi.ResolveURL(testCfg.BaseURL, testCfg.EntityCode, "performance/campaigns"),
		Query: url.Values{
			"page":       {"1"},
			"size":       {"50"},
			"start_date": {testCfg.StartDate},
			"end_date":   {testCfg.EndDate},
		},
		Body: map[string]any{
			"account_ids":  []string{testCfg.StoreKey},
			"campaign_ids": []string{},
			"ad_format":    "product_ad",
		},
		Credential: testCfg.Credential,
	})

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

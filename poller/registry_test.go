package poller_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screwyprof/adpoller/poller"
)

func TestExtractors(t *testing.T) {
	t.Parallel()

	t.Run("it reads rows under data or a bare array", func(t *testing.T) {
		t.Parallel()

		// Arrange
		extract, err := poller.DefaultRegistry().Extractor("data")
		require.NoError(t, err)

		// Act
		wrapped, err1 := extract(map[string]any{"data": []any{map[string]any{"id": "1"}}})
		bare, err2 := extract([]any{map[string]any{"id": "2"}})
		missing, err3 := extract(map[string]any{"other": true})

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		require.NoError(t, err3)
		assert.Equal(t, []poller.Row{{"id": "1"}}, wrapped)
		assert.Equal(t, []poller.Row{{"id": "2"}}, bare)
		assert.Empty(t, missing)
	})

	t.Run("it reports malformed shapes", func(t *testing.T) {
		t.Parallel()

		// Arrange
		extract, err := poller.DefaultRegistry().Extractor("data")
		require.NoError(t, err)

		// Act
		_, errScalar := extract(map[string]any{"data": "nope"})
		_, errElem := extract([]any{"nope"})

		// Assert
		require.ErrorIs(t, errScalar, poller.ErrMalformedResponse)
		require.ErrorIs(t, errElem, poller.ErrMalformedResponse)
	})

	t.Run("it fails on unknown names", func(t *testing.T) {
		t.Parallel()

		// Act
		_, errX := poller.DefaultRegistry().Extractor("nope")
		_, errF := poller.DefaultRegistry().Formatter("nope")

		// Assert
		require.ErrorIs(t, errX, poller.ErrUnknownExtractor)
		require.ErrorIs(t, errF, poller.ErrUnknownFormatter)
	})

	t.Run("it serves registered functions", func(t *testing.T) {
		t.Parallel()

		// Arrange
		reg := poller.NewRegistry()
		reg.RegisterFormatter("upper", func(row poller.Row, _ poller.FormatContext) poller.Row {
			return poller.Row{"name": "X"}
		})

		// Act
		format, err := reg.Formatter("upper")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, poller.Row{"name": "X"}, format(poller.Row{}, poller.FormatContext{}))
	})
}

func TestFormatters(t *testing.T) {
	t.Parallel()

	fc := poller.FormatContext{
		StoreKey:  "acc-1",
		Group:     "Product Ads",
		CreatedOn: "2024-03-01",
		Run: poller.RunContext{
			Window: poller.Window{Start: "2024-03-01", End: "2024-03-07"},
			Brands: map[string]string{"acc-1": "Acme"},
			Pins:   map[string]string{"42": "2024-02-01T00:00:00Z"},
		},
	}

	t.Run("it formats a campaign with brand, pin and budget fallback", func(t *testing.T) {
		t.Parallel()

		// Arrange
		format := formatter(t, "campaign")
		raw := poller.Row{
			"id":               json.Number("42"),
			"name":             "Spring",
			"dailyBudgetLocal": "12.5",
			"ad_types":         []any{"product_ad"},
			"status":           "active",
		}

		// Act
		row := format(raw, fc)

		// Assert
		assert.Equal(t, "42", row["campaign_id"])
		assert.Equal(t, "Spring", row["campaign_name"])
		assert.Equal(t, "Product Ads", row["campaign_type"])
		assert.Equal(t, "product_ad", row["ad_type"])
		assert.Equal(t, 12.5, row["budget"])
		assert.Equal(t, "Acme", row["account"])
		assert.Equal(t, "2024-02-01T00:00:00Z", row["pin"])
		assert.Equal(t, "acc-1", row["account_id"])
		assert.Equal(t, "2024-03-01", row["created_on"])
		assert.Equal(t, "Campaign", row["entity_type"])
	})

	t.Run("it copies the parent campaign onto child rows", func(t *testing.T) {
		t.Parallel()

		// Arrange
		campaign := formatter(t, "campaign")(poller.Row{"id": "42", "name": "Spring", "bid": 0.3}, fc)
		campaign["bid"] = 0.3
		child := fc
		child.Campaign = campaign

		// Act
		product := formatter(t, "product")(poller.Row{"productName": "Shoe", "sku": "S-1"}, child)
		keyword := formatter(t, "keyword")(poller.Row{"targetValue": "shoes"}, child)

		// Assert
		assert.Equal(t, "42", product["campaign_id"])
		assert.Equal(t, "Spring", product["campaign_name"])
		assert.Equal(t, "Shoe", product["product_name"])
		assert.Equal(t, "S-1", product["product_id"])
		assert.Equal(t, "Product", product["entity_type"])
		assert.Equal(t, "shoes", keyword["keyword"])
		assert.Equal(t, 0.3, keyword["bid"])
		assert.Equal(t, "Keyword", keyword["entity_type"])
	})

	t.Run("it zero-fills missing attribution metrics", func(t *testing.T) {
		t.Parallel()

		// Arrange
		raw := poller.Row{
			"id":          "42",
			"performance": map[string]any{"clicks": json.Number("3"), "sales_revenue": json.Number("19.5")},
		}

		// Act
		row := formatter(t, "campaign_attribution")(raw, fc)

		// Assert
		assert.Equal(t, 3.0, row["clicks"])
		assert.Equal(t, 19.5, row["sales"])
		assert.Equal(t, 0, row["impressions"])
		assert.Equal(t, 0, row["spend"])
	})
}

func formatter(t *testing.T, name string) poller.Formatter {
	t.Helper()
	f, err := poller.DefaultRegistry().Formatter(name)
	require.NoError(t, err)
	return f
}

package dbrow_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screwyprof/adpoller/poller"
	"github.com/screwyprof/adpoller/poller/store/dbrow"
)

func TestEntitiesToRows(t *testing.T) {
	t.Parallel()

	t.Run("it orders rows by store and output key and picks the most specific id", func(t *testing.T) {
		t.Parallel()

		// Arrange
		runID := uuid.New()
		res := poller.RunResult{
			RunID: runID,
			Stores: []poller.StoreResult{
				{StoreKey: "acc-2", Rows: map[string][]poller.Row{"campaigns": {{"campaign_id": "C"}}}},
				{StoreKey: "acc-1", Rows: map[string][]poller.Row{
					"products":  {{"campaign_id": "A", "product_id": "p-1"}},
					"campaigns": {{"campaign_id": "A"}, {"campaign_name": "unnamed"}},
				}},
			},
		}

		// Act
		rows, err := dbrow.EntitiesToRows(res)

		// Assert
		require.NoError(t, err)
		require.Len(t, rows, 4)

		var keys [][2]any
		var ids []*string
		for _, r := range rows {
			require.Len(t, r, len(dbrow.EntityColumns))
			assert.Equal(t, runID, r[0])
			keys = append(keys, [2]any{r[1], r[2]})
			ids = append(ids, r[4].(*string))
		}
		assert.Equal(t, [][2]any{
			{"acc-1", "campaigns"}, {"acc-1", "campaigns"}, {"acc-1", "products"}, {"acc-2", "campaigns"},
		}, keys)
		assert.Equal(t, "A", *ids[0])
		assert.Nil(t, ids[1])
		assert.Equal(t, "p-1", *ids[2])
		assert.Equal(t, int32(1), rows[1][3])

		var payload map[string]any
		require.NoError(t, json.Unmarshal(rows[2][5].([]byte), &payload))
		assert.Equal(t, map[string]any{"campaign_id": "A", "product_id": "p-1"}, payload)
	})
}

func TestToTokens(t *testing.T) {
	t.Parallel()

	t.Run("it splits credentials into tokens and brands", func(t *testing.T) {
		t.Parallel()

		// Arrange
		brand := "Acme"
		empty := ""
		creds := []dbrow.Credential{
			{StoreKey: "acc-1", Credential: "tok-1", Brand: &brand},
			{StoreKey: "acc-2", Credential: "tok-2", Brand: &empty},
			{StoreKey: "acc-3", Credential: "tok-3"},
		}

		// Act
		tokens, brands := dbrow.ToTokens(creds)

		// Assert
		assert.Equal(t, []poller.Token{
			{StoreKey: "acc-1", Credential: "tok-1"},
			{StoreKey: "acc-2", Credential: "tok-2"},
			{StoreKey: "acc-3", Credential: "tok-3"},
		}, tokens)
		assert.Equal(t, map[string]string{"acc-1": "Acme"}, brands)
	})
}

package dbrow

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/screwyprof/adpoller/poller"
)

// Entity represents a formatted entity row as stored in the database
type Entity struct {
	RunID     uuid.UUID       `db:"run_id"`
	StoreKey  string          `db:"store_key"`
	OutputKey string          `db:"output_key"`
	Position  int32           `db:"position"`
	EntityID  *string         `db:"entity_id"`
	Payload   json.RawMessage `db:"payload"`
	// created_at is handled by database DEFAULT CURRENT_TIMESTAMP
}

// Checkpoint represents a saved resume point
type Checkpoint struct {
	StoreKey   string          `db:"store_key"`
	Checkpoint json.RawMessage `db:"checkpoint"`
	Cause      string          `db:"cause"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Credential represents an active store credential
type Credential struct {
	StoreKey   string  `db:"store_key"`
	Credential string  `db:"credential"`
	Brand      *string `db:"brand"`
}

// entityIDKeys are the formatted fields identifying an entity, most specific first
var entityIDKeys = []string{"product_id", "keyword", "category_id", "slot", "campaign_id"}

// EntityColumns lists the columns written by EntitiesToRows, in order
var EntityColumns = []string{"run_id", "store_key", "output_key", "position", "entity_id", "payload"}

// EntitiesToRows converts a run result directly to [][]any for pgx.CopyFromRows.
// Stores and output keys are visited in sorted order so positions are stable.
func EntitiesToRows(res poller.RunResult) ([][]any, error) {
	var rows [][]any
	stores := slices.Clone(res.Stores)
	slices.SortFunc(stores, func(a, b poller.StoreResult) int {
		return cmp.Compare(a.StoreKey, b.StoreKey)
	})

	for _, s := range stores {
		for _, key := range slices.Sorted(maps.Keys(s.Rows)) {
			for i, r := range s.Rows[key] {
				payload, err := json.Marshal(r)
				if err != nil {
					return nil, fmt.Errorf("encoding %s row %d of %s: %w", key, i, s.StoreKey, err)
				}
				rows = append(rows, []any{res.RunID, s.StoreKey, key, int32(i), entityID(r), payload})
			}
		}
	}
	return rows, nil
}

func entityID(r poller.Row) *string {
	for _, k := range entityIDKeys {
		if v, ok := r[k]; ok && v != nil {
			id := fmt.Sprint(v)
			return &id
		}
	}
	return nil
}

// ToTokens converts credential rows to engine tokens and the brand lookup
func ToTokens(creds []Credential) ([]poller.Token, map[string]string) {
	tokens := make([]poller.Token, len(creds))
	brands := make(map[string]string)
	for i, c := range creds {
		tokens[i] = poller.Token{StoreKey: c.StoreKey, Credential: c.Credential}
		if c.Brand != nil && *c.Brand != "" {
			brands[c.StoreKey] = *c.Brand
		}
	}
	return tokens, brands
}

package pgxstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screwyprof/adpoller/poller"
	"github.com/screwyprof/adpoller/poller/store/dbrow"
)

// Sentinel errors for store operations
var (
	ErrTransactionFailed = errors.New("transaction failed")
	ErrTempTableFailed   = errors.New("temporary table operation failed")
	ErrCopyFailed        = errors.New("bulk copy operation failed")
	ErrInsertFailed      = errors.New("insert operation failed")
	ErrCheckpointFailed  = errors.New("checkpoint operation failed")
	ErrCredentialFailed  = errors.New("credential operation failed")
	ErrQueryFailed       = errors.New("query failed")
)

// Store persists poll runs, checkpoints and credentials using pgx
type Store struct {
	pool *pgxpool.Pool
}

var _ poller.CheckpointStore = (*Store)(nil)

// New creates a new PostgreSQL store with an existing connection pool
// Returns the store and a closer function
func New(pool *pgxpool.Pool) (*Store, func()) {
	store := &Store{pool: pool}
	closer := func() {
		pool.Close()
	}
	return store, closer
}

// SaveRun stores every formatted row of a run together with its summary.
// Rows are stamped with the run id, so repeated runs never overwrite each other.
func (s *Store) SaveRun(ctx context.Context, res poller.RunResult, window poller.Window) error {
	rows, err := dbrow.EntitiesToRows(res)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsertFailed, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // No-op if commit succeeds

	if len(rows) > 0 {
		if err := copyEntities(ctx, tx, rows); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO poll_runs (run_id, started_at, finished_at, window_start, window_end,
			total_processed, successful_stores, failed_stores)
		VALUES ($1, $2, $3, $4::text::date, $5::text::date, $6, $7, $8)
		ON CONFLICT (run_id) DO NOTHING
	`, res.RunID, res.StartedAt, res.FinishedAt, window.Start, window.End,
		res.TotalProcessed, nonNil(res.SuccessfulStores), nonNil(res.FailedStores))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsertFailed, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	return nil
}

func copyEntities(ctx context.Context, tx pgx.Tx, rows [][]any) error {
	_, err := tx.Exec(ctx, `
		CREATE TEMPORARY TABLE temp_ad_entities (
			run_id UUID,
			store_key TEXT,
			output_key TEXT,
			position INTEGER,
			entity_id TEXT,
			payload JSONB
		) ON COMMIT DROP
	`)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTempTableFailed, err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"temp_ad_entities"}, dbrow.EntityColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopyFailed, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ad_entities (run_id, store_key, output_key, position, entity_id, payload)
		SELECT run_id, store_key, output_key, position, entity_id, payload
		FROM temp_ad_entities
		ON CONFLICT (run_id, store_key, output_key, position) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsertFailed, err)
	}
	return nil
}

// SaveCheckpoint records where a store stopped and why
func (s *Store) SaveCheckpoint(ctx context.Context, storeKey string, cp poller.Checkpoint, cause error) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}

	var reason string
	if cause != nil {
		reason = cause.Error()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO token_checkpoints (store_key, checkpoint, cause, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (store_key) DO UPDATE
		SET checkpoint = EXCLUDED.checkpoint, cause = EXCLUDED.cause, updated_at = EXCLUDED.updated_at
	`, storeKey, payload, reason)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}
	return nil
}

// DeleteCheckpoint forgets the checkpoint of a store; a missing one is not an error
func (s *Store) DeleteCheckpoint(ctx context.Context, storeKey string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM token_checkpoints WHERE store_key = $1`, storeKey); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}
	return nil
}

// Checkpoint returns the saved checkpoint of a store and its cause.
// The engine never reads it back; it is there for operators inspecting a failed store.
func (s *Store) Checkpoint(ctx context.Context, storeKey string) (poller.Checkpoint, string, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT store_key, checkpoint, cause, updated_at
		FROM token_checkpoints
		WHERE store_key = $1
	`, storeKey)
	if err != nil {
		return poller.Checkpoint{}, "", false, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[dbrow.Checkpoint])
	if errors.Is(err, pgx.ErrNoRows) {
		return poller.Checkpoint{}, "", false, nil
	}
	if err != nil {
		return poller.Checkpoint{}, "", false, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	var cp poller.Checkpoint
	if err := json.Unmarshal(row.Checkpoint, &cp); err != nil {
		return poller.Checkpoint{}, "", false, fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}
	return cp, row.Cause, true, nil
}

// Tokens returns the active store credentials and the brand of each store
func (s *Store) Tokens(ctx context.Context) ([]poller.Token, map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT store_key, credential, brand
		FROM store_credentials
		WHERE active
		ORDER BY store_key
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	creds, err := pgx.CollectRows(rows, pgx.RowToStructByName[dbrow.Credential])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	tokens, brands := dbrow.ToTokens(creds)
	return tokens, brands, nil
}

// SaveCredential stores a renewed credential. It matches poller.RefreshHook.
func (s *Store) SaveCredential(ctx context.Context, storeKey, credential string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO store_credentials (store_key, credential, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (store_key) DO UPDATE
		SET credential = EXCLUDED.credential, updated_at = EXCLUDED.updated_at
	`, storeKey, credential)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialFailed, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

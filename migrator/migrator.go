package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/peterldowns/pgtestdb"
	"github.com/peterldowns/pgtestdb/migrators/sqlmigrator"
	migrate "github.com/rubenv/sql-migrate"
)

// Migration constants
const (
	migrationsTableName = "schema_migrations"
	schemaHashPrefix    = "schema_only_"
	seededHashPrefix    = "seeded_credentials_"
)

// SQL queries
const (
	seedCredentialSQL = `
		INSERT INTO store_credentials (store_key, credential, brand)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (store_key) DO NOTHING`
)

// Migration-related errors
var (
	ErrMigrationExecution = errors.New("migration execution failed")
	ErrSeedOperation      = errors.New("credential seed operation failed")
)

// Credential is one store account seeded into store_credentials
type Credential struct {
	StoreKey   string
	Credential string
	Brand      string
}

// SchemaMigrator applies only database schema migrations
// Used for production and tests that need schema-only setup
type SchemaMigrator struct {
	migrationsDir string
}

// NewSchemaMigrator creates a migrator that applies schema migrations only
func NewSchemaMigrator(migrationsDir string) *SchemaMigrator {
	return &SchemaMigrator{
		migrationsDir: migrationsDir,
	}
}

func (m *SchemaMigrator) Hash() (string, error) {
	baseHash, err := migrationsHash(m.migrationsDir)
	if err != nil {
		return "", err
	}
	return schemaHashPrefix + baseHash, nil
}

func (m *SchemaMigrator) Migrate(ctx context.Context, db *sql.DB, conf pgtestdb.Config) error {
	return applyMigrations(db, m.migrationsDir)
}

// SeededMigrator applies schema migrations and seeds store credentials
// Used for tests that load the token set from the database
type SeededMigrator struct {
	migrationsDir string
	credentials   []Credential
}

// NewSeededMigrator creates a migrator that applies schema + seeds credentials
func NewSeededMigrator(migrationsDir string, credentials ...Credential) *SeededMigrator {
	return &SeededMigrator{
		migrationsDir: migrationsDir,
		credentials:   credentials,
	}
}

func (m *SeededMigrator) Hash() (string, error) {
	baseHash, err := migrationsHash(m.migrationsDir)
	if err != nil {
		return "", err
	}

	keys := make([]string, len(m.credentials))
	for i, c := range m.credentials {
		keys[i] = c.StoreKey + ":" + c.Credential + ":" + c.Brand
	}
	slices.Sort(keys)

	return seededHashPrefix + baseHash + "_" + strings.Join(keys, ","), nil
}

func (m *SeededMigrator) Migrate(ctx context.Context, db *sql.DB, conf pgtestdb.Config) error {
	if err := applyMigrations(db, m.migrationsDir); err != nil {
		return err
	}

	slog.InfoContext(ctx, "🌱 Seeding store credentials", slog.Int("stores", len(m.credentials)))
	for _, c := range m.credentials {
		if _, err := db.ExecContext(ctx, seedCredentialSQL, c.StoreKey, c.Credential, c.Brand); err != nil {
			return fmt.Errorf("%w: %w", ErrSeedOperation, err)
		}
	}
	return nil
}

// ApplyMigrations applies database migrations using sql-migrate with the provided pgx pool
func ApplyMigrations(pool *pgxpool.Pool, migrationsDir string) error {
	// Create sql.DB from the pgx pool for sql-migrate
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	return applyMigrations(db, migrationsDir)
}

// SeedCredentials inserts credentials for stores that have none yet.
// Existing rows keep their current credential.
func SeedCredentials(ctx context.Context, pool *pgxpool.Pool, credentials map[string]string, brands map[string]string) error {
	batch := &pgx.Batch{}
	for _, key := range slices.Sorted(maps.Keys(credentials)) {
		batch.Queue(seedCredentialSQL, key, credentials[key], brands[key])
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrSeedOperation, err)
	}
	return nil
}

func migrationsHash(dir string) (string, error) {
	source := &migrate.FileMigrationSource{Dir: dir}
	migrationSet := &migrate.MigrationSet{TableName: migrationsTableName}
	sqlMigrator := sqlmigrator.New(source, migrationSet)

	hash, err := sqlMigrator.Hash()
	if err != nil {
		return "", fmt.Errorf("failed to calculate migration hash for %s: %w", dir, err)
	}
	return hash, nil
}

// applyMigrations applies database migrations using sql-migrate
func applyMigrations(db *sql.DB, migrationsDir string) error {
	source := &migrate.FileMigrationSource{Dir: migrationsDir}
	migrationSet := &migrate.MigrationSet{TableName: migrationsTableName}

	_, err := migrationSet.Exec(db, "postgres", source, migrate.Up)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationExecution, err)
	}
	return nil
}

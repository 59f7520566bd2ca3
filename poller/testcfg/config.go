package testcfg

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds test-specific configuration for poller acceptance tests
// NOTE: All values are test-optimized (smaller, faster) compared to production
type Config struct {
	MigrationsDir string        `env:"POLLER_TEST_MIGRATIONS_DIR" envDefault:"../../../migrator/migrations"`
	OpTimeout     time.Duration `env:"POLLER_TEST_OP_TIMEOUT" envDefault:"5s"`
	PageSize      int           `env:"POLLER_TEST_PAGE_SIZE" envDefault:"50"` // vs 500 in production
	TokenTimeout  time.Duration `env:"POLLER_TEST_TOKEN_TIMEOUT" envDefault:"10s"`
	StartDate     string        `env:"POLLER_TEST_START_DATE" envDefault:"2024-03-01"`
	EndDate       string        `env:"POLLER_TEST_END_DATE" envDefault:"2024-03-07"`
}

// parseConfig wraps env.Parse to return (Config, error) for use with env.Must
func parseConfig() (Config, error) {
	var cfg Config
	err := env.Parse(&cfg)
	return cfg, err
}

// New loads test configuration from environment variables
func New() Config {
	return env.Must(parseConfig())
}

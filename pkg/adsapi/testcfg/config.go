package testcfg

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds test-specific configuration for API client acceptance tests
type Config struct {
	BaseURL     string        `env:"ADSAPI_TEST_BASE_URL"`
	EntityCode  string        `env:"ADSAPI_TEST_ENTITY_CODE"`
	StoreKey    string        `env:"ADSAPI_TEST_STORE_KEY"`
	Credential  string        `env:"ADSAPI_TEST_CREDENTIAL"`
	StartDate   string        `env:"ADSAPI_TEST_START_DATE" envDefault:"2025-01-01"`
	EndDate     string        `env:"ADSAPI_TEST_END_DATE" envDefault:"2025-01-07"`
	HTTPTimeout time.Duration `env:"ADSAPI_TEST_HTTP_TIMEOUT" envDefault:"30s"`
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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server struct {
		Host    string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
		Port    int    `env:"SERVER_PORT" envDefault:"5250"`
		GinMode string `env:"GIN_MODE" envDefault:"release"`

		// Comma-separated list, "*" allows every origin
		AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	}

	Database struct {
		// sqlite (local copy) or postgres (PostGIS warehouse)
		Driver             string `env:"DB_DRIVER" envDefault:"sqlite"`
		SQLitePath         string `env:"SQLITE_PATH" envDefault:"database/dvf.db"`
		URL                string `env:"DATABASE_URL"`
		MaxConnections     int    `env:"DB_MAX_CONNECTIONS" envDefault:"10"`
		MaxIdleConnections int    `env:"DB_MAX_IDLE_CONNECTIONS" envDefault:"5"`
	}

	Geocoding struct {
		APIURL      string        `env:"GEOCODING_API_URL" envDefault:"https://data.geopf.fr/geocodage/search"`
		MinScore    float64       `env:"GEOCODING_MIN_SCORE" envDefault:"0.4"`
		Timeout     time.Duration `env:"GEOCODING_TIMEOUT" envDefault:"10s"`
		MaxAttempts int           `env:"GEOCODING_MAX_ATTEMPTS" envDefault:"3"`
		CacheDir    string        `env:"GEOCODING_CACHE_DIR"`
	}

	Estimation struct {
		MinComparables int           `env:"ESTIMATION_MIN_COMPARABLES" envDefault:"5"`
		MaxComparables int           `env:"ESTIMATION_MAX_COMPARABLES" envDefault:"500"`
		Timeout        time.Duration `env:"ESTIMATION_TIMEOUT" envDefault:"15s"`
	}

	// BatchProcessing configuration
	BatchProcessing struct {
		// Maximum number of requests accepted in one batch
		MaxBatchSize int `env:"BATCH_MAX_SIZE" envDefault:"100"`

		// Number of concurrent estimation workers
		ProcessorCount int `env:"BATCH_PROCESSOR_COUNT" envDefault:"2"`

		// Maximum number of retries for an item whose store was unavailable
		MaxRetries int `env:"BATCH_MAX_RETRIES" envDefault:"3"`

		// Delay between retries in seconds
		RetryDelay int `env:"BATCH_RETRY_DELAY" envDefault:"5"`

		// Pending journal writes before batches are dropped from the journal
		JournalQueueSize int `env:"BATCH_JOURNAL_QUEUE_SIZE" envDefault:"16"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
	}
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Estimation.MinComparables < 1 {
		return fmt.Errorf("ESTIMATION_MIN_COMPARABLES must be at least 1, got %d", c.Estimation.MinComparables)
	}
	if c.Estimation.MaxComparables < c.Estimation.MinComparables {
		return fmt.Errorf("ESTIMATION_MAX_COMPARABLES (%d) is below ESTIMATION_MIN_COMPARABLES (%d)",
			c.Estimation.MaxComparables, c.Estimation.MinComparables)
	}

	// main switches on the canonical driver name
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required with the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required with the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}

	if c.BatchProcessing.MaxBatchSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be at least 1, got %d", c.BatchProcessing.MaxBatchSize)
	}
	if c.BatchProcessing.ProcessorCount < 1 {
		return fmt.Errorf("BATCH_PROCESSOR_COUNT must be at least 1, got %d", c.BatchProcessing.ProcessorCount)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

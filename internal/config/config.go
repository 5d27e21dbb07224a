package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration settings.
type Config struct {
	Environment string `envconfig:"PG_ENV" default:"development"`

	Workers        int           `envconfig:"PG_WORKERS" default:"3"`
	MaxAttempts    int           `envconfig:"PG_MAX_ATTEMPTS" default:"3"`
	AttemptTimeout time.Duration `envconfig:"PG_ATTEMPT_TIMEOUT" default:"2m"`
	BackoffCap     time.Duration `envconfig:"PG_BACKOFF_CAP" default:"10s"`
	MinFileSize    int64         `envconfig:"PG_MIN_FILE_SIZE" default:"1000"`

	BaseDir    string `envconfig:"PG_BASE_DIR" default:"./catalog"`
	LedgerFile string `envconfig:"PG_LEDGER_FILE" default:"./ledger.json"`

	StatusPort  int           `envconfig:"PG_STATUS_PORT" default:"0"`
	HTTPTimeout time.Duration `envconfig:"PG_HTTP_TIMEOUT" default:"15s"`

	ShutdownTimeout time.Duration `envconfig:"PG_SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"PG_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"PG_LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive: %d", c.Workers)
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive: %d", c.MaxAttempts)
	}

	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive: %s", c.AttemptTimeout)
	}

	if c.MinFileSize <= 0 {
		return fmt.Errorf("minimum file size must be positive: %d", c.MinFileSize)
	}

	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("invalid status port: %d", c.StatusPort)
	}

	if c.BaseDir == "" {
		return fmt.Errorf("catalog base directory cannot be empty")
	}
	if c.LedgerFile == "" {
		return fmt.Errorf("ledger file cannot be empty")
	}

	return nil
}

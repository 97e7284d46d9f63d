// Package config defines the configuration structures shared across the application.
package config

import "fmt"

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// GetAddr returns the listen address in host:port form.
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // minutes
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console or json
	OutputPath string `mapstructure:"output_path"`
}

// QuotaConfig holds daily consultation quota configuration.
type QuotaConfig struct {
	// DailyTotal is the default per-principal daily ceiling applied when a
	// quota row is created lazily or carries no explicit total.
	DailyTotal int              `mapstructure:"daily_total"`
	Reset      QuotaResetConfig `mapstructure:"reset"`
}

// QuotaResetConfig controls the stale-counter reset sweep.
type QuotaResetConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	PollIntervalMS int    `mapstructure:"poll_interval_ms"`
	FilterLogin    string `mapstructure:"filter_login"`
	FilterSecret   string `mapstructure:"filter_secret"`
}

// SchedulerConfig controls the pending-consultation polling loop.
type SchedulerConfig struct {
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	BatchSize      int `mapstructure:"batch_size"`
}

// PartnerConfig holds the external workflow automation service configuration.
type PartnerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Login          string `mapstructure:"login"`
	Secret         string `mapstructure:"secret"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryDelayMS   int    `mapstructure:"retry_delay_ms"`
	RequestsPerMin int    `mapstructure:"requests_per_min"`
}

// BusinessConfig holds business-domain settings.
type BusinessConfig struct {
	// Timezone used for day boundaries (quota day, consulted-today dedupe).
	Timezone string `mapstructure:"timezone"`
	// MaxBatchRows caps a single batch ingestion request.
	MaxBatchRows int `mapstructure:"max_batch_rows"`
}

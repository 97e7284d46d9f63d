package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	sharedConfig "presenca/internal/shared/config"
)

type Config struct {
	Server    sharedConfig.ServerConfig    `mapstructure:"server"`
	Database  sharedConfig.DatabaseConfig  `mapstructure:"database"`
	Logger    sharedConfig.LoggerConfig    `mapstructure:"logger"`
	Quota     sharedConfig.QuotaConfig     `mapstructure:"quota"`
	Scheduler sharedConfig.SchedulerConfig `mapstructure:"scheduler"`
	Partner   sharedConfig.PartnerConfig   `mapstructure:"partner"`
	Business  sharedConfig.BusinessConfig  `mapstructure:"business"`
}

var (
	appConfig   *Config
	appConfigMu sync.RWMutex
)

// Load loads configuration from file and environment variables
func Load(env string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../configs")
	viper.AddConfigPath("../../configs")

	viper.SetEnvPrefix("PRESENCA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Allow env parameter to override server mode if provided
	if env != "" && env != "default" {
		viper.Set("server.mode", env)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	appConfigMu.Lock()
	appConfig = &config
	appConfigMu.Unlock()

	return &config, nil
}

// Get returns the loaded configuration
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.username", "root")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "presenca_dev")
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.max_open_conns", 100)
	viper.SetDefault("database.conn_max_lifetime", 60)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.output_path", "stdout")

	// Quota defaults
	viper.SetDefault("quota.daily_total", 100)
	viper.SetDefault("quota.reset.enabled", true)
	viper.SetDefault("quota.reset.poll_interval_ms", 60000)
	viper.SetDefault("quota.reset.filter_login", "")
	viper.SetDefault("quota.reset.filter_secret", "")

	// Scheduler defaults
	viper.SetDefault("scheduler.poll_interval_ms", 30000)
	viper.SetDefault("scheduler.batch_size", 10)

	// Partner automation defaults
	viper.SetDefault("partner.base_url", "http://localhost:3000")
	viper.SetDefault("partner.login", "")
	viper.SetDefault("partner.secret", "")
	viper.SetDefault("partner.timeout_ms", 120000)
	viper.SetDefault("partner.retries", 2)
	viper.SetDefault("partner.retry_delay_ms", 5000)
	viper.SetDefault("partner.requests_per_min", 0)

	// Business defaults
	viper.SetDefault("business.timezone", "America/Sao_Paulo")
	viper.SetDefault("business.max_batch_rows", 5000)
}

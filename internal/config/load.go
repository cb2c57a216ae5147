package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and optionally a
// config file. Environment variables take precedence over values from the
// config file, which takes precedence over defaults.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file in the working directory or /etc/focusqueue.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/focusqueue")
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables like FOCUSQUEUE_SERVER_PORT override everything.
	v.SetEnvPrefix("FOCUSQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers a complete default configuration so the engine runs
// with no config file at all. Tuning values deliberately live here rather
// than in code that uses them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("queue.database_path", "data/queue.db")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.stale_after_minutes", 30)
	v.SetDefault("queue.cleanup_after_days", 7)

	v.SetDefault("worker.max_workers", 3)
	v.SetDefault("worker.poll_interval_seconds", 5)
	v.SetDefault("worker.stop_timeout_seconds", 30)
	v.SetDefault("worker.retry_base_delay_seconds", 2)
	v.SetDefault("worker.retry_max_delay_seconds", 300)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.recovery_timeout_seconds", 60)
	v.SetDefault("breaker.max_recovery_timeout_seconds", 3600)
	v.SetDefault("breaker.half_open_max_calls", 2)
	v.SetDefault("breaker.call_timeout_seconds", 120)
	v.SetDefault("breaker.timeout_counts_as_failure", true)
	v.SetDefault("breaker.state_path", "data/breaker_state.json")

	v.SetDefault("cache.capacity", 128)
	v.SetDefault("cache.ttl_minutes", 60)

	v.SetDefault("resource.check_interval_seconds", 30)
	v.SetDefault("resource.memory_warning", 0.75)
	v.SetDefault("resource.memory_critical", 0.85)
	v.SetDefault("resource.cpu_warning", 0.80)
	v.SetDefault("resource.cpu_critical", 0.90)
	v.SetDefault("resource.disk_warning", 0.85)
	v.SetDefault("resource.disk_critical", 0.95)
	v.SetDefault("resource.recovery_margin", 0.2)
	v.SetDefault("resource.disk_path", "/")
	v.SetDefault("resource.alert_history_size", 100)

	v.SetDefault("analyzer.command", "claude")
	v.SetDefault("analyzer.args", []string{})
	v.SetDefault("analyzer.timeout_seconds", 120)
}

package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue"    validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker"   validate:"required"`
	Breaker  BreakerConfig  `mapstructure:"breaker"  validate:"required"`
	Cache    CacheConfig    `mapstructure:"cache"    validate:"required"`
	Resource ResourceConfig `mapstructure:"resource" validate:"required"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer" validate:"required"`
}

// ServerConfig contains the HTTP listener and logging settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// QueueConfig contains settings for the persistent work queue.
type QueueConfig struct {
	// DatabasePath is the location of the SQLite file that backs the queue.
	DatabasePath string `mapstructure:"database_path" validate:"required"`

	// MaxRetries is the number of attempts an item gets before it is left
	// failed terminal.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// StaleAfterMinutes is how long an item may sit in processing before a
	// recovery pass returns it to pending.
	StaleAfterMinutes int `mapstructure:"stale_after_minutes" validate:"gt=0"`

	// CleanupAfterDays bounds storage growth: completed items older than this
	// are purged by the maintenance loop.
	CleanupAfterDays int `mapstructure:"cleanup_after_days" validate:"gt=0"`
}

// WorkerConfig contains settings for the worker pool.
type WorkerConfig struct {
	// MaxWorkers is the configured ceiling for concurrent executions. The
	// resource controller may lower the live ceiling at runtime but never
	// raises it above this value.
	MaxWorkers int `mapstructure:"max_workers" validate:"required,gte=1"`

	// PollIntervalSeconds is how often the coordinator refills the pool.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"gt=0"`

	// StopTimeoutSeconds bounds how long Stop waits for in-flight jobs.
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds" validate:"gt=0"`

	// RetryBaseDelaySeconds seeds the exponential backoff between attempts.
	RetryBaseDelaySeconds int `mapstructure:"retry_base_delay_seconds" validate:"gt=0"`

	// RetryMaxDelaySeconds caps the backoff between attempts.
	RetryMaxDelaySeconds int `mapstructure:"retry_max_delay_seconds" validate:"gt=0"`
}

// BreakerConfig contains settings for the circuit breaker around the
// external analyzer.
type BreakerConfig struct {
	FailureThreshold          int  `mapstructure:"failure_threshold"            validate:"required,gte=1"`
	RecoveryTimeoutSeconds    int  `mapstructure:"recovery_timeout_seconds"     validate:"gt=0"`
	MaxRecoveryTimeoutSeconds int  `mapstructure:"max_recovery_timeout_seconds" validate:"gt=0"`
	HalfOpenMaxCalls          int  `mapstructure:"half_open_max_calls"          validate:"required,gte=1"`
	CallTimeoutSeconds        int  `mapstructure:"call_timeout_seconds"         validate:"gt=0"`
	TimeoutCountsAsFailure    bool `mapstructure:"timeout_counts_as_failure"`

	// StatePath is where the breaker snapshot is persisted across restarts.
	// Empty disables persistence.
	StatePath string `mapstructure:"state_path"`
}

// CacheConfig contains settings for the analysis result cache.
type CacheConfig struct {
	Capacity   int `mapstructure:"capacity"    validate:"required,gte=1"`
	TTLMinutes int `mapstructure:"ttl_minutes" validate:"gt=0"`
}

// ResourceConfig contains thresholds for the resource controller. Threshold
// values are fractions of total capacity in (0, 1].
type ResourceConfig struct {
	CheckIntervalSeconds int     `mapstructure:"check_interval_seconds" validate:"gt=0"`
	MemoryWarning        float64 `mapstructure:"memory_warning"         validate:"gt=0,lte=1"`
	MemoryCritical       float64 `mapstructure:"memory_critical"        validate:"gt=0,lte=1"`
	CPUWarning           float64 `mapstructure:"cpu_warning"            validate:"gt=0,lte=1"`
	CPUCritical          float64 `mapstructure:"cpu_critical"           validate:"gt=0,lte=1"`
	DiskWarning          float64 `mapstructure:"disk_warning"           validate:"gt=0,lte=1"`
	DiskCritical         float64 `mapstructure:"disk_critical"          validate:"gt=0,lte=1"`

	// RecoveryMargin is the fraction below the warning threshold that must be
	// sustained before workers are grown back, e.g. 0.2 means usage must sit
	// 20% under the warning level.
	RecoveryMargin float64 `mapstructure:"recovery_margin" validate:"gte=0,lt=1"`

	// DiskPath is the mount point checked for disk pressure.
	DiskPath string `mapstructure:"disk_path" validate:"required"`

	// AlertHistorySize bounds the rolling alert history.
	AlertHistorySize int `mapstructure:"alert_history_size" validate:"gte=1"`
}

// AnalyzerConfig describes the external analysis command.
type AnalyzerConfig struct {
	// Command is the executable invoked for each analysis.
	Command string `mapstructure:"command" validate:"required"`

	// Args are fixed arguments passed before the payload.
	Args []string `mapstructure:"args"`

	// TimeoutSeconds hard-aborts an analysis call.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"gt=0"`
}

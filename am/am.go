// Package am loads weft configuration.
//
// Values come from, lowest precedence first: built-in defaults,
// /etc/weft/weft.toml, ~/.weft/weft.toml, ./weft.toml (searched upwards from
// the working directory) and WEFT_* environment variables.
package am

import "time"

// Config represents the weft configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Command     CommandConfig     `mapstructure:"command"`
	JobExecutor JobExecutorConfig `mapstructure:"job_executor"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures engine-wide behaviour
type EngineConfig struct {
	NodeID            string             `mapstructure:"node_id"`             // Lock owner for acquired jobs (empty = random uuid per process)
	DefaultJobRetries int                `mapstructure:"default_job_retries"` // Retries given to new jobs (default: 3)
	ExpressionTimeout time.Duration      `mapstructure:"expression_timeout"`  // Hard limit for one expression evaluation
	OperationLog      OperationLogConfig `mapstructure:"operation_log"`
}

// OperationLogConfig configures the operation log written by bulk operator commands
type OperationLogConfig struct {
	// More affected entities than this produce one summary entry instead of
	// one entry per entity. -1 never summarizes.
	SummaryThreshold int `mapstructure:"summary_threshold"`
	// More affected entities than this reject the operation before any
	// mutation. 0 disables the check.
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// Retry points for the command retry interceptor
const (
	RetryPointContext     = "context"
	RetryPointTransaction = "transaction"
)

// CommandConfig configures the command pipeline
type CommandConfig struct {
	RetryAttempts    int           `mapstructure:"retry_attempts"`     // Total attempts on optimistic lock conflicts (default: 3)
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"` // First sleep between attempts
	RetryBackoffCap  time.Duration `mapstructure:"retry_backoff_cap"`  // Upper bound for one sleep
	RetryPoint       string        `mapstructure:"retry_point"`        // "context" or "transaction"
}

// JobExecutorConfig configures the job acquisition loop and worker pool
type JobExecutorConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	AcquisitionInterval time.Duration `mapstructure:"acquisition_interval"` // Idle wait between acquisition cycles
	BatchSize           int           `mapstructure:"batch_size"`           // Max jobs locked per cycle
	Workers             int           `mapstructure:"workers"`              // Concurrent job workers
	QueueSize           int           `mapstructure:"queue_size"`           // Work units buffered between acquisition and workers
	LockDuration        time.Duration `mapstructure:"lock_duration"`        // Lock lifetime of an acquired job
	BackoffBase         time.Duration `mapstructure:"backoff_base"`         // First delay after a failed job execution
	BackoffCap          time.Duration `mapstructure:"backoff_cap"`          // Upper bound for the failed job delay
	MaxJobsPerSecond    float64       `mapstructure:"max_jobs_per_second"`  // Dispatch rate limit (0 = unlimited)
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"` // OTLP/HTTP endpoint host:port (empty = exporter default)
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// ConfigFileName is the file name looked up in every config location
const ConfigFileName = "weft.toml"

package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "weft.db")

	// Engine defaults
	v.SetDefault("engine.node_id", "")
	v.SetDefault("engine.default_job_retries", 3)
	v.SetDefault("engine.expression_timeout", 250*time.Millisecond)
	v.SetDefault("engine.operation_log.summary_threshold", 1)
	v.SetDefault("engine.operation_log.failure_threshold", 0)

	// Command pipeline defaults
	v.SetDefault("command.retry_attempts", 3)
	v.SetDefault("command.retry_backoff_base", 10*time.Millisecond)
	v.SetDefault("command.retry_backoff_cap", 200*time.Millisecond)
	v.SetDefault("command.retry_point", RetryPointContext)

	// Job executor defaults
	v.SetDefault("job_executor.enabled", true)
	v.SetDefault("job_executor.acquisition_interval", 5*time.Second)
	v.SetDefault("job_executor.batch_size", 10)
	v.SetDefault("job_executor.workers", 4)
	v.SetDefault("job_executor.queue_size", 16)
	v.SetDefault("job_executor.lock_duration", 5*time.Minute)
	v.SetDefault("job_executor.backoff_base", 10*time.Second)
	v.SetDefault("job_executor.backoff_cap", 10*time.Minute)
	v.SetDefault("job_executor.max_jobs_per_second", 0.0)

	// Logging defaults
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.level", "info")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "weft")
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly set
// per deployment rather than per project
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "WEFT_DATABASE_PATH")
	v.BindEnv("engine.node_id", "WEFT_NODE_ID")
	v.BindEnv("telemetry.endpoint", "WEFT_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Default returns a Config populated only from built-in defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always decode; a failure here is a programming error.
		panic(fmt.Sprintf("am: decode defaults: %v", err))
	}
	return cfg
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "weft.db" // Fallback default
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Engine: {NodeID: %q}, JobExecutor: {Workers: %d, Batch: %d}}",
		c.Database.Path, c.Engine.NodeID, c.JobExecutor.Workers, c.JobExecutor.BatchSize)
}

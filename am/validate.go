package am

import "github.com/teranos/weft/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Retries: 0 = jobs fail straight into an incident, negative = invalid
	if c.Engine.DefaultJobRetries < 0 {
		return errors.Newf("engine.default_job_retries must be >= 0, got %d", c.Engine.DefaultJobRetries)
	}
	if c.Engine.ExpressionTimeout < 0 {
		return errors.Newf("engine.expression_timeout must be >= 0, got %s", c.Engine.ExpressionTimeout)
	}

	// Operation log: -1 = never summarize, 0 = summarize from the first entity
	if c.Engine.OperationLog.SummaryThreshold < -1 {
		return errors.Newf("engine.operation_log.summary_threshold must be >= -1, got %d", c.Engine.OperationLog.SummaryThreshold)
	}
	// 0 = no limit (valid per "zero means zero"), negative = invalid
	if c.Engine.OperationLog.FailureThreshold < 0 {
		return errors.Newf("engine.operation_log.failure_threshold must be >= 0, got %d", c.Engine.OperationLog.FailureThreshold)
	}

	// Command attempts: at least the first one has to run
	if c.Command.RetryAttempts < 1 {
		return errors.Newf("command.retry_attempts must be >= 1, got %d", c.Command.RetryAttempts)
	}
	if c.Command.RetryBackoffBase < 0 || c.Command.RetryBackoffCap < 0 {
		return errors.New("command.retry_backoff_base and command.retry_backoff_cap must be >= 0")
	}
	if c.Command.RetryBackoffCap < c.Command.RetryBackoffBase {
		return errors.Newf("command.retry_backoff_cap (%s) must be >= command.retry_backoff_base (%s)",
			c.Command.RetryBackoffCap, c.Command.RetryBackoffBase)
	}
	switch c.Command.RetryPoint {
	case RetryPointContext, RetryPointTransaction:
	default:
		return errors.Newf("command.retry_point must be %q or %q, got %q",
			RetryPointContext, RetryPointTransaction, c.Command.RetryPoint)
	}

	je := c.JobExecutor
	if je.Enabled {
		if je.Workers <= 0 {
			return errors.Newf("job_executor.workers must be > 0 when enabled, got %d", je.Workers)
		}
		if je.BatchSize <= 0 {
			return errors.Newf("job_executor.batch_size must be > 0 when enabled, got %d", je.BatchSize)
		}
		if je.AcquisitionInterval <= 0 {
			return errors.Newf("job_executor.acquisition_interval must be > 0 when enabled, got %s", je.AcquisitionInterval)
		}
		if je.LockDuration <= 0 {
			return errors.Newf("job_executor.lock_duration must be > 0 when enabled, got %s", je.LockDuration)
		}
	}
	// Queue size: 0 = unbuffered hand-off to workers, negative = invalid
	if je.QueueSize < 0 {
		return errors.Newf("job_executor.queue_size must be >= 0, got %d", je.QueueSize)
	}
	// A zero base would leave a failed job due again at the same instant
	if je.BackoffBase <= 0 {
		return errors.Newf("job_executor.backoff_base must be > 0, got %s", je.BackoffBase)
	}
	if je.BackoffCap < je.BackoffBase {
		return errors.Newf("job_executor.backoff_cap (%s) must be >= job_executor.backoff_base (%s)",
			je.BackoffCap, je.BackoffBase)
	}
	// Rate: 0 = unlimited, negative = invalid
	if je.MaxJobsPerSecond < 0 {
		return errors.Newf("job_executor.max_jobs_per_second must be >= 0, got %f", je.MaxJobsPerSecond)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return errors.Newf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("telemetry.service_name cannot be empty when enabled")
	}

	return nil
}

package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/weft/errors"
)

const backupCount = 3

// Tree returns the configuration as nested maps keyed like the TOML file.
// Durations are rendered in time.Duration string form so the result can be
// written back and read by Load.
func (c *Config) Tree() map[string]interface{} {
	return map[string]interface{}{
		"database": map[string]interface{}{
			"path": c.Database.Path,
		},
		"engine": map[string]interface{}{
			"node_id":             c.Engine.NodeID,
			"default_job_retries": c.Engine.DefaultJobRetries,
			"expression_timeout":  c.Engine.ExpressionTimeout.String(),
			"operation_log": map[string]interface{}{
				"summary_threshold": c.Engine.OperationLog.SummaryThreshold,
				"failure_threshold": c.Engine.OperationLog.FailureThreshold,
			},
		},
		"command": map[string]interface{}{
			"retry_attempts":     c.Command.RetryAttempts,
			"retry_backoff_base": c.Command.RetryBackoffBase.String(),
			"retry_backoff_cap":  c.Command.RetryBackoffCap.String(),
			"retry_point":        c.Command.RetryPoint,
		},
		"job_executor": map[string]interface{}{
			"enabled":              c.JobExecutor.Enabled,
			"acquisition_interval": c.JobExecutor.AcquisitionInterval.String(),
			"batch_size":           c.JobExecutor.BatchSize,
			"workers":              c.JobExecutor.Workers,
			"queue_size":           c.JobExecutor.QueueSize,
			"lock_duration":        c.JobExecutor.LockDuration.String(),
			"backoff_base":         c.JobExecutor.BackoffBase.String(),
			"backoff_cap":          c.JobExecutor.BackoffCap.String(),
			"max_jobs_per_second":  c.JobExecutor.MaxJobsPerSecond,
		},
		"logging": map[string]interface{}{
			"json":  c.Logging.JSON,
			"level": c.Logging.Level,
		},
		"telemetry": map[string]interface{}{
			"enabled":      c.Telemetry.Enabled,
			"endpoint":     c.Telemetry.Endpoint,
			"insecure":     c.Telemetry.Insecure,
			"service_name": c.Telemetry.ServiceName,
		},
	}
}

// MarshalTOML renders the configuration as a weft.toml document.
func (c *Config) MarshalTOML() ([]byte, error) {
	data, err := toml.Marshal(c.Tree())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// Save validates c and writes it to path, rotating up to three backups
// (.back1 newest) of the previous file.
func Save(c *Config, path string) error {
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid config")
	}

	data, err := c.MarshalTOML()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	oldest := fmt.Sprintf("%s.back%d", configPath, backupCount)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", oldest)
	}

	for i := backupCount - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.back%d", configPath, i)
		to := fmt.Sprintf("%s.back%d", configPath, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return errors.Wrapf(err, "failed to rotate %s to %s", from, to)
			}
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(configPath+".back1", content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

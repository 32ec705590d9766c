package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/internal/telemetry"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/metrics"
	"github.com/teranos/weft/sym"
)

// ExecutorCmd represents the executor command
var ExecutorCmd = &cobra.Command{
	Use:   "executor",
	Short: sym.Short("executor"),
	Long: sym.Executor + ` executor — job acquisition and workers

Every node runs one executor. It locks due jobs under the node id
(engine.node_id, random when empty), runs them on a bounded worker pool
and releases its locks on shutdown. Several nodes can share a database;
a crashed node's jobs are picked up once their locks expire.

Example:
  weft executor start              # Run in foreground until Ctrl+C
  weft executor start --workers 8  # Override job_executor.workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var executorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the job executor",
	Long: `Start the job executor in foreground mode.

Changes to the active weft.toml are applied while running, except
workers and queue_size which need a restart.`,
	RunE: runExecutorStart,
}

func init() {
	executorStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = job_executor.workers)")
	ExecutorCmd.AddCommand(executorStartCmd)
}

func runExecutorStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.JobExecutor.Workers = workers
	}
	cfg.JobExecutor.Enabled = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	eng, err := openEngineWith(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	if path := am.ActiveConfigFile(); path != "" {
		cw, err := am.NewConfigWatcher(path, logger.ComponentLogger("config"))
		if err != nil {
			logger.Logger.Warnw("Config hot reload unavailable", "path", path, logger.FieldError, err)
		} else {
			am.SetGlobalWatcher(cw)
			eng.WatchConfig(cw)
			cw.Start()
			defer cw.Stop()
		}
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	je := cfg.JobExecutor
	fmt.Printf("%s Job executor started\n", sym.Open)
	fmt.Printf("  Node: %s\n", eng.JobExecutor().LockOwner())
	fmt.Printf("  Database: %s\n", cfg.GetDatabasePath())
	fmt.Printf("  Workers: %d (queue %d)\n", je.Workers, je.QueueSize)
	fmt.Printf("  Acquisition: every %v, up to %d jobs, locked for %v\n",
		je.AcquisitionInterval, je.BatchSize, je.LockDuration)
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Executor)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Stopping, running jobs finish first...\n", sym.Close)
	cancel()
	eng.JobExecutor().Stop()

	m := eng.Metrics()
	pterm.Info.Printfln("Jobs acquired %d, executed %d, failed %d, incidents %d",
		m.Value(metrics.JobsAcquired), m.Value(metrics.JobsExecuted),
		m.Value(metrics.JobsFailed), m.Value(metrics.IncidentsCreated))
	fmt.Printf("%s Job executor stopped\n", sym.Close)
	return nil
}

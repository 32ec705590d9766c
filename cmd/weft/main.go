package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/cmd/weft/commands"
	"github.com/teranos/weft/logger"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - transactional process engine",
	Long: `weft - transactional process engine.

weft runs process definitions as execution trees stored in SQLite. Every
change is a command that commits atomically; deferred work (timers, async
continuations) is picked up by job executors on one or more nodes.

Available commands:
  am         - Show and validate configuration
  db         - Migrate the database
  executor   - Run the job executor of this node
  jobs       - List and operate on jobs
  incidents  - List and resolve incidents
  instances  - Start, inspect and terminate process instances
  demo       - Run the sample processes end to end
  version    - Show version and schema information

Examples:
  weft am show                     # Show current configuration
  weft executor start              # Run the job executor until Ctrl+C
  weft jobs ls --failed            # Jobs without retries left
  weft incidents resolve <id>      # Mark an incident resolved`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Keep 'am show' and 'version' output clean for piping
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		level := logger.VerbosityToLevel(verbosity, logger.ParseLevel(cfg.Logging.Level))
		if err := logger.Initialize(cfg.Logging.JSON, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ExecutorCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.IncidentsCmd)
	rootCmd.AddCommand(commands.InstancesCmd)
	rootCmd.AddCommand(commands.DemoCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/db"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.Short("db"),
	Long: sym.DB + ` db — Manage the weft database

Examples:
  weft db migrate                 # Apply pending migrations
  weft db status                  # Show applied migrations`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied migrations",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path := cfg.GetDatabasePath()

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	applied, err := db.MigrateCount(database, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to run migrations on %s", path)
	}
	if applied == 0 {
		pterm.Info.Printfln("%s %s is up to date", sym.DB, path)
		return nil
	}
	pterm.Success.Printfln("%s Applied %d migration(s) to %s", sym.DB, applied, path)
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path := cfg.GetDatabasePath()

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return errors.Wrap(err, "database has no migrations, run 'weft db migrate'")
	}
	fmt.Printf("%s Database: %s\n", sym.DB, path)
	fmt.Printf("  Applied migrations: %s\n", strings.Join(versions, ", "))

	expected, err := db.SchemaVersion()
	if err != nil {
		return err
	}
	if len(versions) == 0 || versions[len(versions)-1] != expected {
		pterm.Warning.Printfln("Schema is behind this binary (expects %s), run 'weft db migrate'", expected)
	}
	return nil
}

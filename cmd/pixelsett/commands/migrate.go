package commands

import (
	"strconv"

	"github.com/dyluth/pixelsett/internal/printer"
	"github.com/dyluth/pixelsett/internal/repository"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the SQLite schema",
	Long: `Apply, roll back or inspect the embedded SQLite schema migrations.

The database is the database_path from pixelsett.yml (or PIXELSETT_DATABASE).
serve applies pending migrations on start, so migrate up is only needed to
prepare a database ahead of time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printer.Step("Migrating %s...\n", cfg.DatabasePath)
		if err := repository.MigrateUp(cfg.DatabasePath); err != nil {
			return printer.Error("migration failed", err.Error(), nil)
		}
		return printMigrationVersion(cfg.DatabasePath)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration (drops all canvas data)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printer.Warning("Rolling back %s; all canvases and pixels will be dropped\n", cfg.DatabasePath)
		if err := repository.MigrateDown(cfg.DatabasePath); err != nil {
			return printer.Error("rollback failed", err.Error(), nil)
		}
		printer.Success("Schema rolled back\n")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printMigrationVersion(cfg.DatabasePath)
	},
}

func printMigrationVersion(dbPath string) error {
	version, dirty, err := repository.MigrationVersion(dbPath)
	if err != nil {
		return printer.Error("could not read schema version", err.Error(), nil)
	}
	if dirty {
		return printer.ErrorWithContext(
			"schema is dirty",
			"A migration failed partway through and needs manual repair.",
			map[string]string{"version": fmtUint(version)},
			[]string{"Inspect schema_migrations in the database, fix the schema, then rerun migrate up"},
		)
	}
	printer.Success("Schema at version %d\n", version)
	return nil
}

func fmtUint(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

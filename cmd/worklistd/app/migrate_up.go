package app

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/database"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the schema up to date.
This command reads the database connection parameters from the config file
and applies all migrations that haven't been run yet.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, connString, err := migrationConnString(cmd)
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf("About to apply migrations to database %s@%s:%d/%s. Continue?",
		cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	ok, err := confirm(cmd, prompt)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("migration cancelled by user")
		return nil
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	log.Info("applying database migrations")
	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("no migrations to apply, database is up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	switch {
	case err != nil:
		log.Warn("unable to get migration version", zap.Error(err))
	case dirty:
		log.Warn("database is in a dirty state", zap.Uint("version", version))
	default:
		log.Info("migrations applied successfully", zap.Uint("version", version))
	}

	return nil
}

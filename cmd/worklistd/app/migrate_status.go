package app

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/database"
)

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current migration version",
	Long:  `Show the current schema migration version of the configured database.`,
	RunE:  runMigrateStatus,
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	_, connString, err := migrationConnString(cmd)
	if err != nil {
		return err
	}

	version, dirty, err := database.GetVersion(connString)
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("no migrations have been applied yet")
			return nil
		}
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Warn("database is in a dirty state, manual intervention may be required",
			zap.Uint("version", version))
	} else {
		log.Info("database schema is at version", zap.Uint("version", version))
	}
	return nil
}

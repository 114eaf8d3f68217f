package app

import (
	"fmt"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Migrate the database down",
	Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  worklistd migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  worklistd migrate down --config config.yaml --yes`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	_, connString, err := migrationConnString(cmd)
	if err != nil {
		return err
	}

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	var prompt string
	if numSteps == 0 {
		prompt = "WARNING: This will migrate down ALL steps and may result in complete data loss. Continue?"
	} else {
		prompt = fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	}
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

	if err := executeMigrateDown(m, numSteps); err != nil {
		return err
	}

	displayMigrationVersion(m, numSteps)
	return nil
}

func executeMigrateDown(m database.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		log.Warn("migrating down all steps, this will remove all schema")
		err = m.Down()
	} else {
		log.Info("migrating down", zap.Uint("steps", numSteps))
		// Check for overflow before conversion
		if numSteps > math.MaxInt {
			return fmt.Errorf("number of steps exceeds maximum allowed value")
		}
		err = m.Steps(-1 * int(numSteps)) // #nosec G115 -- overflow checked above
	}

	if err != nil {
		if err == migrate.ErrNoChange {
			log.Info("no migrations to revert, database is already at the oldest version")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("migration completed successfully")
	return nil
}

func displayMigrationVersion(m database.Migrator, numSteps uint) {
	version, dirty, err := m.Version()
	if err != nil {
		if numSteps == 0 {
			log.Info("database schema has been completely removed")
		} else {
			log.Warn("failed to get migration version", zap.Error(err))
		}
		return
	}

	if dirty {
		log.Warn("current migration version is dirty, manual intervention may be required",
			zap.Uint("version", version))
	} else {
		log.Info("current migration version", zap.Uint("version", version))
	}
}

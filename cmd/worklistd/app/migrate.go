package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmwl/worklist-server/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

// migrationConnString loads the configuration named by the command's
// --config flag and returns the database connection string.
func migrationConnString(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Database == nil {
		return nil, "", fmt.Errorf("database configuration is required")
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, "", fmt.Errorf("failed to build connection string: %w", err)
	}

	return cfg, connString, nil
}

// confirm prompts on stdin unless the --yes flag is set.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}

	fmt.Printf("%s (yes/no): ", prompt)
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	return response == "yes" || response == "y", nil
}

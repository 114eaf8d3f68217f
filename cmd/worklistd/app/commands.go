// Package app provides the entry point for the worklist server application.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/versions"
)

// log is the process logger, injected by NewRootCmd before any command runs.
var log = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:               "worklistd",
	DisableAutoGenTag: true,
	Short:             "Clinical worklist synchronization server",
	Long: `worklistd synchronizes scheduling data from external clinical systems
into a modality worklist database and serves it over a REST API.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			log.Error("error displaying help", zap.Error(err))
		}
	},
}

// NewRootCmd creates the root command for the worklist server.
func NewRootCmd(logger *zap.Logger) *cobra.Command {
	if logger != nil {
		log = logger
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		log.Error("error binding debug flag", zap.Error(err))
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			log.Error("error retrieving format flag", zap.Error(err))
			return
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				log.Error("error formatting version info as JSON", zap.Error(err))
				return
			}
			fmt.Println(string(output))
		} else {
			log.Info("worklistd version",
				zap.String("version", info.Version),
				zap.String("commit", info.Commit),
				zap.String("built", info.BuildDate),
				zap.String("go", info.GoVersion),
				zap.String("platform", info.Platform))
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}

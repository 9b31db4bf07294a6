// Package cli is the calmirror command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"calmirror/internal/config"
	appLog "calmirror/internal/log"
)

var (
	configPath string
	logLevel   string

	// cfg is loaded once in PersistentPreRunE for every subcommand.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "calmirror",
	Short: "Local mirror of a CalDAV calendar account",
	Long: `calmirror keeps a local, queryable copy of a CalDAV account in SQLite,
reconciles it with the server on a schedule and expands recurring events
for display.

Run 'calmirror serve' to start the HTTP API and the sync scheduler.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level = logLevel
			loaded.Normalize()
		}

		err = appLog.Configure(appLog.Options{
			Level:      appLog.ParseLevel(loaded.Log.Level),
			File:       loaded.Log.File,
			MaxSizeMB:  loaded.Log.MaxSizeMB,
			MaxBackups: loaded.Log.MaxBackups,
			MaxAgeDays: loaded.Log.MaxAgeDays,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg = loaded
		appLog.Debug("config loaded", "path", configPath, "command", cmd.Name())
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(instancesCmd)
}

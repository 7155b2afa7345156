// Package cli holds the calldoc command tree.
package cli

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tacos8me/calldoc/internal/config"
	"github.com/tacos8me/calldoc/internal/logging"
)

var (
	configFile string
	verbose    bool
)

// NewRootCommand builds the calldoc command tree.
func NewRootCommand(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "calldoc",
		Short: "PBX call-data ingest and correlation",
		Long: `CallDoc connects to an IP Office PBX over DevLink3, receives its SMDR
detail records, and joins both streams into one persisted call history.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/calldoc.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		createServeCommand(),
		createIngestCommand(),
		createStatusCommand(),
		createCallsCommand(),
		createAgentCommands(),
		createSMDRCommands(),
		createInitDBCommand(),
		createVersionCommand(version),
	)
	return rootCmd
}

// loadConfig reads the configuration and builds the logger for it.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, fromFile, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	if !fromFile {
		log.WithField("path", configFile).Warn("Config file not found, using defaults and environment")
	}
	return cfg, log, nil
}

func smdrLocation(cfg *config.Config) (*time.Location, error) {
	loc, err := time.LoadLocation(cfg.SMDR.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid smdr.location: %w", err)
	}
	return loc, nil
}

func createVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "CallDoc %s\n", version)
		},
	}
}

// Package cli provides the command-line interface of the tile worker.
package cli

import (
	"log/slog"

	"github.com/Lllllllleong/drawingtileflow/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tile-worker",
	Short: "Drawing tile pyramid worker",
	Long: `tile-worker turns rendered drawing pages into Deep Zoom tile pyramids.

It polls the job queue for generate_drawing_tiles jobs, uploads every tile,
thumbnail and manifest to object storage, records the result on the sheet
version and marks drawing sets ready once all of their sheets are tiled.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger, closeLog = config.SetupLogger(cfg.Debug, cfg.LogFile)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(enqueueCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

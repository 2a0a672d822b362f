// Package cli provides the command-line interface for intentmix.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/intentmix/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, loaded before every command except version and help
	cfg        config.Config
	logCleanup func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "intentmix",
	Short: "Generate ambiguous multi-intent farmer questions",
	Long: `Intentmix generates realistic farmer questions that deliberately blend
several intents, to stress-test the intent classifier of an agricultural
chatbot.

Each batch samples a weighted intent mix, shows the model similar existing
questions as references, and keeps only candidates that are valid and novel.
Intent weights evolve during the run so coverage stays balanced.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		// The progress UI owns the terminal; keep text logs off it.
		var stderr io.Writer = os.Stderr
		if cmd.Name() == "generate" && genProgress && term.IsTerminal(int(os.Stdout.Fd())) {
			stderr = io.Discard
		}
		logger, cleanup := config.SetupLoggerTo(stderr, cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		logCleanup = cleanup
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			if err := logCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
			logCleanup = nil
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(intentsCmd)
	rootCmd.AddCommand(versionCmd)
}

package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "0.1.0-dev"

var (
	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "speechd",
	Short:         "Speech delivery analysis for interview practice",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SPEECHD_CONFIG"), "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override telemetry.log_level (debug|info|warn|error)")
}

// loadConfig reads the configuration named by --config, or the defaults
// with environment overrides when none is given.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// newLogger logs JSON to w. The daemon logs to stdout; one-shot commands
// log to stderr so their results on stdout stay machine readable.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := cfg.Telemetry.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

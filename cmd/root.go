package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/debugprobe/internal/config"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

const defaultConfigPath = "~/.debugprobe/config.json5"

var (
	cfgFile   string
	verbose   bool
	logFormat string

	// logLevel is shared by the installed handler and config hot reload.
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:           "debugprobe",
	Short:         "On-device debug telemetry agent",
	Long:          "debugprobe streams debug telemetry from a device to a Hub, queues it while offline and hosts capability plugins the Hub can command.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default "+defaultConfigPath+", or $DEBUGPROBE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(pluginsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	if v := os.Getenv("DEBUGPROBE_CONFIG"); v != "" {
		return config.ExpandHome(v)
	}
	return config.ExpandHome(defaultConfigPath)
}

// loadConfig loads the config and installs the log handler it describes.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	setupLogging(cfg, nil)
	return cfg, nil
}

// setupLogging installs the process-wide slog handler. wrap, when set,
// decorates the base handler.
func setupLogging(cfg *config.Config, wrap func(slog.Handler) slog.Handler) {
	level := slog.LevelInfo
	if cfg != nil {
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	if verbose {
		level = slog.LevelDebug
	}
	logLevel.Set(level)

	format := logFormat
	if format == "" && cfg != nil {
		format = cfg.Log.Format
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	if wrap != nil {
		h = wrap(h)
	}
	slog.SetDefault(slog.New(h))
}

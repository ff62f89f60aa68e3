package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"channel/internal/config"
	"channel/internal/logging"
	"channel/pkg/frame"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFile    string
	logFormat  string
)

// Set by the root command before any subcommand runs.
var (
	cfg       config.Config
	logger    *slog.Logger
	levelVar  *slog.LevelVar
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "channel",
	Short: "Channel - broadcast lines to TCP listeners",
	Long: `Channel is a single-producer, multi-consumer broadcast channel over TCP.

The server reads lines and sends each one, framed with a small binary header,
to every connected listener. Listeners check the frames and print the payloads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv(config.EnvPath)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if flags.Changed("log-file") {
			cfg.Log.File = logFile
		}
		if flags.Changed("log-format") {
			cfg.Log.Format = logFormat
		}

		logger, levelVar, logCloser, err = logging.Setup(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the protocol version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "protocol %s (header %d bytes)\n", frame.VersionString(), frame.HeaderSize)
	},
}

// watchLogLevel applies log level changes from the config file until ctx is
// done.
func watchLogLevel(ctx context.Context) {
	if configPath == "" {
		return
	}
	err := config.Watch(ctx, configPath, logger, func(c config.Config) {
		if lvl, err := logging.ParseLevel(c.Log.Level); err == nil {
			levelVar.Set(lvl)
		}
	})
	if err != nil {
		logger.Warn("Not watching config", "error", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $"+config.EnvPath+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level: debug, info, warn, error, or 1 (error) .. 4 (debug)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr (rotated)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

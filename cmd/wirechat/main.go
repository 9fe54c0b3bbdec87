package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           "wirechat",
		Short:         "Real-time conversation sync: server and terminal client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config.yaml")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error, disabled)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format (console or json)")

	cmd.AddCommand(
		newServeCommand(&flags),
		newChatCommand(&flags),
		newTokenCommand(&flags),
	)
	return cmd
}

// loadConfig reads configuration and applies overrides on top of it.
func loadConfig(flags *globalFlags, overrides config.Config) (config.Config, *zerolog.Logger, error) {
	bootLogger := log.New("warn", "console")

	cfg, path, err := config.Load(bootLogger, flags.configPath)
	if err != nil {
		return cfg, bootLogger, err
	}
	overrides.Log = config.LogConfig{Level: flags.logLevel, Format: flags.logFormat}
	cfg.UpdateFrom(overrides)

	logger := log.New(cfg.Log.Level, cfg.Log.Format)
	logger.Debug().Str("path", path).Msg("config loaded")
	return cfg, logger, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wirechat: %v\n", err)
		os.Exit(1)
	}
}

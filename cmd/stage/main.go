// Command stage runs a headless stage client with a local control API.
//
// Usage:
//
//	stage run [--join]     start the client and serve the control API
//	stage devices          print the configured device catalog
//
// CONFIG_ENV selects config/config.<env>.yaml; STAGE_* variables override keys.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagConfigEnv string
	flagLogLevel  string
	flagJSONLogs  bool
)

var rootCmd = &cobra.Command{
	Use:           "stage",
	Short:         "Headless multi-party stage client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagConfigEnv != "" {
			if err := os.Setenv("CONFIG_ENV", flagConfigEnv); err != nil {
				return fmt.Errorf("set CONFIG_ENV: %w", err)
			}
		}
		setupLogging(flagLogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigEnv, "env", "", "config environment (overrides CONFIG_ENV)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides log_level)")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "write JSON logs instead of console output")
	rootCmd.AddCommand(runCmd, devicesCmd)
}

// setupLogging configures the global logger; an empty level keeps info until
// the config is read.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !flagJSONLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	applyLevel(level)
}

func applyLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Err(err).Str("level", level).Msg("unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

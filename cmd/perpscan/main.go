package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "PerpScan"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "perpscan",
		Short:   "Real-time perpetual futures spread scanner",
		Version: version,
		Long: `PerpScan aggregates top-of-book quotes from perpetual futures venues,
detects cross-venue arbitrage spreads, and streams both to WebSocket
subscribers alongside a read-only REST API.

Run 'perpscan serve' to start the scanner. Configuration comes from the
environment (LISTEN_PORT, MIN_SPREAD_PCT, VENUE_* keys, ...).`,
		Run: runDefaultEntry,
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		levelStr, _ := cmd.Flags().GetString("log-level")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil {
			return fmt.Errorf("invalid log level %q", levelStr)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// runDefaultEntry routes a bare invocation: help for a terminal, guidance
// for automation contexts that need an explicit subcommand.
func runDefaultEntry(cmd *cobra.Command, _ []string) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "perpscan needs a subcommand in non-interactive environments:\n\n")
		fmt.Fprintf(os.Stderr, "   perpscan serve\n")
		fmt.Fprintf(os.Stderr, "   perpscan probe --venue hyperliquid\n")
		fmt.Fprintf(os.Stderr, "   perpscan --help\n")
		os.Exit(2)
	}
	_ = cmd.Help()
}

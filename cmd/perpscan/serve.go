package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/perpscan/perpscan/internal/app"
	"github.com/perpscan/perpscan/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scanner and gateway",
		Long: `Connects all enabled venue adapters, aggregates quotes, detects
cross-venue spreads, and serves the WebSocket/REST gateway until
interrupted.`,
		RunE: runServe,
	}
	bindServeFlags(cmd.Flags())
	return cmd
}

func bindServeFlags(fs *pflag.FlagSet) {
	fs.Int("port", 0, "Listen port (overrides LISTEN_PORT)")
	fs.String("config", "", "Venues YAML file (overrides VENUES_CONFIG)")
	fs.StringSlice("venues", nil, "Venues to enable, disabling the rest")
	fs.Bool("synthetic-arbitrage", false, "Let synthetic quotes participate in detection")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		if port < 1 || port > 65535 {
			return fmt.Errorf("--port %d out of range", port)
		}
		cfg.ListenPort = port
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.ApplyVenuesFile(path); err != nil {
			return err
		}
	}
	if names, _ := cmd.Flags().GetStringSlice("venues"); len(names) > 0 {
		if err := cfg.SelectVenues(names); err != nil {
			return err
		}
	}
	if len(cfg.EnabledVenues()) == 0 {
		return fmt.Errorf("no venues enabled after overrides")
	}
	if synthetic, _ := cmd.Flags().GetBool("synthetic-arbitrage"); synthetic {
		cfg.AllowSynthetic = true
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Msg(appName + " starting")
	return a.Run(ctx)
}

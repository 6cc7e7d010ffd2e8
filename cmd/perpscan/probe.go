package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/perpscan/perpscan/internal/config"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/symbols"
	"github.com/perpscan/perpscan/internal/venues"
	"github.com/perpscan/perpscan/internal/venues/binance"
	"github.com/perpscan/perpscan/internal/venues/bybit"
	"github.com/perpscan/perpscan/internal/venues/hyperliquid"
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "One-shot venue connectivity probe",
		Long: `Fetches a REST snapshot from each probe-capable enabled venue and
prints the quotes without starting the scanner. Exits non-zero only when
every probe fails. Streaming-only venues cannot be probed.`,
		RunE: runProbe,
	}
	bindProbeFlags(cmd.Flags())
	return cmd
}

func bindProbeFlags(fs *pflag.FlagSet) {
	fs.String("venue", "", "Probe a single venue (hyperliquid|binance|bybit)")
	fs.StringSlice("symbols", nil, "Symbol override in the venue's native form")
	fs.Duration("timeout", 5*time.Second, "Timeout per venue")
}

func runProbe(cmd *cobra.Command, _ []string) error {
	venueName, _ := cmd.Flags().GetString("venue")
	override, _ := cmd.Flags().GetStringSlice("symbols")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	targets := []string{venueName}
	if venueName == "" {
		targets = targets[:0]
		for _, name := range cfg.EnabledVenues() {
			if probeSupported(name) {
				targets = append(targets, name)
			}
		}
		if len(targets) == 0 {
			return fmt.Errorf("no enabled venue supports probing")
		}
	}

	client := &http.Client{Timeout: timeout}
	failed := 0
	for _, name := range targets {
		if err := probeVenue(cmd.Context(), client, cfg, name, override, timeout); err != nil {
			failed++
			fmt.Printf("%-12s probe failed: %v\n", name, err)
		}
	}
	if failed == len(targets) {
		return fmt.Errorf("all %d probes failed", len(targets))
	}
	return nil
}

func probeSupported(name string) bool {
	switch name {
	case hyperliquid.Name, binance.Name, bybit.Name:
		return true
	}
	return false
}

func probeVenue(ctx context.Context, client *http.Client, cfg *config.Config, name string, override []string, timeout time.Duration) error {
	vc, ok := cfg.Venues[name]
	if !ok {
		return fmt.Errorf("unknown venue")
	}
	syms := vc.Symbols
	if len(override) > 0 {
		syms = override
	}
	settings := venues.Settings{
		Venue:      name,
		RestURL:    vc.RestURL,
		Symbols:    syms,
		Normalizer: symbols.New(nil),
		Metrics:    metrics.NewIsolatedRegistry(),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var quotes []model.Quote
	var err error
	switch name {
	case hyperliquid.Name:
		quotes, err = hyperliquid.ProbeQuotes(ctx, client, settings)
	case binance.Name:
		quotes, err = binance.Probe(ctx, client, settings)
	case bybit.Name:
		quotes, err = bybit.Probe(ctx, client, settings)
	default:
		return fmt.Errorf("streaming-only venue")
	}
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		return fmt.Errorf("no quotes returned")
	}

	for _, q := range quotes {
		tag := ""
		if q.Synthetic {
			tag = "  (synthetic)"
		}
		fmt.Printf("%-12s %-12s bid %14.4f  ask %14.4f%s\n", name, q.Symbol, q.Bid, q.Ask, tag)
	}
	return nil
}

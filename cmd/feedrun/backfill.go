package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/feedrun/feedrun/internal/backfill"
	"github.com/feedrun/feedrun/internal/config"
	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/pipeline"
	"github.com/feedrun/feedrun/internal/provider"
	"github.com/feedrun/feedrun/internal/providers/alpaca"
	"github.com/feedrun/feedrun/internal/providers/stooq"
	"github.com/feedrun/feedrun/internal/sink"
)

func newBackfillCmd() *cobra.Command {
	var (
		providerID string
		fromStr    string
		toStr      string
		fallback   bool
	)

	cmd := &cobra.Command{
		Use:   "backfill SYMBOL...",
		Short: "Fetch historical daily bars into storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			req := backfill.Request{
				ProviderID:     providerID,
				Symbols:        args,
				EnableFallback: fallback || cfg.Backfill.EnableFallback,
			}
			if req.ProviderID == "" {
				req.ProviderID = cfg.Backfill.Provider
			}
			if req.ProviderID == "" {
				req.ProviderID = provider.CompositeID
			}
			if req.From, err = parseDate(fromStr); err != nil {
				return err
			}
			if req.To, err = parseDate(toStr); err != nil {
				return err
			}

			return runBackfill(cmd.Context(), cfg, req)
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", "", "historical provider id (default from config, else composite)")
	cmd.Flags().StringVar(&fromStr, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "fall through to lower-priority providers on failure")
	return cmd
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

func runBackfill(ctx context.Context, cfg config.Config, req backfill.Request) error {
	dest, err := sink.NewJSONLSink(sink.JSONLConfig{
		DataRoot: cfg.Storage.DataRoot,
		Compress: cfg.Storage.Compress,
	})
	if err != nil {
		return err
	}

	// Backfill pipelines block instead of dropping: historical bars must
	// all land.
	pipe := pipeline.New(pipeline.Config{
		Name:         "backfill",
		Backpressure: pipeline.Block,
	}, dest)
	pipe.Start(ctx)

	reg := provider.NewRegistry()
	plugins := []provider.Plugin{
		alpaca.NewPlugin(cfg.Providers.Alpaca, nil),
		stooq.NewPlugin(cfg.Providers.Stooq),
	}
	if err := reg.RegisterPlugins(ctx, plugins); err != nil {
		return err
	}

	var resolver provider.SymbolResolver
	if cfg.Backfill.EnableSymbolResolution {
		resolver = func(ctx context.Context, symbol string) (string, error) {
			return domain.CanonicalizeSymbol(symbol), nil
		}
	}

	orch := backfill.New(backfill.Config{DataRoot: cfg.Storage.DataRoot}, reg, resolver)
	res, runErr := orch.Run(ctx, req, pipe)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pipe.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("pipeline close failed")
	}

	if res != nil {
		fmt.Printf("backfill %s: %d symbols ok, %d failed, %d bars\n",
			res.Provider, res.Succeeded, res.Failed, res.TotalBars)
		for _, sr := range res.Symbols {
			if !sr.Success {
				fmt.Printf("  %s: %s\n", sr.Symbol, sr.Error)
			}
		}
	}
	return runErr
}

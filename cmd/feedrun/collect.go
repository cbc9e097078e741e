package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/feedrun/feedrun/internal/config"
	"github.com/feedrun/feedrun/internal/coordinator"
	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/failover"
	"github.com/feedrun/feedrun/internal/health"
	"github.com/feedrun/feedrun/internal/normalize"
	"github.com/feedrun/feedrun/internal/ops"
	"github.com/feedrun/feedrun/internal/pipeline"
	"github.com/feedrun/feedrun/internal/provider"
	"github.com/feedrun/feedrun/internal/providers/alpaca"
	"github.com/feedrun/feedrun/internal/providers/polygon"
	"github.com/feedrun/feedrun/internal/providers/stooq"
	"github.com/feedrun/feedrun/internal/sink"
	"github.com/feedrun/feedrun/internal/stream"
)

func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run live collection until interrupted (SIGHUP reloads symbols)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			return runCollect(cmd.Context(), cfg)
		},
	}
}

func runCollect(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dest, err := buildSink(cfg)
	if err != nil {
		return err
	}

	var opts []pipeline.Option
	promReg := prometheus.NewRegistry()
	opts = append(opts, pipeline.WithMetricsRegistry(promReg))

	var bus *stream.RedisBus
	if cfg.Bus.Enable {
		bus = stream.NewRedisBus(stream.RedisBusConfig{
			Addr:        cfg.Bus.RedisAddr,
			ChannelBase: cfg.Bus.ChannelBase,
		})
		if err := bus.Start(ctx); err != nil {
			return fmt.Errorf("start event bus: %w", err)
		}
		defer bus.Stop(context.Background())
		opts = append(opts, pipeline.WithBus(bus))
	}

	pipe := pipeline.New(pipeline.Config{
		Capacity:      cfg.Pipeline.Capacity,
		BatchSize:     cfg.Pipeline.BatchSize,
		BatchInterval: time.Duration(cfg.Pipeline.BatchIntervalMS) * time.Millisecond,
		PeriodicFlush: time.Duration(cfg.Pipeline.PeriodicFlushMS) * time.Millisecond,
		Backpressure:  pipeline.Policy(cfg.Pipeline.Backpressure),
	}, dest, opts...)
	pipe.Start(ctx)

	monitor := health.NewMonitor(cfg.Health)
	norm := normalize.New(func(ev domain.Event) {
		if err := pipe.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Msg("integrity event dropped")
		}
	})

	// Every provider event flows normalize -> pipeline; any traffic counts
	// as connection liveness.
	emit := func(ev domain.Event) {
		monitor.TouchData(ev.Source)
		out, ok := norm.Process(ev)
		if !ok {
			return
		}
		if err := pipe.Publish(ctx, out); err != nil {
			log.Warn().Err(err).Str("symbol", out.Symbol).Msg("publish failed")
		}
	}

	reg := provider.NewRegistry()
	plugins := []provider.Plugin{
		alpaca.NewPlugin(cfg.Providers.Alpaca, emit),
		polygon.NewPlugin(cfg.Providers.Polygon, emit),
		stooq.NewPlugin(cfg.Providers.Stooq),
	}
	if err := reg.RegisterPlugins(ctx, plugins); err != nil {
		return err
	}

	streaming := reg.StreamingProviders()
	if len(streaming) == 0 {
		return fmt.Errorf("no streaming providers enabled; check credentials")
	}
	active := streaming[0]
	if cfg.Failover.Enable && len(cfg.Failover.Rules) > 0 {
		if p, err := reg.GetStreaming(cfg.Failover.Rules[0].PrimaryProviderID); err == nil {
			active = p
		}
	}

	if err := active.Connect(ctx); err != nil {
		reg.HealthOf(active.ID()).RecordFailure(err.Error())
		log.Error().Err(err).Str("provider", active.ID()).Msg("initial connect failed")
	} else {
		monitor.Register(active.ID())
	}

	coord := coordinator.New(active)
	if err := coord.Apply(ctx, cfg.Symbols); err != nil {
		return err
	}

	var sup *failover.Supervisor
	if cfg.Failover.Enable {
		sup, err = failover.New(reg, cfg.Failover.Interval(), cfg.Failover.Rules, func(ev domain.Event) {
			if err := pipe.Publish(ctx, ev); err != nil {
				log.Warn().Err(err).Msg("integrity event dropped")
			}
		})
		if err != nil {
			return err
		}
		sup.Subscribe(func(ev failover.SwitchEvent) {
			next, err := reg.GetStreaming(ev.To)
			if err != nil {
				log.Error().Err(err).Str("provider", ev.To).Msg("failover target not registered")
				return
			}
			if err := next.Connect(ctx); err != nil {
				reg.HealthOf(ev.To).RecordFailure(err.Error())
				log.Error().Err(err).Str("provider", ev.To).Msg("failover target connect failed")
				return
			}
			monitor.Register(ev.To)
			norm.Reset(ev.From)
			if err := coord.SwitchProvider(ctx, next); err != nil {
				log.Error().Err(err).Msg("subscription re-point failed")
			}
		})
		sup.Start(ctx)
		defer sup.Stop()
	}

	monitor.Subscribe(func(ev health.Event) {
		if ev.Kind == health.ConnectionLost {
			reg.HealthOf(ev.ConnID).RecordFailure(ev.Reason)
		}
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	opsSrv := ops.NewServer(cfg.Ops.Listen, promReg, ops.StatusSource{
		Registry:   reg,
		Supervisor: sup,
		Pipeline:   pipe,
	})
	opsSrv.Start()

	// SIGHUP re-reads the config and re-applies the symbol set. A bad file
	// keeps the previous config.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log.Info().Str("provider", coord.ActiveProvider().ID()).
		Int("symbols", len(cfg.Symbols)).Msg("collection running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			_ = coord.ActiveProvider().Disconnect(shutdownCtx)
			if err := pipe.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("pipeline close failed")
			}
			return opsSrv.Shutdown(shutdownCtx)

		case <-hup:
			next, err := config.Load(flagConfig)
			if err != nil {
				log.Error().Err(err).Msg("reload failed, keeping previous config")
				continue
			}
			if err := coord.Apply(ctx, next.Symbols); err != nil {
				log.Error().Err(err).Msg("reload apply failed")
				continue
			}
			cfg.Symbols = next.Symbols
			log.Info().Int("symbols", len(next.Symbols)).Msg("symbol set reloaded")
		}
	}
}

func buildSink(cfg config.Config) (sink.Sink, error) {
	jsonl, err := sink.NewJSONLSink(sink.JSONLConfig{
		DataRoot: cfg.Storage.DataRoot,
		Compress: cfg.Storage.Compress,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Storage.PostgresDSN == "" {
		return jsonl, nil
	}

	pg, err := sink.NewPostgresSink(sink.PostgresConfig{DSN: cfg.Storage.PostgresDSN})
	if err != nil {
		return nil, err
	}
	return sink.NewMulti(jsonl, pg), nil
}

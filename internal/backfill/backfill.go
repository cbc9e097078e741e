// Package backfill fetches historical daily bars through the provider layer
// and publishes them into a pipeline. At most one backfill runs at a time.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/provider"
)

// ErrAlreadyRunning is returned when a backfill is started while another is
// in flight.
var ErrAlreadyRunning = errors.New("backfill already running")

// StatusFile is the run-record path relative to data_root.
const StatusFile = "_status/backfill.json"

// Request describes one backfill run.
type Request struct {
	ProviderID     string    `json:"provider_id"`
	Symbols        []string  `json:"symbols"`
	From           time.Time `json:"from,omitempty"`
	To             time.Time `json:"to,omitempty"`
	EnableFallback bool      `json:"enable_fallback"`
}

// SymbolResult is the per-symbol outcome of a run.
type SymbolResult struct {
	Symbol   string `json:"symbol"`
	Success  bool   `json:"success"`
	BarCount int    `json:"bar_count"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of one backfill run, persisted to the status file.
// Success is true only when every symbol succeeded and the run completed.
type Result struct {
	Success    bool           `json:"success"`
	Provider   string         `json:"provider"`
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Symbols    []SymbolResult `json:"per_symbol_results"`
	TotalBars  int            `json:"total_bars"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Canceled   bool           `json:"canceled,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Publisher is the slice of the pipeline the orchestrator needs. Backfill
// pipelines run the Block backpressure policy so no bar is ever dropped.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
	Flush(ctx context.Context) error
}

// Config tunes the orchestrator.
type Config struct {
	DataRoot        string                   `yaml:"data_root"`
	Composite       provider.CompositeConfig `yaml:"composite"`
	DefaultLookback time.Duration            `yaml:"default_lookback"` // default 2 years
}

// Orchestrator resolves providers and drives backfill runs.
type Orchestrator struct {
	cfg      Config
	registry *provider.Registry
	resolver provider.SymbolResolver

	running atomic.Bool
}

// New creates an orchestrator. The resolver is optional and only consulted
// by the composite provider.
func New(cfg Config, registry *provider.Registry, resolver provider.SymbolResolver) *Orchestrator {
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = 2 * 365 * 24 * time.Hour
	}
	return &Orchestrator{cfg: cfg, registry: registry, resolver: resolver}
}

// Running reports whether a backfill is currently in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Run executes one backfill. A single symbol's failure never aborts the run;
// the pipeline is flushed and the status file written regardless of outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request, pipe Publisher) (*Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	hist, err := o.resolveProvider(req, pipe)
	if err != nil {
		return nil, err
	}

	from, to := o.window(req)
	res := &Result{Provider: hist.ID(), From: from, To: to, StartedAt: time.Now().UTC()}
	log.Info().Str("provider", hist.ID()).Int("symbols", len(req.Symbols)).
		Time("from", from).Time("to", to).Msg("backfill started")

	for _, raw := range req.Symbols {
		symbol := domain.CanonicalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Canceled = true
			log.Warn().Str("symbol", symbol).Msg("backfill canceled, reporting partial result")
			break
		}
		res.Symbols = append(res.Symbols, o.backfillSymbol(ctx, hist, pipe, symbol, from, to))
	}

	for _, sr := range res.Symbols {
		if sr.Success {
			res.Succeeded++
			res.TotalBars += sr.BarCount
		} else {
			res.Failed++
		}
	}
	res.Success = !res.Canceled && res.Failed == 0
	switch {
	case res.Canceled:
		res.Error = "run canceled before completion"
	case res.Failed > 0:
		res.Error = fmt.Sprintf("%d of %d symbols failed", res.Failed, len(res.Symbols))
	}

	// Flush runs even after cancellation so already-published bars land.
	if err := pipe.Flush(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("backfill flush failed")
	}

	res.FinishedAt = time.Now().UTC()
	if err := o.writeStatus(res); err != nil {
		log.Error().Err(err).Msg("backfill status write failed")
	}

	log.Info().Int("succeeded", res.Succeeded).Int("failed", res.Failed).
		Int("bars", res.TotalBars).Msg("backfill finished")
	if res.Canceled {
		return res, ctx.Err()
	}
	return res, nil
}

func (o *Orchestrator) resolveProvider(req Request, pipe Publisher) (provider.HistoricalProvider, error) {
	if req.ProviderID == provider.CompositeID || req.EnableFallback {
		providers := o.registry.HistoricalProviders()
		if len(providers) == 0 {
			return nil, fmt.Errorf("backfill: no historical providers registered")
		}
		emitter := func(ev domain.Event) {
			if err := pipe.Publish(context.Background(), ev); err != nil {
				log.Warn().Err(err).Msg("dropping integrity event")
			}
		}
		return provider.NewComposite(o.cfg.Composite, providers, o.resolver, emitter), nil
	}
	return o.registry.GetHistorical(req.ProviderID)
}

func (o *Orchestrator) window(req Request) (from, to time.Time) {
	from, to = req.From, req.To
	if to.IsZero() {
		to = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if from.IsZero() {
		from = to.Add(-o.cfg.DefaultLookback)
	}
	return from, to
}

// backfillSymbol fetches and publishes one symbol. Errors are contained to
// the per-symbol result.
func (o *Orchestrator) backfillSymbol(ctx context.Context, hist provider.HistoricalProvider, pipe Publisher, symbol string, from, to time.Time) SymbolResult {
	health := o.registry.HealthOf(hist.ID())
	start := time.Now()

	bars, err := hist.GetDailyBars(ctx, symbol, from, to)
	if err != nil {
		health.RecordFailure(err.Error())
		log.Warn().Err(err).Str("symbol", symbol).Str("provider", hist.ID()).
			Msg("backfill symbol failed")
		return SymbolResult{Symbol: symbol, Error: err.Error()}
	}
	health.RecordSuccess(time.Since(start))

	bars = provider.SortBars(bars)
	for _, b := range bars {
		ev := domain.NewEvent(hist.ID(), symbol, domain.EventHistoricalBar, b.SessionDate,
			&domain.BarPayload{
				SessionDate: b.SessionDate,
				Open:        b.Open,
				High:        b.High,
				Low:         b.Low,
				Close:       b.Close,
				Volume:      b.Volume,
				Interval:    "1d",
			})
		ev.CanonicalSymbol = symbol
		if err := pipe.Publish(ctx, ev); err != nil {
			return SymbolResult{Symbol: symbol, Error: fmt.Sprintf("publish: %v", err)}
		}
	}

	log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Msg("backfill symbol done")
	return SymbolResult{Symbol: symbol, Success: true, BarCount: len(bars)}
}

// writeStatus persists the run record with a write-then-rename so readers
// never observe a torn file.
func (o *Orchestrator) writeStatus(res *Result) error {
	path := filepath.Join(o.cfg.DataRoot, StatusFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("backfill status dir: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("backfill status marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("backfill status write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("backfill status rename: %w", err)
	}
	return nil
}

// ReadStatus loads the last persisted run record.
func ReadStatus(dataRoot string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(dataRoot, StatusFile))
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("backfill status parse: %w", err)
	}
	return &res, nil
}

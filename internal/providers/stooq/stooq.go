// Package stooq adapts the Stooq daily-history CSV endpoint. Stooq requires
// no credentials and serves as the backfill fallback of last resort.
package stooq

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/provider"
	"github.com/feedrun/feedrun/internal/resilience"
)

const (
	// ProviderID is the registry id of the Stooq adapter.
	ProviderID = "stooq"

	defaultBaseURL = "https://stooq.com"
)

// Config tunes the adapter. Stooq is a free endpoint, so the default rate
// limit is deliberately conservative.
type Config struct {
	BaseURL   string                     `yaml:"base_url"`
	Priority  int                        `yaml:"priority"`
	Timeout   time.Duration              `yaml:"timeout"`    // default 20s
	Suffix    string                     `yaml:"suffix"`     // appended to symbols, default ".us"
	RateLimit resilience.RateLimitConfig `yaml:"rate_limit"` // default 1/s with 500ms pacing
	Retry     resilience.RetryConfig     `yaml:"retry"`
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Suffix == "" {
		c.Suffix = ".us"
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit = resilience.RateLimitConfig{
			MaxRequests: 1,
			Window:      time.Second,
			MinDelay:    500 * time.Millisecond,
		}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
}

// Client fetches daily bars from the Stooq CSV download endpoint.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *resilience.Limiter
}

// New creates the adapter.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: resilience.NewLimiter(cfg.RateLimit),
	}
}

// ID implements HistoricalProvider.
func (c *Client) ID() string { return ProviderID }

// DisplayName implements HistoricalProvider.
func (c *Client) DisplayName() string { return "Stooq (daily CSV)" }

// Priority implements HistoricalProvider.
func (c *Client) Priority() int { return c.cfg.Priority }

// RateLimit implements HistoricalProvider.
func (c *Client) RateLimit() resilience.RateLimitConfig { return c.cfg.RateLimit }

// IsAvailable implements HistoricalProvider. Stooq needs no credentials.
func (c *Client) IsAvailable(ctx context.Context) bool { return true }

// lookupSymbol maps a canonical symbol to Stooq's convention: lowercase with
// a market suffix ("SPY" -> "spy.us"). Symbols that already carry a dot are
// passed through.
func (c *Client) lookupSymbol(symbol string) string {
	s := strings.ToLower(strings.TrimSpace(symbol))
	if strings.Contains(s, ".") {
		return s
	}
	return s + c.cfg.Suffix
}

// GetDailyBars downloads and parses the daily history CSV.
func (c *Client) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]provider.Bar, error) {
	q := url.Values{}
	q.Set("s", c.lookupSymbol(symbol))
	q.Set("d1", from.Format("20060102"))
	q.Set("d2", to.Format("20060102"))
	q.Set("i", "d")
	endpoint := fmt.Sprintf("%s/q/d/l/?%s", c.cfg.BaseURL, q.Encode())

	var body []byte
	err := resilience.Retry(ctx, c.cfg.Retry, "stooq daily "+symbol, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return resilience.Transient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return resilience.Transient(&provider.Error{
				Provider: ProviderID, Code: provider.ErrCodeAPIError,
				Message: fmt.Sprintf("server error %d", resp.StatusCode), HTTPStatus: resp.StatusCode,
			})
		}
		if resp.StatusCode != http.StatusOK {
			return &provider.Error{
				Provider: ProviderID, Code: provider.ErrCodeAPIError,
				Message: fmt.Sprintf("unexpected status %d", resp.StatusCode), HTTPStatus: resp.StatusCode,
			}
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	bars, err := parseCSV(symbol, body)
	if err != nil {
		return nil, err
	}
	return provider.SortBars(bars), nil
}

// parseCSV reads Stooq's Date,Open,High,Low,Close,Volume layout. Stooq
// answers unknown symbols with a "No data" body rather than an HTTP error.
func parseCSV(symbol string, body []byte) ([]provider.Bar, error) {
	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "No data") {
		return nil, provider.NewError(ProviderID, provider.ErrCodeInvalidSymbol,
			fmt.Sprintf("no data for %s", symbol), nil)
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, provider.NewError(ProviderID, provider.ErrCodeInvalidData, "malformed csv", err)
	}
	if len(records) < 2 {
		return nil, provider.NewError(ProviderID, provider.ErrCodeInvalidData, "csv has no rows", nil)
	}
	if !strings.EqualFold(records[0][0], "Date") {
		return nil, provider.NewError(ProviderID, provider.ErrCodeInvalidData,
			fmt.Sprintf("unexpected header %q", records[0][0]), nil)
	}

	bars := make([]provider.Bar, 0, len(records)-1)
	for _, row := range records[1:] {
		if len(row) < 5 {
			continue
		}
		bar, err := parseRow(row)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Strs("row", row).
				Msg("stooq: skipping malformed row")
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseRow(row []string) (provider.Bar, error) {
	date, err := time.Parse("2006-01-02", row[0])
	if err != nil {
		return provider.Bar{}, err
	}
	fields := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return provider.Bar{}, err
		}
		fields[i] = v
	}
	var volume float64
	if len(row) > 5 && row[5] != "" {
		volume, _ = strconv.ParseFloat(row[5], 64)
	}
	return provider.Bar{
		SessionDate: date,
		Open:        fields[0],
		High:        fields[1],
		Low:         fields[2],
		Close:       fields[3],
		Volume:      volume,
	}, nil
}

// Plugin registers the Stooq adapter. No credentials are declared.
type Plugin struct {
	cfg Config
}

// NewPlugin creates the plugin.
func NewPlugin(cfg Config) *Plugin { return &Plugin{cfg: cfg} }

// Info implements provider.Plugin.
func (p *Plugin) Info() provider.PluginInfo {
	return provider.PluginInfo{ID: ProviderID, DisplayName: "Stooq", Version: "1.0.0"}
}

// CredentialFields implements provider.Plugin.
func (p *Plugin) CredentialFields() []provider.CredentialField { return nil }

// Register implements provider.Plugin.
func (p *Plugin) Register(ctx context.Context, reg *provider.Registry, creds provider.Credentials) error {
	return reg.RegisterHistorical(New(p.cfg))
}

package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/feedrun/feedrun/internal/provider"
	"github.com/feedrun/feedrun/internal/resilience"
)

const defaultDataURL = "https://data.alpaca.markets"

// HistoricalConfig tunes the REST adapter.
type HistoricalConfig struct {
	BaseURL   string                     `yaml:"base_url"`
	Priority  int                        `yaml:"priority"`
	Timeout   time.Duration              `yaml:"timeout"`    // default 15s
	RateLimit resilience.RateLimitConfig `yaml:"rate_limit"` // default 200/min
	Retry     resilience.RetryConfig     `yaml:"retry"`
	Breaker   resilience.BreakerConfig   `yaml:"breaker"`
}

func (c *HistoricalConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultDataURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit = resilience.RateLimitConfig{MaxRequests: 200, Window: time.Minute}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
}

// Historical fetches daily bars from the Alpaca data API.
type Historical struct {
	cfg     HistoricalConfig
	keyID   string
	secret  string
	client  *http.Client
	limiter *resilience.Limiter
	breaker *resilience.Breaker
}

// NewHistorical creates the REST adapter.
func NewHistorical(cfg HistoricalConfig, keyID, secret string) *Historical {
	cfg.applyDefaults()
	return &Historical{
		cfg:     cfg,
		keyID:   keyID,
		secret:  secret,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: resilience.NewLimiter(cfg.RateLimit),
		breaker: resilience.NewBreaker(ProviderID+"_rest", cfg.Breaker),
	}
}

// ID implements HistoricalProvider.
func (h *Historical) ID() string { return ProviderID }

// DisplayName implements HistoricalProvider.
func (h *Historical) DisplayName() string { return "Alpaca Markets (daily bars)" }

// Priority implements HistoricalProvider.
func (h *Historical) Priority() int { return h.cfg.Priority }

// RateLimit implements HistoricalProvider.
func (h *Historical) RateLimit() resilience.RateLimitConfig { return h.cfg.RateLimit }

// IsAvailable reports whether credentials are present.
func (h *Historical) IsAvailable(ctx context.Context) bool {
	return h.keyID != "" && h.secret != ""
}

type barsResponse struct {
	Bars []struct {
		Timestamp time.Time `json:"t"`
		Open      float64   `json:"o"`
		High      float64   `json:"h"`
		Low       float64   `json:"l"`
		Close     float64   `json:"c"`
		Volume    float64   `json:"v"`
	} `json:"bars"`
	NextPageToken string `json:"next_page_token"`
}

// GetDailyBars fetches 1Day bars, following pagination.
func (h *Historical) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]provider.Bar, error) {
	var out []provider.Bar
	pageToken := ""

	for {
		page, next, err := h.fetchPage(ctx, symbol, from, to, pageToken)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			break
		}
		pageToken = next
	}
	return provider.SortBars(out), nil
}

func (h *Historical) fetchPage(ctx context.Context, symbol string, from, to time.Time, pageToken string) ([]provider.Bar, string, error) {
	if err := h.limiter.Acquire(ctx); err != nil {
		return nil, "", err
	}

	q := url.Values{}
	q.Set("timeframe", "1Day")
	q.Set("start", from.Format("2006-01-02"))
	q.Set("end", to.Format("2006-01-02"))
	q.Set("limit", "10000")
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", h.cfg.BaseURL, url.PathEscape(symbol), q.Encode())

	var body []byte
	op := fmt.Sprintf("alpaca bars %s", symbol)
	err := resilience.Retry(ctx, h.cfg.Retry, op, func(ctx context.Context) error {
		return h.breaker.Do(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			req.Header.Set("APCA-API-KEY-ID", h.keyID)
			req.Header.Set("APCA-API-SECRET-KEY", h.secret)

			resp, err := h.client.Do(req)
			if err != nil {
				return resilience.Transient(err)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
			case resp.StatusCode == http.StatusTooManyRequests:
				return resilience.TransientAfter(
					provider.NewError(ProviderID, provider.ErrCodeRateLimit, "rate limited", nil),
					retryAfter(resp))
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return &provider.Error{
					Provider: ProviderID, Code: provider.ErrCodeAuthentication,
					Message: "authentication rejected", HTTPStatus: resp.StatusCode,
				}
			case resp.StatusCode == http.StatusNotFound:
				return &provider.Error{
					Provider: ProviderID, Code: provider.ErrCodeInvalidSymbol,
					Message: fmt.Sprintf("unknown symbol %s", symbol), HTTPStatus: resp.StatusCode,
				}
			case resp.StatusCode >= 500:
				return resilience.Transient(&provider.Error{
					Provider: ProviderID, Code: provider.ErrCodeAPIError,
					Message: fmt.Sprintf("server error %d", resp.StatusCode), HTTPStatus: resp.StatusCode,
				})
			default:
				return &provider.Error{
					Provider: ProviderID, Code: provider.ErrCodeAPIError,
					Message: fmt.Sprintf("unexpected status %d", resp.StatusCode), HTTPStatus: resp.StatusCode,
				}
			}

			body, err = io.ReadAll(resp.Body)
			return err
		})
	})
	if err != nil {
		return nil, "", err
	}

	var parsed barsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", provider.NewError(ProviderID, provider.ErrCodeInvalidData, "malformed bars response", err)
	}

	bars := make([]provider.Bar, 0, len(parsed.Bars))
	for _, b := range parsed.Bars {
		bars = append(bars, provider.Bar{
			SessionDate: b.Timestamp.UTC().Truncate(24 * time.Hour),
			Open:        b.Open,
			High:        b.High,
			Low:         b.Low,
			Close:       b.Close,
			Volume:      b.Volume,
		})
	}
	return bars, parsed.NextPageToken, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}

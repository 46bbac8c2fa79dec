// Package quotes fetches scheme NAV data from the external provider, with
// retry, exponential backoff, and rate limiting around each request. The
// client talks to mfapi.in-style NAV endpoints.
package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/navfolio/portfolio-server/internal/model"
	"github.com/navfolio/portfolio-server/internal/observ"
)

// Client fetches NAV data for mutual fund schemes over HTTP, with retry,
// exponential backoff, and a token-bucket rate limiter protecting the
// upstream provider from bursts during batch refresh.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
}

// Config configures a Client. New falls back to defaults for a zero
// RatePerSecond (3/s), MaxRetries (3 retries after the first attempt) and
// BackoffBase (1s); BaseURL and Timeout come from the caller
// (internal/config).
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	RatePerSecond  float64
}

func New(cfg Config) *Client {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
	}
}

// schemeResponse mirrors the upstream mf API's envelope: scheme metadata
// plus a date-descending NAV series with dates in DD-MM-YYYY form.
type schemeResponse struct {
	Meta struct {
		SchemeCode int    `json:"scheme_code"`
		SchemeName string `json:"scheme_name"`
		FundHouse  string `json:"fund_house"`
		SchemeType string `json:"scheme_type"`
		Category   string `json:"scheme_category"`
	} `json:"meta"`
	Data []struct {
		Date string `json:"date"`
		Nav  string `json:"nav"`
	} `json:"data"`
}

// FetchLatest returns the most recent NAV point for a scheme plus its
// catalog metadata.
func (c *Client) FetchLatest(ctx context.Context, schemeCode int) (model.LatestNav, model.Scheme, error) {
	resp, err := c.fetchScheme(ctx, schemeCode)
	if err != nil {
		return model.LatestNav{}, model.Scheme{}, err
	}
	if len(resp.Data) == 0 {
		return model.LatestNav{}, model.Scheme{}, model.ErrNavUnavailable(schemeCode, fmt.Errorf("empty NAV series"))
	}

	latest := resp.Data[0]
	asOf, err := parseProviderDate(latest.Date)
	if err != nil {
		return model.LatestNav{}, model.Scheme{}, model.ErrParse("parse NAV date", err)
	}
	nav, err := decimal.NewFromString(latest.Nav)
	if err != nil {
		return model.LatestNav{}, model.Scheme{}, model.ErrParse("parse NAV value", err)
	}

	return model.LatestNav{
			SchemeCode: schemeCode,
			Nav:        nav,
			AsOfDate:   asOf,
			UpdatedAt:  time.Now().UTC(),
		}, model.Scheme{
			SchemeCode: schemeCode,
			SchemeName: resp.Meta.SchemeName,
			FundHouse:  resp.Meta.FundHouse,
			Category:   resp.Meta.Category,
			Type:       resp.Meta.SchemeType,
		}, nil
}

// FetchHistory returns up to limit newest-first dated NAV points.
func (c *Client) FetchHistory(ctx context.Context, schemeCode, limit int) ([]model.NavHistoryEntry, error) {
	resp, err := c.fetchScheme(ctx, schemeCode)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(resp.Data) {
		limit = len(resp.Data)
	}

	out := make([]model.NavHistoryEntry, 0, limit)
	for _, d := range resp.Data[:limit] {
		date, err := parseProviderDate(d.Date)
		if err != nil {
			continue
		}
		nav, err := decimal.NewFromString(d.Nav)
		if err != nil {
			continue
		}
		out = append(out, model.NavHistoryEntry{SchemeCode: schemeCode, Date: date, Nav: nav})
	}
	return out, nil
}

// fetchScheme issues the HTTP request with retry, exponential backoff, and
// rate limiting.
func (c *Client) fetchScheme(ctx context.Context, schemeCode int) (schemeResponse, error) {
	url := fmt.Sprintf("%s/%d/latest", c.baseURL, schemeCode)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			observ.Log("quote_retry", map[string]any{"schemeCode": schemeCode, "attempt": attempt, "backoffMs": backoff.Milliseconds()})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return schemeResponse{}, model.ErrTimeout("retry wait cancelled", ctx.Err())
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return schemeResponse{}, model.ErrTimeout("rate limit wait cancelled", err)
		}

		observ.IncCounter("quote_requests_total", map[string]string{"schemeCode": strconv.Itoa(schemeCode)})
		resp, err := c.doRequest(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}

		observ.IncCounter("quote_successes_total", map[string]string{"schemeCode": strconv.Itoa(schemeCode)})
		return resp, nil
	}
	return schemeResponse{}, lastErr
}

func (c *Client) doRequest(ctx context.Context, url string) (schemeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return schemeResponse{}, model.ErrTransport("build request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return schemeResponse{}, model.ErrTransport("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return schemeResponse{}, model.ErrRateLimited("provider rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return schemeResponse{}, model.ErrTransport(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	var out schemeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return schemeResponse{}, model.ErrParse("decode provider response", err)
	}
	return out, nil
}

// parseProviderDate normalizes the provider's DD-MM-YYYY dates to UTC
// midnight timestamps.
func parseProviderDate(s string) (time.Time, error) {
	return time.Parse("02-01-2006", strings.TrimSpace(s))
}

// ListFunds returns the provider's full scheme catalog, used to seed or
// refresh the local catalog lazily rather than via a dedicated script.
func (c *Client) ListFunds(ctx context.Context) ([]model.Scheme, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, model.ErrTimeout("retry wait cancelled", ctx.Err())
			}
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, model.ErrTimeout("rate limit wait cancelled", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
		if err != nil {
			return nil, model.ErrTransport("build request", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = model.ErrTransport("request failed", err)
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			lastErr = model.ErrTransport(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
			continue
		}

		var entries []struct {
			SchemeCode     int    `json:"schemeCode"`
			SchemeName     string `json:"schemeName"`
			SchemeCategory string `json:"schemeCategory"`
			SchemeType     string `json:"schemeType"`
			FundHouse      string `json:"fundHouse"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return nil, model.ErrParse("decode fund list", err)
		}

		out := make([]model.Scheme, 0, len(entries))
		for _, e := range entries {
			out = append(out, model.Scheme{
				SchemeCode: e.SchemeCode,
				SchemeName: e.SchemeName,
				FundHouse:  e.FundHouse,
				Category:   e.SchemeCategory,
				Type:       e.SchemeType,
			})
		}
		return out, nil
	}
	return nil, lastErr
}

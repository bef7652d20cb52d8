package exchange

// client.go — rate-limited HTTP client for the exchange APIs.
//
// Three hosts: the CLOB (orders, books), the data API (trade feed,
// account positions) and the metadata API (market details, resolution).
// Token-bucket limiters per host keep us at ~60% of the documented
// limits; doWithRetry adds bounded exponential backoff for transient
// failures. This retry circuit is independent of the trading risk
// breaker — it protects the transport, not the capital.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCLOBBase = "https://clob.polymarket.com"
	defaultDataBase = "https://data-api.polymarket.com"
	defaultMetaBase = "https://gamma-api.polymarket.com"

	clobRatePerSec = 30
	dataRatePerSec = 18
	metaRatePerSec = 18

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// permanentError wraps a 4xx response: retrying cannot help.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.status, e.body)
}

// IsPermanent reports whether err is a non-retryable exchange rejection.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Client is the HTTP client shared by all exchange operations.
type Client struct {
	http        *http.Client
	clobBase    string
	dataBase    string
	metaBase    string
	apiKey      string
	clobLimiter *rate.Limiter
	dataLimiter *rate.Limiter
	metaLimiter *rate.Limiter
}

// NewClient creates a Client for the given base URLs. Empty URLs fall
// back to production hosts.
func NewClient(clobBase, dataBase, metaBase, apiKey string) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	if dataBase == "" {
		dataBase = defaultDataBase
	}
	if metaBase == "" {
		metaBase = defaultMetaBase
	}
	return &Client{
		http:        &http.Client{Timeout: 10 * time.Second},
		clobBase:    clobBase,
		dataBase:    dataBase,
		metaBase:    metaBase,
		apiKey:      apiKey,
		clobLimiter: rate.NewLimiter(clobRatePerSec, 10),
		dataLimiter: rate.NewLimiter(dataRatePerSec, 5),
		metaLimiter: rate.NewLimiter(metaRatePerSec, 5),
	}
}

// get does a GET with rate limiting and retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		c.authorize(req)
		return c.http.Do(req)
	}, out)
}

// post does a JSON POST with rate limiting and retries.
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		c.authorize(req)
		return c.http.Do(req)
	}, out)
}

// del does a DELETE with rate limiting and retries.
func (c *Client) del(ctx context.Context, limiter *rate.Limiter, url string) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		return c.http.Do(req)
	}, nil)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doWithRetry executes fn with exponential backoff. 429 and 5xx are
// transient; 4xx is permanent and surfaces immediately.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("exchange: rate limited", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &permanentError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep waits with exponential backoff, respecting the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

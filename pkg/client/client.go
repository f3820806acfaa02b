// Package client provides the catalog listing API client: one logical
// request is executed with shared rate limiting, classification-driven
// retry/backoff, limiter feedback and optional page caching.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/kfalter/catalog-harvester/pkg/cache"
	"github.com/kfalter/catalog-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request execution.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Total requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_request_duration_seconds",
		Help:    "Request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_errors_total",
		Help: "Total request errors by class",
	}, []string{"class"})

	poolReplacementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pool_replacements_total",
		Help: "Total number of HTTP connection pool replacements",
	})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the root of the remote listing API.
	BaseURL string

	// Token is the static credential attached to every request.
	Token string

	// UserAgent identifies the harvester to the remote.
	UserAgent string

	// MaxAttempts is the retry budget for one logical request.
	MaxAttempts int

	// Timeout applies per HTTP attempt.
	Timeout time.Duration

	// CacheTTL is how long successful page responses stay cached.
	// Zero disables caching regardless of the cache manager.
	CacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:     baseURL,
		Token:       token,
		UserAgent:   "catalog-harvester/1.0",
		MaxAttempts: 5,
		Timeout:     30 * time.Second,
		CacheTTL:    5 * time.Minute,
	}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive (got %d)", c.MaxAttempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Client executes logical requests against the listing API. All categories
// share one Client, one limiter and one HTTP connection pool.
type Client struct {
	config  Config
	limiter *ratelimit.Limiter
	cache   *cache.Manager
	logger  zerolog.Logger

	mu         sync.RWMutex
	httpClient *http.Client
}

// New creates a client. The cache manager is optional.
func New(cfg Config, limiter *ratelimit.Limiter, pageCache *cache.Manager, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	return &Client{
		config:  cfg,
		limiter: limiter,
		cache:   pageCache,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// ListCategories fetches the category directory.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	body, err := c.execute(ctx, "/api/categories", nil)
	if err != nil {
		return nil, err
	}
	return parseCategories(body)
}

// FetchPage fetches one page of a category's listing. Page indexes are
// zero-based. Returns ErrNoResult when the retry budget is exhausted without
// a usable response; an empty slice is a genuine empty page.
func (c *Client) FetchPage(ctx context.Context, category Category, page, pageSize int) ([]Item, error) {
	key := cache.Key{CategoryID: category.ID, Page: page, PageSize: pageSize}

	if c.cache != nil && c.config.CacheTTL > 0 {
		if entry, err := c.cache.Get(ctx, key); err == nil {
			c.logger.Debug().
				Str("category", category.ID).
				Int("page", page).
				Msg("Page served from cache")
			return parseItems(entry.Data)
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("category", category.ID).Int("page", page).Msg("Cache get error")
		}
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(pageSize))

	body, err := c.execute(ctx, "/api/categories/"+url.PathEscape(category.ID)+"/items", query)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && c.config.CacheTTL > 0 {
		if err := c.cache.Set(ctx, key, cache.NewEntry(body, c.config.CacheTTL)); err != nil {
			c.logger.Warn().Err(err).Str("category", category.ID).Int("page", page).Msg("Cache set error")
		}
	}

	return parseItems(body)
}

// execute runs the retry loop for one logical request: acquire a limiter
// slot, send, classify, feed the limiter, back off, repeat. Statuses outside
// the classification table are returned to the caller as *APIError.
func (c *Client) execute(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		status, body, hint, err := c.send(ctx, endpoint, query)
		if err != nil {
			// Transport failure: slow down, maybe replace the pool, back off.
			errorsTotal.WithLabelValues(string(ErrorClassTransport)).Inc()
			requestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
			c.limiter.SlowDown(slowDownTransport)

			if isCorruptedConnection(err) {
				c.replacePool()
			}

			if werr := c.waitBeforeRetry(ctx, endpoint, ErrorClassTransport, attempt, backoffDuration(ErrorClassTransport, attempt), err); werr != nil {
				return nil, werr
			}
			continue
		}

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()

		if status >= 200 && status < 300 {
			c.limiter.SpeedUp()
			return body, nil
		}

		class := classifyStatus(status)
		switch class {
		case ErrorClassRateLimited:
			errorsTotal.WithLabelValues(string(class)).Inc()
			c.limiter.SlowDown(slowDownRateLimited)

			wait := hint
			if wait <= 0 {
				// No server hint: floor proportional to the pacing interval.
				wait = 2 * c.limiter.Interval()
			}
			if werr := c.waitBeforeRetry(ctx, endpoint, class, attempt, wait, nil); werr != nil {
				return nil, werr
			}

		case ErrorClassServer:
			errorsTotal.WithLabelValues(string(class)).Inc()
			c.limiter.SlowDown(slowDownServer)

			if werr := c.waitBeforeRetry(ctx, endpoint, class, attempt, backoffDuration(class, attempt), nil); werr != nil {
				return nil, werr
			}

		default:
			// Not in the classification table: the caller decides.
			errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
			return nil, &APIError{StatusCode: status, Message: http.StatusText(status)}
		}
	}

	retryExhaustedTotal.Inc()
	c.logger.Error().
		Str("endpoint", endpoint).
		Int("max_attempts", c.config.MaxAttempts).
		Msg("Retry budget exhausted")

	return nil, ErrNoResult
}

// send performs a single HTTP attempt. Returns the status, the body and any
// Retry-After hint for 429 responses.
func (c *Client) send(ctx context.Context, endpoint string, query url.Values) (int, []byte, time.Duration, error) {
	reqURL := c.config.BaseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.pool().Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// A truncated body is a broken stream, same as a failed send.
		return 0, nil, 0, err
	}

	return resp.StatusCode, body, parseRetryAfter(resp.Header), nil
}

// waitBeforeRetry records retry metrics, logs and sleeps.
func (c *Client) waitBeforeRetry(ctx context.Context, endpoint string, class ErrorClass, attempt int, wait time.Duration, cause error) error {
	if attempt >= c.config.MaxAttempts-1 {
		// Budget spent; no point waiting before the sentinel.
		return nil
	}

	retriesTotal.WithLabelValues(string(class)).Inc()
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

	c.logger.Warn().
		Err(cause).
		Str("endpoint", endpoint).
		Str("error_class", string(class)).
		Int("attempt", attempt+1).
		Dur("wait", wait).
		Msg("Retrying request after wait")

	return sleepWithContext(ctx, wait)
}

// pool returns the current shared HTTP client.
func (c *Client) pool() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpClient
}

// replacePool swaps the shared connection pool wholesale. All requests
// issued afterwards use the fresh pool.
func (c *Client) replacePool() {
	c.mu.Lock()
	old := c.httpClient
	c.httpClient = &http.Client{
		Timeout: c.config.Timeout,
	}
	c.mu.Unlock()

	old.CloseIdleConnections()
	poolReplacementsTotal.Inc()

	c.logger.Warn().Msg("Replaced HTTP connection pool after corrupted connection")
}

// parseRetryAfter reads a Retry-After header as seconds or HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait
		}
	}
	return 0
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = client
}

// Package client provides the rate-limited HTTP transport that fetches a
// single page of a paginated resource and classifies the outcome.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/clock"
	"github.com/Sternrassler/jira-harvester/pkg/page"
	"github.com/Sternrassler/jira-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Total page requests by resource and status",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_request_duration_seconds",
		Help:    "Page request duration in seconds by resource",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"resource"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_errors_total",
		Help: "Total page request failures by class",
	}, []string{"class"})
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 512

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents non-retryable 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors and unreadable success bodies.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Retryable reports whether failures of this class may succeed on a later attempt.
func (c ErrorClass) Retryable() bool {
	return shouldRetry(c)
}

// Endpoint adapts the client to one remote API: it knows how to address a
// page and how to decode the response body into records.
type Endpoint interface {
	// NewRequest builds the request for the page at cursor.
	NewRequest(ctx context.Context, resource string, cursor page.Cursor) (*http.Request, error)

	// DecodePage parses a successful response body.
	DecodePage(resource string, cursor page.Cursor, body io.Reader) (*page.Page, error)
}

// Client issues single page requests with a fixed inter-request floor.
// It holds no state between calls except the floor's last request time.
type Client struct {
	httpClient *http.Client
	endpoint   Endpoint
	floor      *ratelimit.Floor
	clock      clock.Clock
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Endpoint addresses and decodes pages (REQUIRED).
	Endpoint Endpoint

	// User-Agent header (REQUIRED).
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// Token is an optional static bearer token.
	Token string

	// RequestInterval is the minimum time between request starts.
	RequestInterval time.Duration

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// Clock drives the floor. Defaults to real time.
	Clock clock.Clock
}

// DefaultConfig returns a polite default configuration.
func DefaultConfig(endpoint Endpoint, userAgent string) Config {
	return Config{
		Endpoint:        endpoint,
		UserAgent:       userAgent,
		RequestInterval: 300 * time.Millisecond,
		Timeout:         30 * time.Second,
	}
}

// New creates a new Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("endpoint is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.RequestInterval < 0 {
		return nil, fmt.Errorf("request_interval must be >= 0 (got %s)", cfg.RequestInterval)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	logger := log.With().Str("component", "client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		endpoint: cfg.Endpoint,
		floor:    ratelimit.NewFloor(cfg.RequestInterval, clk, logger),
		clock:    clk,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Fetch performs exactly one request for the page at cursor.
// Failures are returned as *FetchError carrying an ErrorClass; a cancelled
// context is returned as the context's error.
func (c *Client) Fetch(ctx context.Context, resource string, cursor page.Cursor) (*page.Page, error) {
	if err := c.floor.Wait(ctx); err != nil {
		return nil, err
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(resource).Observe(time.Since(startTime).Seconds())
	}()

	req, err := c.endpoint.NewRequest(ctx, resource, cursor)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		return nil, &FetchError{
			ErrorClass: ErrorClassClient,
			Message:    "build request",
			Err:        err,
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	c.logger.Debug().
		Str("resource", resource).
		Str("cursor", cursor.String()).
		Msg("Executing page request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errClass := c.classifyError(nil, err)
		errorsTotal.WithLabelValues(string(errClass)).Inc()
		requestsTotal.WithLabelValues(resource, "network_error").Inc()
		c.logger.Warn().Err(err).Str("resource", resource).Msg("HTTP request failed")
		return nil, &FetchError{
			ErrorClass: errClass,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p, err := c.endpoint.DecodePage(resource, cursor, resp.Body)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
			c.logger.Warn().Err(err).Str("resource", resource).Msg("Undecodable page body")
			return nil, &FetchError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassServer,
				Message:    "decode page",
				Err:        err,
			}
		}
		p.Resource = resource
		p.Cursor = cursor
		return p, nil
	}

	errClass := c.classifyError(resp, nil)
	errorsTotal.WithLabelValues(string(errClass)).Inc()

	fetchErr := &FetchError{
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    responseMessage(resp),
	}
	if errClass == ErrorClassRateLimit {
		fetchErr.RetryAfter = ratelimit.ParseRetryAfter(resp.Header, c.clock.Now())
	}

	c.logger.Warn().
		Str("resource", resource).
		Str("cursor", cursor.String()).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Dur("retry_after", fetchErr.RetryAfter).
		Msg("Page request error")

	return nil, fetchErr
}

// classifyError categorizes a failed exchange.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		// 4xx and anything unexpected (1xx, unfollowed 3xx) is not worth retrying.
		return ErrorClassClient
	}
}

// responseMessage returns the status line plus a bounded body excerpt and
// drains the rest so the connection can be reused.
func responseMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	excerpt := strings.TrimSpace(string(body))
	if excerpt == "" {
		return resp.Status
	}
	return resp.Status + ": " + excerpt
}

// Floor returns the inter-request floor owned by this client.
func (c *Client) Floor() *ratelimit.Floor {
	return c.floor
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

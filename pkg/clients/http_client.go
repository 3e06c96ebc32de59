// Package clients provides the HTTP client used by network-backed
// extractors: bounded timeouts, per-request headers, and response
// header introspection for upstream throttling signals.
package clients

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	kasperoerrors "github.com/ajitpratap0/kaspero/pkg/errors"
)

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	// RequestTimeout bounds each request end to end
	RequestTimeout time.Duration `json:"request_timeout"`
	// UserAgent is sent on every request
	UserAgent string `json:"user_agent"`
	// MaxIdleConnsPerHost tunes the transport for one-upstream callers
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

// DefaultHTTPConfig returns defaults suited to slow public APIs.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		RequestTimeout:      30 * time.Second,
		UserAgent:           "Kaspero Ingest Bot/1.0",
		MaxIdleConnsPerHost: 4,
	}
}

// Response is a fully drained HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RetryAfter parses the Retry-After header as seconds, returning the
// fallback when absent or unparsable.
func (r *Response) RetryAfter(fallback float64) float64 {
	v := r.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return secs
}

// HTTPClient wraps net/http with timeouts and request accounting.
type HTTPClient struct {
	config *HTTPConfig
	logger *zap.Logger
	client *http.Client

	totalRequests  int64
	failedRequests int64
}

// NewHTTPClient creates a client from config, or defaults when nil.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
	}

	return &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
		client: &http.Client{
			Timeout:   config.RequestTimeout,
			Transport: transport,
		},
	}
}

// Get performs a GET with the given headers and drains the body. A
// non-2xx status is returned in the Response, not as an error — the
// caller decides how 401/429/5xx map onto its failure model.
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeValidation, "invalid request")
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	atomic.AddInt64(&c.totalRequests, 1)
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		if ctx.Err() != nil {
			return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeTimeout, "request cancelled or timed out")
		}
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeConnection, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, kasperoerrors.Wrap(err, kasperoerrors.ErrorTypeConnection, "failed to read response body")
	}

	c.logger.Debug("http get",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Stats returns request accounting counters.
func (c *HTTPClient) Stats() (total, failed int64) {
	return atomic.LoadInt64(&c.totalRequests), atomic.LoadInt64(&c.failedRequests)
}

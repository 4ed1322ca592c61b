// Package providers holds the HTTP clients for the market-data and
// news-search APIs. Non-2xx responses become FlowErrors; nothing is retried.
package providers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/rendis/finflow/pkg/schema"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBody     = 5 * 1024 * 1024
	maxErrorMessageLen = 300
)

// Config configures one provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS paces outbound calls; zero or negative disables pacing.
	RPS        float64
	Burst      int
	HTTPClient *http.Client
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Metrics counts provider calls.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates provider collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finflow",
			Name:      "provider_requests_total",
			Help:      "Outbound provider requests by result code.",
		}, []string{"provider", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "finflow",
			Name:      "provider_request_duration_seconds",
			Help:      "Outbound provider request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	reg.MustRegister(m.Requests, m.Duration)
	return m
}

// client is the shared GET-JSON plumbing of both providers.
type client struct {
	name      string
	base      *url.URL
	apiKey    string
	keyHeader string
	http      *http.Client
	limiter   *rate.Limiter
	metrics   *Metrics
	logger    *slog.Logger
}

func newClient(name, keyHeader string, cfg Config) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: base url is required", name)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid base url %q", name, cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &client{
		name:      name,
		base:      base,
		apiKey:    cfg.APIKey,
		keyHeader: keyHeader,
		http:      hc,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// getJSON performs GET base+path?query and decodes a 2xx body into out.
func (c *client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return schema.NewErrorf(schema.ErrCodeUnknown, "%s: request cancelled", c.name).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeRateLimited, "%s: client rate limit exceeded", c.name).WithCause(err)
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeUnknown, "%s: build request", c.name).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(schema.ErrCodeUnknown, start)
		return schema.NewErrorf(schema.ErrCodeUnknown, "%s: request failed: %v", c.name, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBody))
	if err != nil {
		c.observe(schema.ErrCodeUnknown, start)
		return schema.NewErrorf(schema.ErrCodeUnknown, "%s: read response", c.name).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fe := StatusError(c.name, resp.StatusCode, body)
		c.observe(fe.Code, start)
		c.logger.DebugContext(ctx, "provider error", "provider", c.name, "status", resp.StatusCode, "code", fe.Code)
		return fe
	}

	c.observe("OK", start)
	if err := json.Unmarshal(body, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeUnknown, "%s: decode response", c.name).WithCause(err)
	}
	return nil
}

func (c *client) observe(code string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.Requests.WithLabelValues(c.name, code).Inc()
	c.metrics.Duration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
}

// StatusError maps a non-2xx provider response to a FlowError, keeping the
// provider's own message when the body carries one.
func StatusError(provider string, status int, body []byte) *schema.FlowError {
	code := schema.ErrCodeUnknown
	switch status {
	case http.StatusNotFound:
		code = schema.ErrCodeNotFound
	case http.StatusTooManyRequests:
		code = schema.ErrCodeRateLimited
	case http.StatusUnauthorized:
		code = schema.ErrCodeUnauthorized
	case http.StatusForbidden:
		code = schema.ErrCodeForbidden
	}

	msg := providerMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return schema.NewErrorf(code, "%s: %s", provider, msg).
		WithDetails(map[string]any{"provider": provider, "status": status})
}

// providerMessage pulls a human-readable message out of an error body.
func providerMessage(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, key := range []string{"message", "error_message", "error", "status"} {
			switch v := doc[key].(type) {
			case string:
				if v != "" && v != "error" {
					return truncate(v)
				}
			case map[string]any:
				if s, ok := v["message"].(string); ok && s != "" {
					return truncate(s)
				}
				if s, ok := v["error_message"].(string); ok && s != "" {
					return truncate(s)
				}
			}
		}
		return ""
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) <= maxErrorMessageLen {
		return s
	}
	return s[:maxErrorMessageLen] + "..."
}

func itoa(n int) string { return strconv.Itoa(n) }

// Package client provides the outbound HTTP client for GitHub upstreams.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github-accelerator/internal/config"
	"github-accelerator/internal/metrics"
	"github-accelerator/internal/model"
)

// UpstreamClient sends rewritten requests to GitHub hosts.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// Redirects are followed up to upstream.max_redirects so callers never see a
// 3xx from GitHub. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = 10
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against an upstream and returns the final
// response after redirects. The caller is responsible for closing the body.
// The request's context controls the lifetime of the upstream call: when it
// is canceled (e.g. client disconnects), the upstream request is canceled too.
func (c *UpstreamClient) Do(req *http.Request) (*model.ForwardResponse, error) {
	host := req.URL.Host
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ForwardResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method, host).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(host).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method, host).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, host, status).Inc()
	}

	if resp.Request != nil && resp.Request.URL.String() != req.URL.String() {
		c.logger.Debug("upstream redirected",
			"from", req.URL.Redacted(),
			"to", resp.Request.URL.Redacted(),
		)
	}

	return &model.ForwardResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

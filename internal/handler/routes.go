// Package handler provides the HTTP handlers of the accelerator.
package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github-accelerator/internal/config"
	"github-accelerator/internal/metrics"
	"github-accelerator/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// outside /-/ belongs to GitHub.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/-/healthz", health.Healthz, middleware.SecurityHeaders())
	e.GET("/-/status", health.Status, middleware.SecurityHeaders())
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path,
		echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})),
		middleware.SecurityHeaders(),
	)
}

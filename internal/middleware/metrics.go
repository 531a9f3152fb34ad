package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github-accelerator/internal/metrics"
)

// RouteFunc maps an escaped request path to a bounded route label.
type RouteFunc func(path string) string

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Paths under /-/ are labelled "internal"; the rest
// are labelled by route.
func MetricsMiddleware(m *metrics.Metrics, route RouteFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			// When a handler returns an *echo.HTTPError the status has not
			// been written yet; Echo's error handler does that later.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			label := routeLabel(c.Request().URL.EscapedPath(), route)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, label).Inc()
			m.RequestDuration.WithLabelValues(method, status, label).Observe(duration)
			if size := c.Response().Size; size > 0 {
				m.ResponseBytes.WithLabelValues(label).Add(float64(size))
			}

			return err
		}
	}
}

func routeLabel(path string, route RouteFunc) string {
	if strings.HasPrefix(path, "/-/") {
		return metrics.RouteInternal
	}
	if route == nil {
		return "other"
	}
	return route(path)
}

package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github-accelerator/internal/config"
	"github-accelerator/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.RequestURI())
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	proxy := newTestProxyHandler(t, upstream.URL)
	health := NewHealthHandler(testConfig(), testTable(t, upstream.URL), "test")

	e := echo.New()
	RegisterRoutes(e, proxy, health)

	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		wantUpstream string // empty when served locally
	}{
		{"GET /-/healthz", http.MethodGet, "/-/healthz", http.StatusOK, ""},
		{"GET /-/status", http.MethodGet, "/-/status", http.StatusOK, ""},
		{"GET /", http.MethodGet, "/", http.StatusOK, "/"},
		{"GET repository", http.MethodGet, "/octocat/Hello-World", http.StatusOK, "/octocat/Hello-World"},
		{"GET raw", http.MethodGet, "/raw/octocat/Hello-World/master/README", http.StatusOK, "/octocat/Hello-World/master/README"},
		{"GET gist", http.MethodGet, "/gist/abc/raw", http.StatusOK, "/abc/raw"},
		{"GET gist-web", http.MethodGet, "/gist-web/abc", http.StatusOK, "/abc"},
		{"GET bare raw", http.MethodGet, "/raw", http.StatusOK, "/raw"},
		{"POST upload-pack", http.MethodPost, "/octocat/Hello-World.git/git-upload-pack", http.StatusOK, "/octocat/Hello-World.git/git-upload-pack"},
		{"DELETE", http.MethodDelete, "/octocat/x", http.StatusOK, "/octocat/x"},
		{"GET with query", http.MethodGet, "/search?q=go&type=repositories", http.StatusOK, "/search?q=go&type=repositories"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("X-Upstream-Path"); got != tt.wantUpstream {
				t.Errorf("upstream saw %q, want %q", got, tt.wantUpstream)
			}
		})
	}
}

func TestRegisterMetrics(t *testing.T) {
	m := metrics.New()
	m.RequestsTotal.WithLabelValues("GET", "200", "raw").Inc()

	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/-/metrics"}}
	e := echo.New()
	RegisterMetrics(e, cfg, m)

	req := httptest.NewRequest(http.MethodGet, "/-/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "github_accelerator_http_requests_total") {
		t.Error("metrics output missing github_accelerator_http_requests_total")
	}
}

func TestRegisterMetrics_Disabled(t *testing.T) {
	e := echo.New()
	RegisterMetrics(e, &config.Config{Metrics: config.MetricsConfig{Path: "/-/metrics"}}, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/-/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d when metrics are disabled", rec.Code, http.StatusNotFound)
	}
}

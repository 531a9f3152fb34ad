package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github-accelerator/internal/client"
	"github-accelerator/internal/config"
	"github-accelerator/internal/handler"
	"github-accelerator/internal/metrics"
	"github-accelerator/internal/middleware"
	"github-accelerator/internal/rewrite"
	"github-accelerator/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve     serveCmd     `kong:"cmd,default='withargs',help='Run the accelerator (default).'"`
	GitConfig gitConfigCmd `kong:"cmd,name='git-config',help='Route local git traffic for GitHub through an accelerator.'"`
	Probe     probeCmd     `kong:"cmd,help='Measure latency and download speed of an accelerator.'"`
}

func main() {
	var root cli
	ctx := kong.Parse(&root,
		kong.Name("github-accelerator"),
		kong.Description("Forwarding accelerator for GitHub, raw and gist content."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run())
}

type serveCmd struct {
	config.CLI `kong:"embed"`
}

func (s *serveCmd) Run() error {
	fx.New(
		fx.Provide(
			func() *config.CLI { return &s.CLI },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newRewriteTable,
			newEcho,
			client.NewUpstreamClient,
			func(c *client.UpstreamClient) service.Upstream { return c },
			service.NewForwarder,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, handler.RegisterMetrics, warnConfigPermissions, startServer),
	).Run()
	return nil
}

func newRewriteTable(cfg *config.Config) (*rewrite.Table, error) {
	return cfg.RewriteTable()
}

func newLogger(cfg *config.Config) *slog.Logger {
	return buildLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
}

func buildLogger(levelName, format string, w *os.File) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, table *rewrite.Table) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Clones and release downloads can stream for a long time; no write deadline.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m, table.Route))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, table *rewrite.Table, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting accelerator",
				"addr", addr,
				"domain", cfg.Accelerator.Domain,
				"rules", len(table.Rules()),
				"version", version,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

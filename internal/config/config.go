// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github-accelerator/internal/rewrite"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/github-accelerator/config.toml",
	"configs/config.toml",
}

// DefaultUserAgent is the browser identity presented to GitHub.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// edgeHeaders are client-IP and edge-routing headers never sent upstream,
// whatever accelerator.strip_headers says.
var edgeHeaders = []string{
	"CF-Connecting-IP",
	"CF-Ray",
	"X-Real-Ip",
	"True-Client-Ip",
}

// EdgeHeaders returns the headers every outbound request is stripped of.
func EdgeHeaders() []string {
	return append([]string(nil), edgeHeaders...)
}

// reservedPrefix is the path namespace owned by the accelerator itself.
const reservedPrefix = "/-/"

// CLI holds command-line arguments for the serve command, parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Domain   string `kong:"help='Advertised accelerator domain (overrides config).',env='ACCELERATE_DOMAIN'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Accelerator AcceleratorConfig `toml:"accelerator"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Rewrite     RewriteConfig     `toml:"rewrite"`
	Log         LogConfig         `toml:"log"`
	Metrics     MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"` // 0 means unlimited
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AcceleratorConfig describes how the accelerator presents itself.
type AcceleratorConfig struct {
	Domain       string   `toml:"domain"`        // echoed in X-Accelerated-By
	UserAgent    string   `toml:"user_agent"`    // sent upstream in place of the client's
	StripHeaders []string `toml:"strip_headers"` // removed in addition to EdgeHeaders
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"` // 0 means no client-side timeout
	IdleConnections int `toml:"idle_connections"`
	MaxRedirects    int `toml:"max_redirects"`
}

// RewriteConfig overrides the built-in path rules. Empty means built-in.
type RewriteConfig struct {
	Rules    []rewrite.Rule `toml:"rules"`
	Fallback string         `toml:"fallback"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/github-accelerator/config.toml then configs/config.toml. Running with
// no file at all is allowed as long as the domain comes from the CLI.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if _, err := cfg.RewriteTable(); err != nil {
		return nil, fmt.Errorf("config: validate: rewrite: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Domain != "" {
		c.Accelerator.Domain = cli.Domain
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Accelerator.Domain == "" {
		return fmt.Errorf("accelerator.domain is required (or pass --domain / ACCELERATE_DOMAIN)")
	}
	if strings.ContainsAny(c.Accelerator.Domain, "\r\n") {
		return fmt.Errorf("accelerator.domain must be a single line")
	}
	if strings.ContainsAny(c.Accelerator.UserAgent, "\r\n") {
		return fmt.Errorf("accelerator.user_agent must be a single line")
	}
	for _, h := range c.Accelerator.StripHeaders {
		if h == "" || strings.ContainsAny(h, " :\r\n") {
			return fmt.Errorf("accelerator.strip_headers contains invalid header name %q", h)
		}
	}

	// Upstream rules: every target must be HTTPS.
	for i, r := range c.Rewrite.Rules {
		if err := requireHTTPS(r.Upstream); err != nil {
			return fmt.Errorf("rewrite.rules[%d].upstream: %w", i, err)
		}
	}
	if c.Rewrite.Fallback != "" {
		if err := requireHTTPS(c.Rewrite.Fallback); err != nil {
			return fmt.Errorf("rewrite.fallback: %w", err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Everything outside /-/ is forwarded to GitHub, so metrics must live inside it.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if !strings.HasPrefix(p, reservedPrefix) || len(p) == len(reservedPrefix) {
			return fmt.Errorf("metrics.path must be under %q; got %q", reservedPrefix, p)
		}
		for _, taken := range []string{"/-/healthz", "/-/status"} {
			if p == taken {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, taken)
			}
		}
	}

	return nil
}

func requireHTTPS(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must use HTTPS; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, IdleConnections, etc.), zero means "unset" because
// TOML cannot distinguish between an explicit 0 and an omitted key. The
// exceptions are server.body_max_bytes and upstream.timeout_seconds, where zero
// means no limit.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Accelerator.UserAgent == "" {
		c.Accelerator.UserAgent = DefaultUserAgent
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if len(c.Rewrite.Rules) == 0 {
		c.Rewrite.Rules = rewrite.DefaultRules()
	}
	if c.Rewrite.Fallback == "" {
		c.Rewrite.Fallback = rewrite.DefaultFallback().Upstream
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/-/metrics"
	}
}

// RewriteTable builds the path rule table described by the config.
func (c *Config) RewriteTable() (*rewrite.Table, error) {
	fallback := rewrite.DefaultFallback()
	if c.Rewrite.Fallback != "" {
		fallback.Upstream = c.Rewrite.Fallback
	}
	rules := c.Rewrite.Rules
	if len(rules) == 0 {
		rules = rewrite.DefaultRules()
	}
	return rewrite.New(rules, fallback)
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// AcceleratorURL normalizes the public address of an accelerator as typed by a
// user: https is assumed when no scheme is given and trailing slashes are
// dropped. Only the origin may be set.
func AcceleratorURL(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("accelerator URL is empty")
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	s = strings.TrimRight(s, "/")

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("accelerator URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("accelerator URL %q has no host", raw)
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("accelerator URL %q must not have a path, query or fragment", raw)
	}
	return u, nil
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// Package probe measures how an accelerator performs from the client side:
// TCP connect latency and the throughput of a small ranged download.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github-accelerator/internal/config"
	"github-accelerator/internal/service"
)

const (
	// SpeedTestPath is a small, stable public file served through the raw rule.
	SpeedTestPath = "/raw/octocat/Hello-World/master/README"

	speedTestRange = "bytes=0-10240"
	sampleTimeout  = 5 * time.Second
)

// ErrNotAccelerated is returned when the download was answered by something
// other than an accelerator.
var ErrNotAccelerated = errors.New("response is missing " + service.HeaderAcceleratedBy)

// Download is the outcome of a single throughput sample.
type Download struct {
	Bytes          int64
	Elapsed        time.Duration
	BytesPerSecond float64
	AcceleratedBy  string
}

// Sample combines one latency and one download measurement.
type Sample struct {
	Latency     time.Duration
	LatencyErr  error
	Download    Download
	DownloadErr error
}

// Prober probes a single accelerator.
type Prober struct {
	base   *url.URL
	addr   string
	client *http.Client
	dialer *net.Dialer
}

// New builds a Prober for the accelerator address as a user would type it.
func New(accelerator string) (*Prober, error) {
	base, err := config.AcceleratorURL(accelerator)
	if err != nil {
		return nil, err
	}

	port := base.Port()
	if port == "" {
		port = "443"
		if base.Scheme == "http" {
			port = "80"
		}
	}

	return &Prober{
		base:   base,
		addr:   net.JoinHostPort(base.Hostname(), port),
		client: &http.Client{Timeout: sampleTimeout},
		dialer: &net.Dialer{Timeout: sampleTimeout},
	}, nil
}

// Addr is the host:port dialed by Latency.
func (p *Prober) Addr() string {
	return p.addr
}

// Latency returns the time to open a TCP connection to the accelerator.
func (p *Prober) Latency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}

// Download fetches the first 10 KiB of SpeedTestPath through the accelerator.
func (p *Prober) Download(ctx context.Context) (Download, error) {
	target := p.base.JoinPath(SpeedTestPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return Download{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Range", speedTestRange)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Download{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return Download{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Download{}, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	d := Download{
		Bytes:         n,
		Elapsed:       elapsed,
		AcceleratedBy: resp.Header.Get(service.HeaderAcceleratedBy),
	}
	if elapsed > 0 {
		d.BytesPerSecond = float64(n) / elapsed.Seconds()
	}
	if d.AcceleratedBy == "" {
		return d, ErrNotAccelerated
	}
	return d, nil
}

// Sample takes one latency and one download measurement.
func (p *Prober) Sample(ctx context.Context) Sample {
	var s Sample
	s.Latency, s.LatencyErr = p.Latency(ctx)
	s.Download, s.DownloadErr = p.Download(ctx)
	return s
}

// Run calls fn with a new sample every interval. A count of zero or less runs
// until ctx is canceled.
func (p *Prober) Run(ctx context.Context, interval time.Duration, count int, fn func(i int, s Sample)) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be > 0; got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; count <= 0 || i < count; i++ {
		fn(i, p.Sample(ctx))
		if count > 0 && i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// FormatSpeed renders a transfer rate with two decimals in B/s, KB/s or MB/s.
func FormatSpeed(bps float64) string {
	switch {
	case bps >= 1024*1024:
		return fmt.Sprintf("%.2f MB/s", bps/(1024*1024))
	case bps >= 1024:
		return fmt.Sprintf("%.2f KB/s", bps/1024)
	default:
		return fmt.Sprintf("%.2f B/s", bps)
	}
}

// Package service implements the request forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github-accelerator/internal/config"
	"github-accelerator/internal/model"
	"github-accelerator/internal/rewrite"
)

// Version is advertised in X-Accelerator-Version on every forwarded response.
const Version = "1.0"

// Accelerator response headers.
const (
	HeaderAcceleratedBy      = "X-Accelerated-By"
	HeaderAcceleratorVersion = "X-Accelerator-Version"
	HeaderAllowOrigin        = "Access-Control-Allow-Origin"
)

// hopHeaders are connection-scoped and never cross the accelerator.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection", // non-standard but still sent by libcurl
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te", // canonicalized version of "TE"
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// UpstreamFetchError reports that no upstream response was obtained.
type UpstreamFetchError struct {
	Target string // upstream URL, credentials redacted
	Rule   string
	Err    error
}

func (e *UpstreamFetchError) Error() string { return e.Err.Error() }

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// Upstream performs the outbound call.
type Upstream interface {
	Do(req *http.Request) (*model.ForwardResponse, error)
}

// Forwarder rewrites inbound requests onto GitHub hosts and relays the answer.
// It holds no per-request state and is safe for concurrent use.
type Forwarder struct {
	upstream     Upstream
	table        *rewrite.Table
	domain       string
	userAgent    string
	stripHeaders []string
	logger       *slog.Logger
}

// NewForwarder creates a Forwarder from the accelerator config.
func NewForwarder(up Upstream, table *rewrite.Table, cfg *config.Config, logger *slog.Logger) *Forwarder {
	var strip []string
	seen := make(map[string]bool)
	for _, h := range append(config.EdgeHeaders(), cfg.Accelerator.StripHeaders...) {
		h = textproto.CanonicalMIMEHeaderKey(h)
		if !seen[h] {
			seen[h] = true
			strip = append(strip, h)
		}
	}
	ua := cfg.Accelerator.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent
	}

	return &Forwarder{
		upstream:     up,
		table:        table,
		domain:       cfg.Accelerator.Domain,
		userAgent:    ua,
		stripHeaders: strip,
		logger:       logger.With("component", "forwarder"),
	}
}

// Forward sends fr to the upstream selected by the rewrite table and returns
// the response with the accelerator headers set. The response body is the
// upstream stream; the caller is responsible for closing it.
//
// Every failure to obtain a response is reported as *UpstreamFetchError.
func (f *Forwarder) Forward(fr *model.ForwardRequest) (*model.ForwardResponse, error) {
	target, rule := f.table.Resolve(fr.URL)

	f.logger.Debug("forwarding request",
		"method", fr.Method,
		"path", fr.URL.Path,
		"rule", rule.Name,
		"target", target.Redacted(),
	)

	body := fr.Body
	if body == nil || fr.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(fr.Ctx, fr.Method, target.String(), body)
	if err != nil {
		return nil, &UpstreamFetchError{Target: target.Redacted(), Rule: rule.Name, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = f.OutboundHeader(fr.Header, target.Host)
	req.Host = target.Host
	if body != http.NoBody {
		req.ContentLength = fr.ContentLength
	}

	resp, err := f.upstream.Do(req)
	if err != nil {
		return nil, &UpstreamFetchError{Target: target.Redacted(), Rule: rule.Name, Err: err}
	}

	removeHopHeaders(resp.Header)
	f.decorate(resp.Header)
	return resp, nil
}

// OutboundHeader derives the upstream header set from the inbound one:
// everything is copied except hop-by-hop and edge headers, Host is the
// upstream authority and User-Agent is the configured browser string.
// src is not modified.
func (f *Forwarder) OutboundHeader(src http.Header, host string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	keepTrailers := httpguts.HeaderValuesContainsToken(src["Te"], "trailers")
	removeHopHeaders(dst)
	if keepTrailers {
		dst.Set("Te", "trailers")
	}

	for _, h := range f.stripHeaders {
		delete(dst, h)
	}

	dst.Set("Host", host)
	dst.Set("User-Agent", f.userAgent)
	return dst
}

// decorate overwrites the accelerator headers, whatever the upstream sent.
func (f *Forwarder) decorate(h http.Header) {
	h.Set(HeaderAcceleratedBy, f.domain)
	h.Set(HeaderAcceleratorVersion, Version)
	h.Set(HeaderAllowOrigin, "*")
}

// removeHopHeaders deletes hop-by-hop headers, including any named in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

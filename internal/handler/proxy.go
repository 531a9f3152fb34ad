package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"github-accelerator/internal/model"
	"github-accelerator/internal/service"
)

// ProxyHandler forwards every request it receives to GitHub.
type ProxyHandler struct {
	forwarder *service.Forwarder
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(f *service.Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder: f,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	fr := &model.ForwardRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URL:           req.URL,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.forwarder.Forward(fr)
	if err != nil {
		return h.fail(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy can only truncate the body; the
	// client sees the original status with a short read.
	if err := stream(c.Response(), resp.Body, needsFlush(resp.Header)); err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("client went away while streaming", "path", req.URL.Path)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// fail answers with a plain-text 502 carrying the error text and nothing
// from the upstream.
func (h *ProxyHandler) fail(c echo.Context, err error) error {
	attrs := []any{"err", err, "path", c.Request().URL.Path}
	var fetchErr *service.UpstreamFetchError
	if errors.As(err, &fetchErr) {
		attrs = append(attrs, "target", fetchErr.Target, "rule", fetchErr.Rule)
	}

	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Info("client disconnected before upstream answered", attrs...)
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("upstream request timed out", attrs...)
	default:
		h.logger.Error("upstream fetch failed", attrs...)
	}

	return c.String(http.StatusBadGateway, "accelerator forward failed: "+err.Error())
}

// needsFlush reports whether the body should reach the client as it arrives:
// server-sent events and bodies of unknown length such as git pack streams.
func needsFlush(h http.Header) bool {
	if ct, _, _ := mime.ParseMediaType(h.Get("Content-Type")); ct == "text/event-stream" {
		return true
	}
	return h.Get("Content-Length") == ""
}

func stream(w *echo.Response, body io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, body)
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

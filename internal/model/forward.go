// Package model defines shared types for the accelerator.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ForwardRequest is an inbound request as seen by the forwarder. It is never
// mutated; the outbound request is derived from it.
type ForwardRequest struct {
	Ctx           context.Context
	Method        string
	URL           *url.URL
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// ForwardResponse is the upstream response to be streamed back.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

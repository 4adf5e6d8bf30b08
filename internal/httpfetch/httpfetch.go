// Package httpfetch implements the HTTP Fetcher capability the cache facades
// consume: fetch(request) -> (bytes, response), buffered rather than streamed so
// the facade can inspect Content-Type and length before committing a tier write.
package httpfetch

import (
	"context"
	"io"
	"net/http"

	"github.com/alecthomas/errors"
)

// Request is a URL plus a set of header fields, the minimal shape the core needs
// to issue a conditional or unconditional fetch.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
}

// Response is the result of a fetch: a status code, case-insensitive header
// access, and the fully buffered body.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Fetcher issues requests and buffers the response body. Transport errors
// (connection refused, DNS failure, context cancellation) are the only error
// this interface returns; HTTP-level failure is conveyed through StatusCode.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Client is a Fetcher backed by *http.Client, the production implementation.
type Client struct {
	HTTP *http.Client
}

// NewClient builds a Client. A nil httpClient is replaced with http.DefaultClient.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTP: httpClient}
}

// Fetch issues req and buffers its response body fully before returning.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return Response{}, errors.Errorf("failed to build request for %s: %w", req.URL, err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Response{}, errors.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errors.Errorf("failed to read response body from %s: %w", req.URL, err)
	}

	return Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

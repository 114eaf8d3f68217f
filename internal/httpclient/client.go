// Package httpclient provides HTTP client functionality for talking to
// external scheduling systems.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "worklist-server/1.0"
)

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)

	// PostForm performs an HTTP POST of URL-encoded form data and returns
	// the response body
	PostForm(ctx context.Context, url string, form url.Values) ([]byte, error)
}

// Option configures a DefaultClient.
type Option func(*DefaultClient)

// WithBasicAuth attaches HTTP basic-auth credentials to every request.
func WithBasicAuth(username, password string) Option {
	return func(c *DefaultClient) {
		c.username = username
		c.password = password
		c.useBasicAuth = true
	}
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client       *http.Client
	timeout      time.Duration
	username     string
	password     string
	useBasicAuth bool
}

// NewDefaultClient creates a new default HTTP client with the specified timeout
// If timeout is 0, uses DefaultTimeout
func NewDefaultClient(timeout time.Duration, opts ...Option) Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs an HTTP GET request
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	return c.do(req, url)
}

// PostForm performs an HTTP POST of URL-encoded form data
func (c *DefaultClient) PostForm(ctx context.Context, url string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.do(req, url)
}

func (c *DefaultClient) do(req *http.Request, url string) ([]byte, error) {
	req.Header.Set("User-Agent", UserAgent)
	if c.useBasicAuth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, NewHTTPError(resp.StatusCode, url, resp.Status)
	}

	// Check Content-Length header if available
	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// Read response body with size limit
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1) // +1 to detect if limit exceeded
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return body, nil
}

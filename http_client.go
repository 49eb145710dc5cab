package authz

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultIdPTimeout caps identity provider calls when the incoming request
// carries no deadline of its own.
const DefaultIdPTimeout = 30 * time.Second

type httpClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPClient returns the production HTTPClient. The timeout applies
// only when the context has no deadline; zero means DefaultIdPTimeout.
func NewHTTPClient(timeout time.Duration) HTTPClient {
	if timeout <= 0 {
		timeout = DefaultIdPTimeout
	}
	return &httpClient{client: &http.Client{}, timeout: timeout}
}

func (c *httpClient) PostForm(ctx context.Context, url string, headers map[string]string, body string) (*HTTPResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Package gateway pushes rendered metric batches to a Prometheus
// pushgateway.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DefaultPort is the conventional pushgateway port.
const DefaultPort = "9091"

// DefaultTimeout bounds a single push, including connection setup.
const DefaultTimeout = 60 * time.Second

// Client delivers metric batches with a bounded timeout. The batch body is
// opaque bytes; the gateway accepts zero, one or more lines per push.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the gateway at host:port.
func New(host, port string) *Client {
	if port == "" {
		port = DefaultPort
	}
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%s", host, port),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// FromEnv builds a client from GATEWAY_HOST and GATEWAY_PORT. Returns an
// error when GATEWAY_HOST is unset; the gateway is required configuration.
func FromEnv() (*Client, error) {
	host := os.Getenv("GATEWAY_HOST")
	if host == "" {
		return nil, fmt.Errorf("GATEWAY_HOST is required")
	}
	return New(host, os.Getenv("GATEWAY_PORT")), nil
}

// Push PUTs the batch to /metrics/job/<job>. Any non-2xx response or
// timeout is an error; the caller must not record the batch as delivered.
func (c *Client) Push(ctx context.Context, job string, body []byte) error {
	url := fmt.Sprintf("%s/metrics/job/%s", c.baseURL, job)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pushing to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

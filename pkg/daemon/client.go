package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DaemonClient talks to the control channel of a running daemon, addressed
// by its host port.
type DaemonClient interface {
	Navigate(ctx context.Context, port int, url string) error
	CurrentURL(ctx context.Context, port int) (string, error)
	Launch(ctx context.Context, port int) error
	Health(ctx context.Context, port int) error
	NotifyReady(ctx context.Context, callbackURL string, n ReadyNotification) error
}

// ReadyNotification is POSTed to a session's callback URL once it is running
type ReadyNotification struct {
	SessionID string `json:"sessionId"`
	Port      int    `json:"port"`
	Hostname  string `json:"hostname,omitempty"`
	Ready     bool   `json:"ready"`
}

// ClientConfig configures HTTPClient
type ClientConfig struct {
	Host         string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultClientConfig returns defaults for a daemon on the local host
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:         "127.0.0.1",
		Timeout:      10 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}
}

// HTTPClient implements DaemonClient over HTTP. Control calls are retried;
// health probes are not, so a dead daemon is reported on the first miss.
type HTTPClient struct {
	host    string
	control *retryablehttp.Client
	probe   *retryablehttp.Client
}

// NewHTTPClient creates a control channel client
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	control := retryablehttp.NewClient()
	control.RetryMax = cfg.RetryMax
	control.RetryWaitMin = cfg.RetryWaitMin
	control.RetryWaitMax = cfg.RetryWaitMax
	control.HTTPClient.Timeout = cfg.Timeout
	control.Logger = nil

	probe := retryablehttp.NewClient()
	probe.RetryMax = 0
	probe.HTTPClient.Timeout = cfg.Timeout
	probe.Logger = nil

	return &HTTPClient{host: cfg.Host, control: control, probe: probe}
}

func (c *HTTPClient) baseURL(port int) string {
	return "http://" + c.host + ":" + strconv.Itoa(port)
}

func (c *HTTPClient) Navigate(ctx context.Context, port int, url string) error {
	_, err := c.do(ctx, c.control, http.MethodPost, c.baseURL(port)+"/navigate", map[string]string{"url": url})
	return err
}

func (c *HTTPClient) CurrentURL(ctx context.Context, port int) (string, error) {
	body, err := c.do(ctx, c.control, http.MethodGet, c.baseURL(port)+"/url", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode url response: %w", err)
	}
	return resp.URL, nil
}

func (c *HTTPClient) Launch(ctx context.Context, port int) error {
	_, err := c.do(ctx, c.control, http.MethodPost, c.baseURL(port)+"/launch", nil)
	return err
}

func (c *HTTPClient) Health(ctx context.Context, port int) error {
	_, err := c.do(ctx, c.probe, http.MethodGet, c.baseURL(port)+"/health", nil)
	return err
}

func (c *HTTPClient) NotifyReady(ctx context.Context, callbackURL string, n ReadyNotification) error {
	_, err := c.do(ctx, c.control, http.MethodPost, callbackURL, n)
	return err
}

func (c *HTTPClient) do(ctx context.Context, client *retryablehttp.Client, method, url string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}
	return data, nil
}

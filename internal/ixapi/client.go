package ixapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const (
	// DefaultBaseURL is the iXmanager cloud endpoint
	DefaultBaseURL = "https://evcharger.ixcommand.com/api/v1"
	// DefaultTimeout bounds every API call
	DefaultTimeout = 30 * time.Second

	apiKeyHeader = "X-API-KEY"
	userAgent    = "ixcharged"
)

// Client talks to the iXmanager cloud API for a single controller.
// Every call is a single HTTP attempt; retry policy belongs to the caller.
type Client struct {
	baseURL      string
	serialNumber string
	httpClient   *http.Client
	logger       *zap.Logger

	mu     sync.RWMutex
	apiKey string
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the API base URL
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTimeout overrides the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Its timeout is kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the controller identified by serialNumber
func NewClient(apiKey, serialNumber string, opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		serialNumber: serialNumber,
		apiKey:       apiKey,
		httpClient:   httptrace.WrapClient(&http.Client{Timeout: DefaultTimeout}),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SerialNumber returns the controller serial number
func (c *Client) SerialNumber() string {
	return c.serialNumber
}

// SetAPIKey replaces the API key used for subsequent calls
func (c *Client) SetAPIKey(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = apiKey
}

func (c *Client) currentAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

func (c *Client) propertiesURL() string {
	return fmt.Sprintf("%s/thing/%s/properties", c.baseURL, url.PathEscape(c.serialNumber))
}

// FetchProperties reads the given properties in one request
func (c *Client) FetchProperties(ctx context.Context, keys []PropertyKey) (Snapshot, error) {
	span, ctx := tracer.StartSpanFromContext(ctx, "ixapi.fetch_properties",
		tracer.Tag("serial", c.serialNumber),
		tracer.Tag("keys", len(keys)))
	defer span.Finish()

	params := url.Values{}
	for _, key := range keys {
		params.Add("keys", string(key))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.propertiesURL()+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get properties request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("Fetching properties", zap.Any("keys", keys))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetTag("error", err)
		return nil, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp.StatusCode)
		span.SetTag("error", err)
		return nil, err
	}

	var snapshot Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		span.SetTag("error", err)
		return nil, fmt.Errorf("failed to decode properties response: %w", err)
	}

	c.logger.Debug("Received properties", zap.Int("count", len(snapshot)))
	return snapshot, nil
}

// SetProperty writes a single property
func (c *Client) SetProperty(ctx context.Context, key PropertyKey, value Value) (bool, error) {
	span, ctx := tracer.StartSpanFromContext(ctx, "ixapi.set_property",
		tracer.Tag("serial", c.serialNumber),
		tracer.Tag("key", string(key)))
	defer span.Finish()

	body, err := json.Marshal(map[PropertyKey]Value{key: value})
	if err != nil {
		return false, fmt.Errorf("failed to marshal set property request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.propertiesURL(), bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create set property request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Setting property", zap.String("key", string(key)), zap.Stringer("value", value))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetTag("error", err)
		return false, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		c.logger.Debug("Property set", zap.String("key", string(key)))
		return true, nil
	default:
		err := statusError(resp.StatusCode)
		span.SetTag("error", err)
		return false, err
	}
}

// ValidateConnection checks that the API key and serial number are accepted
// by fetching a single cheap property.
func (c *Client) ValidateConnection(ctx context.Context) (bool, error) {
	if _, err := c.FetchProperties(ctx, []PropertyKey{ChargingEnable}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set(apiKeyHeader, c.currentAPIKey())
	req.Header.Set("User-Agent", userAgent)
}

func statusError(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &APIError{StatusCode: status}
	}
}

// Package apiclient provides the HTTP client for the BrandWriter backends.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"brandwriter/jobwatch-service/internal/apierr"
	"brandwriter/jobwatch-service/internal/config"
	"brandwriter/jobwatch-service/internal/logger"
)

const (
	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 8 << 20
)

// Backend names one of the services behind the client.
type Backend string

const (
	BackendMain  Backend = "main"
	BackendInsta Backend = "insta"
	BackendEmail Backend = "email"
)

// Backends lists every backend in a fixed order.
var Backends = []Backend{BackendMain, BackendInsta, BackendEmail}

// ErrUnknownBackend is returned for a backend without a configured base URL.
var ErrUnknownBackend = errors.New("unknown backend")

// Client talks JSON over HTTP to the configured backends.
type Client struct {
	baseURLs   map[Backend]string
	httpClient *http.Client
	limiter    *rate.Limiter
	creds      CredentialSource
	normalizer *apierr.Normalizer
	log        logger.Logger

	Scans        *Scans
	Verification *Verification
	Batches      *Batches
	Emails       *Emails
	Leads        *Leads
	Assets       *Assets
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger used for request failures.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithRateLimit throttles outgoing requests to rps per second. Zero disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCredentials sets the source of auth tokens and API keys.
func WithCredentials(src CredentialSource) Option {
	return func(c *Client) {
		c.creds = src
	}
}

// New creates a client for the given backends. Base URLs are used exactly as configured.
func New(cfg config.Backends, opts ...Option) *Client {
	c := &Client{
		baseURLs: map[Backend]string{
			BackendMain:  strings.TrimRight(cfg.MainURL, "/"),
			BackendInsta: strings.TrimRight(cfg.InstaURL, "/"),
			BackendEmail: strings.TrimRight(cfg.EmailURL, "/"),
		},
		httpClient: &http.Client{Timeout: DefaultTimeout},
		creds:      StaticCredentials{},
		log:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logger.Component("apiclient"))
	c.normalizer = apierr.NewNormalizer(c.log)

	c.Scans = &Scans{c: c}
	c.Verification = &Verification{c: c}
	c.Batches = &Batches{c: c}
	c.Emails = &Emails{c: c}
	c.Leads = &Leads{c: c}
	c.Assets = &Assets{c: c}
	return c
}

// Resource returns a generic CRUD accessor for a collection path on a backend.
func (c *Client) Resource(backend Backend, path string) *Resource {
	return &Resource{c: c, backend: backend, path: strings.TrimRight(path, "/") + "/"}
}

// Standard collections of the main and email backends.
func (c *Client) Basket() *Resource    { return c.Resource(BackendMain, "/v1/basket") }
func (c *Client) Schedules() *Resource { return c.Resource(BackendMain, "/v1/schedules") }
func (c *Client) Templates() *Resource { return c.Resource(BackendMain, "/v1/templates") }
func (c *Client) Brands() *Resource    { return c.Resource(BackendMain, "/v1/brands") }
func (c *Client) Campaigns() *Resource { return c.Resource(BackendEmail, "/campaigns") }

// URL resolves path against the base URL of backend.
func (c *Client) URL(backend Backend, path string) (string, error) {
	base, ok := c.baseURLs[backend]
	if !ok || base == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}

// Do sends a JSON request and decodes a JSON response into out (when non-nil).
// A 204 response leaves out untouched and returns nil. Non-2xx responses return a
// *apierr.Error; transport failures are wrapped.
func (c *Client) Do(ctx context.Context, backend Backend, method, path string, body, out any) error {
	target, err := c.URL(backend, path)
	if err != nil {
		return err
	}

	var reader io.Reader = http.NoBody
	if body != nil && method != http.MethodGet {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req, backend); err != nil {
		return err
	}

	return c.doRequest(req, out)
}

func (c *Client) authorize(req *http.Request, backend Backend) error {
	switch backend {
	case BackendMain:
		token, err := c.creds.AuthToken()
		if err != nil {
			return fmt.Errorf("failed to load auth token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case BackendInsta:
		key, err := c.creds.InstaAPIKey()
		if err != nil {
			return fmt.Errorf("failed to load insta api key: %w", err)
		}
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
	}
	return nil
}

// doRequest executes an HTTP request and decodes the response.
func (c *Client) doRequest(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("Request failed",
			logger.String("method", req.Method),
			logger.String("url", req.URL.String()),
			logger.Error(err),
		)
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.normalizer.Normalize(req.Method, req.URL.String(), resp.StatusCode, raw)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

package audible

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"folio/internal/logging"
	"folio/internal/session"
	"folio/internal/signing"
)

const clientTimeout = 60 * time.Second

// HTTPDoer abstracts the HTTP client for testability.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client issues signed calls against the vendor catalog API. Every request
// goes through the session manager's EnsureValid first, so no call is ever
// made with a token known to be expired.
type Client struct {
	sessions   *session.Manager
	httpClient HTTPDoer
	logger     *slog.Logger

	apiBase   func(domain string) string
	storeBase func(domain string) string
	authBase  func(host string) string

	signerMu  sync.Mutex
	signer    *signing.Signer
	signerADP string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(client HTTPDoer) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithAPIBase overrides catalog URL derivation (used in tests).
func WithAPIBase(base func(domain string) string) Option {
	return func(c *Client) {
		if base != nil {
			c.apiBase = base
		}
	}
}

// WithStoreBase overrides the store-site URL derivation used for the
// activation blob fetch (used in tests).
func WithStoreBase(base func(domain string) string) Option {
	return func(c *Client) {
		if base != nil {
			c.storeBase = base
		}
	}
}

// WithAuthBase overrides the auth endpoint derivation used for
// deregistration (used in tests).
func WithAuthBase(base func(host string) string) Option {
	return func(c *Client) {
		if base != nil {
			c.authBase = base
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "audible")
		}
	}
}

// New constructs a Client over the given session manager.
func New(sessions *session.Manager, opts ...Option) *Client {
	client := &Client{
		sessions:   sessions,
		httpClient: &http.Client{Timeout: clientTimeout},
		logger:     logging.NewNop(),
		apiBase: func(domain string) string {
			return "https://api.audible." + domain
		},
		storeBase: func(domain string) string {
			return "https://www.audible." + domain
		},
		authBase: func(host string) string {
			return "https://" + host
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Sessions exposes the session manager for collaborators that need
// EnsureValid or record snapshots (downloader, CLI).
func (c *Client) Sessions() *session.Manager { return c.sessions }

// NewSignedRequest ensures the session is valid and builds a request
// carrying the three signature headers. The body, when non-nil, is both
// signed and attached.
func (c *Client) NewSignedRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	if err := c.sessions.EnsureValid(ctx); err != nil {
		return nil, err
	}
	record, err := c.sessions.Snapshot()
	if err != nil {
		return nil, err
	}
	signer, err := c.signerFor(&record)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Charset", "utf-8")
	if err := signer.Sign(req, body); err != nil {
		return nil, err
	}
	return req, nil
}

// signerFor caches the signer; the device key and ADP token are stable for
// the life of a session, so the PEM parse happens once.
func (c *Client) signerFor(record *session.Record) (*signing.Signer, error) {
	c.signerMu.Lock()
	defer c.signerMu.Unlock()
	if c.signer != nil && c.signerADP == record.ADPToken {
		return c.signer, nil
	}
	signer, err := signing.New(record.DevicePrivateKey, record.ADPToken)
	if err != nil {
		return nil, err
	}
	c.signer = signer
	c.signerADP = record.ADPToken
	return signer, nil
}

// getJSON performs a signed GET and decodes a 200 response into out. Any
// other outcome becomes an *APIError retaining status and raw body.
func (c *Client) getJSON(ctx context.Context, operation, rawURL string, out any) error {
	req, err := c.NewSignedRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if readErr != nil {
		return &APIError{Operation: operation, Status: resp.StatusCode, Err: readErr}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Operation: operation, Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Operation: operation, Status: resp.StatusCode, Body: string(body), Err: err}
	}
	return nil
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"folio/internal/logging"
)

const (
	appName    = "Audible"
	appVersion = "3.56.2"

	refreshTimeout = 30 * time.Second
)

// RefreshError reports a failed token refresh. The caller must force
// re-authentication; retrying with the same refresh token will not help.
type RefreshError struct {
	Reason string
	Status int
	Body   string
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token refresh failed: %s (status %d)", e.Reason, e.Status)
	}
	return "token refresh failed: " + e.Reason
}

func (e *RefreshError) Unwrap() error { return e.Err }

// HTTPDoer abstracts the HTTP client for testability.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Manager owns the live session record: it loads it on first use, decides
// expiry, refreshes it, and persists every mutation. All methods are safe
// for concurrent use; refresh is serialized so concurrent expired callers
// trigger exactly one refresh exchange.
type Manager struct {
	store      Store
	httpClient HTTPDoer
	now        func() time.Time
	endpoint   func(*Record) string
	logger     *slog.Logger

	mu     sync.Mutex
	record *Record
}

// ManagerOption customises Manager construction.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the HTTP client used for the refresh exchange.
func WithHTTPClient(client HTTPDoer) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithClock overrides the wall clock (used in tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTokenEndpoint overrides the refresh URL derivation (used in tests).
func WithTokenEndpoint(endpoint func(*Record) string) ManagerOption {
	return func(m *Manager) {
		if endpoint != nil {
			m.endpoint = endpoint
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "session")
		}
	}
}

// NewManager builds a Manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		store:      store,
		httpClient: &http.Client{Timeout: refreshTimeout},
		now:        time.Now,
		logger:     logging.NewNop(),
	}
	mgr.endpoint = func(record *Record) string {
		return "https://" + record.AuthHost() + "/auth/token"
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// EnsureValid guarantees the access token is usable before a signed call.
// It returns ErrMissing when no record exists and *RefreshError when the
// refresh exchange fails; on success the refreshed record is persisted
// before returning, so no caller ever proceeds with a token known to be
// expired.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return err
	}
	// Re-check under the lock: a concurrent caller may have refreshed while
	// we were waiting.
	if !m.record.Expired(m.now()) {
		return nil
	}
	return m.refreshLocked(ctx)
}

// Snapshot returns a copy of the current record for read-only use (signing,
// URL derivation). Mutating the copy has no effect on the live session.
func (m *Manager) Snapshot() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return Record{}, err
	}
	return copyRecord(m.record), nil
}

// SetActivationBytes caches the extracted activation secret and persists the
// record.
func (m *Manager) SetActivationBytes(secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return err
	}
	m.record.ActivationBytes = secret
	return m.store.Save(m.record)
}

// Replace installs a freshly registered record (login flow) and persists it.
func (m *Manager) Replace(record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(record); err != nil {
		return err
	}
	m.record = record
	return nil
}

// Logout deletes the persisted session.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = nil
	return m.store.Delete()
}

func (m *Manager) loadLocked() error {
	if m.record != nil {
		return nil
	}
	record, err := m.store.Load()
	if err != nil {
		return err
	}
	m.record = record
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if strings.TrimSpace(m.record.RefreshToken) == "" {
		return &RefreshError{Reason: "no refresh token in session"}
	}

	form := url.Values{
		"app_name":             {appName},
		"app_version":          {appVersion},
		"source_token":         {m.record.RefreshToken},
		"requested_token_type": {"access_token"},
		"source_token_type":    {"refresh_token"},
	}

	endpoint := m.endpoint(m.record)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &RefreshError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &RefreshError{Reason: "execute request", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RefreshError{Reason: "token endpoint rejected refresh", Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &RefreshError{Reason: "decode response", Status: resp.StatusCode, Body: string(body), Err: err}
	}
	if payload.AccessToken == "" {
		return &RefreshError{Reason: "response carried no access token", Status: resp.StatusCode, Body: string(body)}
	}
	expiresIn, err := payload.ExpiresIn.Int64()
	if err != nil {
		return &RefreshError{Reason: "unparsable expires_in", Status: resp.StatusCode, Body: string(body), Err: err}
	}

	m.record.AccessToken = payload.AccessToken
	m.record.ExpiresAt = m.now().Add(time.Duration(expiresIn) * time.Second).Unix()
	if err := m.store.Save(m.record); err != nil {
		return fmt.Errorf("persist refreshed session: %w", err)
	}

	m.logger.Info("access token refreshed", "expires_in", expiresIn)
	return nil
}

func copyRecord(record *Record) Record {
	cp := *record
	cp.WebsiteCookies = copyMap(record.WebsiteCookies)
	cp.DeviceInfo = copyAnyMap(record.DeviceInfo)
	cp.CustomerInfo = copyAnyMap(record.CustomerInfo)
	return cp
}

func copyMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

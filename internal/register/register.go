package register

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"folio/internal/session"
)

const (
	deviceType = "A2CZJZGLK2JJVM"
	appName    = "Audible"
	appVersion = "3.56.2"
)

// Device is the synthetic device identity presented during registration.
// The vendor keys each registration to a serial; a fresh UUID keeps every
// login independent.
type Device struct {
	Serial   string
	ClientID string
}

// NewDevice generates a device identity. The serial is the uppercase hex
// of a random UUID; the client id is the hex encoding of serial#deviceType.
func NewDevice() Device {
	serial := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return deviceFromSerial(serial)
}

func deviceFromSerial(serial string) Device {
	return Device{
		Serial:   serial,
		ClientID: hex.EncodeToString([]byte(serial + "#" + deviceType)),
	}
}

// Request carries everything needed to build the sign-in URL and later
// exchange the authorization code.
type Request struct {
	LocaleCode   string
	WithUsername bool
	Device       Device
	PKCE         *PKCE
}

// NewRequest prepares a registration round trip for the given locale.
// WithUsername selects the vendor's own identity service instead of the
// retail one.
func NewRequest(localeCode string, withUsername bool) (*Request, error) {
	pkce, err := NewPKCE()
	if err != nil {
		return nil, err
	}
	return &Request{
		LocaleCode:   localeCode,
		WithUsername: withUsername,
		Device:       NewDevice(),
		PKCE:         pkce,
	}, nil
}

func (r *Request) domain() string {
	return session.DomainForLocale(r.LocaleCode)
}

func (r *Request) signInHost() string {
	if r.WithUsername {
		return "www.audible." + r.domain()
	}
	return "www.amazon." + r.domain()
}

func (r *Request) apiHost() string {
	if r.WithUsername {
		return "api.audible." + r.domain()
	}
	return "api.amazon." + r.domain()
}

// SignInURL builds the browser URL the user completes the login in. The
// authorization code comes back in the openid.oa2.authorization_code query
// parameter of the final redirect.
func (r *Request) SignInURL() string {
	domain := r.domain()
	base := "https://" + r.signInHost() + "/ap/signin"
	returnTo := "https://" + r.signInHost() + "/ap/maplanding"
	assocHandle := "amzn_audible_ios_" + r.LocaleCode
	pageID := "amzn_audible_ios"
	if r.WithUsername {
		returnTo = "https://www.audible." + domain + "/ap/maplanding"
		assocHandle = "amzn_audible_ios_lap_" + r.LocaleCode
		pageID = "amzn_audible_ios_privatepool"
	}

	query := url.Values{}
	query.Set("openid.oa2.response_type", "code")
	query.Set("openid.oa2.code_challenge_method", ChallengeMethod)
	query.Set("openid.oa2.code_challenge", r.PKCE.Challenge)
	query.Set("openid.return_to", returnTo)
	query.Set("openid.assoc_handle", assocHandle)
	query.Set("openid.identity", "http://specs.openid.net/auth/2.0/identifier_select")
	query.Set("openid.claimed_id", "http://specs.openid.net/auth/2.0/identifier_select")
	query.Set("openid.mode", "checkid_setup")
	query.Set("openid.ns", "http://specs.openid.net/auth/2.0")
	query.Set("openid.ns.oa2", "http://www.amazon.com/ap/ext/oauth/2")
	query.Set("openid.ns.pape", "http://specs.openid.net/extensions/pape/1.0")
	query.Set("openid.pape.max_auth_age", "0")
	query.Set("openid.oa2.client_id", "device:"+r.Device.ClientID)
	query.Set("openid.oa2.scope", "device_auth_access")
	query.Set("accountStatusPolicy", "P1")
	query.Set("pageId", pageID)
	query.Set("forceMobileLayout", "true")
	return base + "?" + query.Encode()
}

// CodeFromRedirect pulls the authorization code out of the maplanding
// redirect URL the login flow ends on.
func CodeFromRedirect(redirectURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(redirectURL))
	if err != nil {
		return "", fmt.Errorf("parse redirect url: %w", err)
	}
	code := parsed.Query().Get("openid.oa2.authorization_code")
	if code == "" {
		return "", fmt.Errorf("redirect url carries no authorization code")
	}
	return code, nil
}

// ExchangeError reports a registration endpoint rejection.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("device registration failed with status %d", e.Status)
}

// Exchanger performs the authorization-code-for-tokens exchange.
type Exchanger struct {
	httpClient *http.Client
	endpoint   func(apiHost string) string
	now        func() time.Time
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// WithEndpoint overrides registration endpoint derivation (used in tests).
func WithEndpoint(endpoint func(apiHost string) string) ExchangerOption {
	return func(e *Exchanger) {
		if endpoint != nil {
			e.endpoint = endpoint
		}
	}
}

// WithClock overrides the wall clock (used in tests).
func WithClock(now func() time.Time) ExchangerOption {
	return func(e *Exchanger) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExchanger builds an Exchanger.
func NewExchanger(opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoint: func(apiHost string) string {
			return "https://" + apiHost + "/auth/register"
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type registrationResponse struct {
	Response struct {
		Success struct {
			Tokens struct {
				Bearer struct {
					AccessToken  string      `json:"access_token"`
					RefreshToken string      `json:"refresh_token"`
					ExpiresIn    json.Number `json:"expires_in"`
				} `json:"bearer"`
				MacDMS struct {
					DevicePrivateKey string `json:"device_private_key"`
					ADPToken         string `json:"adp_token"`
				} `json:"mac_dms"`
				WebsiteCookies []struct {
					Name  string `json:"Name"`
					Value string `json:"Value"`
				} `json:"website_cookies"`
				StoreAuthenticationCookie struct {
					Cookie string `json:"cookie"`
				} `json:"store_authentication_cookie"`
			} `json:"tokens"`
			Extensions struct {
				DeviceInfo   map[string]any `json:"device_info"`
				CustomerInfo map[string]any `json:"customer_info"`
			} `json:"extensions"`
		} `json:"success"`
	} `json:"response"`
}

// Exchange trades the authorization code for a full session record: bearer
// tokens, the device signing key pair, and the website cookie set.
func (e *Exchanger) Exchange(ctx context.Context, req *Request, authorizationCode string) (*session.Record, error) {
	payload := map[string]any{
		"requested_token_type": []string{"bearer", "mac_dms", "website_cookies", "store_authentication_cookie"},
		"cookies": map[string]any{
			"website_cookies": []any{},
			"domain":          "." + strings.TrimPrefix(req.signInHost(), "www."),
		},
		"registration_data": map[string]any{
			"domain":        "Device",
			"app_version":   appVersion,
			"device_serial": req.Device.Serial,
			"device_type":   deviceType,
			"device_name": "%FIRST_NAME%%FIRST_NAME_POSSESSIVE_STRING%%DUPE_STRATEGY_1ST%" +
				appName + " for iPhone",
			"os_version":   "15.0.0",
			"device_model": "iPhone",
			"app_name":     appName,
		},
		"auth_data": map[string]any{
			"client_id":          req.Device.ClientID,
			"authorization_code": authorizationCode,
			"code_verifier":      req.PKCE.Verifier,
			"code_algorithm":     "SHA-256",
			"client_domain":      "DeviceLegacy",
		},
		"requested_extensions": []string{"device_info", "customer_info"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal registration payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(req.apiHost()), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read registration response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ExchangeError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed registrationResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	tokens := parsed.Response.Success.Tokens
	if tokens.Bearer.AccessToken == "" || tokens.MacDMS.ADPToken == "" {
		return nil, &ExchangeError{Status: resp.StatusCode, Body: string(respBody)}
	}

	seconds, err := tokens.Bearer.ExpiresIn.Int64()
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	cookies := make(map[string]string, len(tokens.WebsiteCookies))
	for _, cookie := range tokens.WebsiteCookies {
		cookies[cookie.Name] = cookie.Value
	}

	return &session.Record{
		LocaleCode:       req.LocaleCode,
		WithUsername:     req.WithUsername,
		AccessToken:      tokens.Bearer.AccessToken,
		RefreshToken:     tokens.Bearer.RefreshToken,
		ExpiresAt:        e.now().Add(time.Duration(seconds) * time.Second).Unix(),
		DevicePrivateKey: tokens.MacDMS.DevicePrivateKey,
		ADPToken:         tokens.MacDMS.ADPToken,
		WebsiteCookies:   cookies,
		StoreAuthCookie:  tokens.StoreAuthenticationCookie.Cookie,
		DeviceInfo:       parsed.Response.Success.Extensions.DeviceInfo,
		CustomerInfo:     parsed.Response.Success.Extensions.CustomerInfo,
	}, nil
}

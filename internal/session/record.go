package session

import (
	"strings"
	"time"
)

// Record is the full set of tokens, keys, and identity metadata needed to
// act as an authenticated device. Exactly one record is live per process; it
// is mutated only by the Manager and persisted after every mutation.
type Record struct {
	LocaleCode       string            `json:"locale_code"`
	AccessToken      string            `json:"access_token"`
	RefreshToken     string            `json:"refresh_token"`
	ExpiresAt        int64             `json:"expires"`
	DevicePrivateKey string            `json:"device_private_key"`
	ADPToken         string            `json:"adp_token"`
	ActivationBytes  string            `json:"activation_bytes,omitempty"`
	StoreAuthCookie  string            `json:"store_authentication_cookie,omitempty"`
	WebsiteCookies   map[string]string `json:"website_cookies,omitempty"`
	DeviceInfo       map[string]any    `json:"device_info,omitempty"`
	CustomerInfo     map[string]any    `json:"customer_info,omitempty"`

	// WithUsername distinguishes audible-domain accounts from amazon-domain
	// accounts; it selects the auth host for token and deregister calls.
	WithUsername bool `json:"with_username"`
}

// Expired reports whether the access token must be refreshed before use.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(time.Unix(r.ExpiresAt, 0))
}

// Domain returns the marketplace top-level domain for the record's locale.
func (r *Record) Domain() string {
	return DomainForLocale(r.LocaleCode)
}

// AuthHost returns the host used for token refresh and deregistration.
func (r *Record) AuthHost() string {
	if r.WithUsername {
		return "api.audible." + r.Domain()
	}
	return "api.amazon." + r.Domain()
}

var localeDomains = map[string]string{
	"us": "com",
	"uk": "co.uk",
	"de": "de",
	"fr": "fr",
	"ca": "ca",
	"it": "it",
	"au": "com.au",
	"in": "in",
	"jp": "co.jp",
	"es": "es",
	"br": "com.br",
}

// DomainForLocale maps a country code onto the marketplace domain. Unknown
// codes fall back to com.
func DomainForLocale(code string) string {
	if domain, ok := localeDomains[strings.ToLower(strings.TrimSpace(code))]; ok {
		return domain
	}
	return "com"
}

// LocaleForDomain is the inverse mapping, used when a registration response
// only carries the domain. Unknown domains fall back to us.
func LocaleForDomain(domain string) string {
	normalized := strings.ToLower(strings.TrimSpace(domain))
	for code, d := range localeDomains {
		if d == normalized {
			return code
		}
	}
	return "us"
}

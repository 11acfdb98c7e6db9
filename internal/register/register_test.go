package register_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"folio/internal/register"
)

func TestPKCERoundTrip(t *testing.T) {
	pkce, err := register.NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	if pkce.Verifier == "" || pkce.Challenge == "" {
		t.Fatalf("empty pair: %+v", pkce)
	}
	if strings.ContainsAny(pkce.Verifier, "+/=") || strings.ContainsAny(pkce.Challenge, "+/=") {
		t.Fatalf("not base64url without padding: %+v", pkce)
	}
	if !register.Verify(pkce.Verifier, pkce.Challenge) {
		t.Fatal("challenge does not verify against its own verifier")
	}
	if register.Verify(pkce.Verifier+"x", pkce.Challenge) {
		t.Fatal("tampered verifier accepted")
	}

	other, err := register.NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	if other.Verifier == pkce.Verifier {
		t.Fatal("verifiers not random")
	}
}

func TestNewDeviceIdentity(t *testing.T) {
	device := register.NewDevice()
	if len(device.Serial) != 32 {
		t.Fatalf("serial = %q", device.Serial)
	}
	if device.Serial != strings.ToUpper(device.Serial) {
		t.Fatalf("serial not uppercase: %q", device.Serial)
	}
	decoded, err := hex.DecodeString(device.ClientID)
	if err != nil {
		t.Fatalf("client id not hex: %v", err)
	}
	if want := device.Serial + "#A2CZJZGLK2JJVM"; string(decoded) != want {
		t.Fatalf("client id decodes to %q, want %q", decoded, want)
	}
}

func TestSignInURL(t *testing.T) {
	req, err := register.NewRequest("de", false)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	parsed, err := url.Parse(req.SignInURL())
	if err != nil {
		t.Fatalf("parse sign-in url: %v", err)
	}
	if parsed.Host != "www.amazon.de" || parsed.Path != "/ap/signin" {
		t.Fatalf("url = %s", parsed)
	}
	q := parsed.Query()
	if q.Get("openid.oa2.code_challenge") != req.PKCE.Challenge {
		t.Fatal("challenge not embedded")
	}
	if q.Get("openid.oa2.code_challenge_method") != "S256" {
		t.Fatalf("method = %q", q.Get("openid.oa2.code_challenge_method"))
	}
	if q.Get("openid.oa2.client_id") != "device:"+req.Device.ClientID {
		t.Fatal("client id not embedded")
	}
	if q.Get("openid.assoc_handle") != "amzn_audible_ios_de" {
		t.Fatalf("assoc handle = %q", q.Get("openid.assoc_handle"))
	}

	audible, err := register.NewRequest("uk", true)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	parsed, err = url.Parse(audible.SignInURL())
	if err != nil {
		t.Fatalf("parse sign-in url: %v", err)
	}
	if parsed.Host != "www.audible.co.uk" {
		t.Fatalf("host = %q", parsed.Host)
	}
}

func TestCodeFromRedirect(t *testing.T) {
	code, err := register.CodeFromRedirect(
		"https://www.amazon.com/ap/maplanding?openid.oa2.authorization_code=ANxyz&extra=1")
	if err != nil {
		t.Fatalf("CodeFromRedirect: %v", err)
	}
	if code != "ANxyz" {
		t.Fatalf("code = %q", code)
	}
	if _, err := register.CodeFromRedirect("https://www.amazon.com/ap/maplanding"); err == nil {
		t.Fatal("expected error when code missing")
	}
}

func registrationSuccess() string {
	return `{
		"response": {"success": {"tokens": {
			"bearer": {"access_token": "at-1", "refresh_token": "rt-1", "expires_in": 3600},
			"mac_dms": {"device_private_key": "PEM", "adp_token": "{enc:...}"},
			"website_cookies": [{"Name": "session-id", "Value": "abc"}],
			"store_authentication_cookie": {"cookie": "store-cookie"}
		}, "extensions": {
			"device_info": {"device_name": "Folio for iPhone"},
			"customer_info": {"name": "Reader"}
		}}}
	}`
}

func TestExchangeBuildsSessionRecord(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		fmt.Fprint(w, registrationSuccess())
	}))
	t.Cleanup(server.Close)

	req, err := register.NewRequest("us", false)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	exchanger := register.NewExchanger(
		register.WithEndpoint(func(string) string { return server.URL }),
		register.WithClock(func() time.Time { return now }),
	)

	record, err := exchanger.Exchange(context.Background(), req, "ANxyz")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if record.AccessToken != "at-1" || record.RefreshToken != "rt-1" {
		t.Fatalf("tokens = %+v", record)
	}
	if record.ExpiresAt != now.Unix()+3600 {
		t.Fatalf("expiry = %d", record.ExpiresAt)
	}
	if record.ADPToken != "{enc:...}" || record.DevicePrivateKey != "PEM" {
		t.Fatalf("device credentials = %+v", record)
	}
	if record.WebsiteCookies["session-id"] != "abc" || record.StoreAuthCookie != "store-cookie" {
		t.Fatalf("cookies = %+v", record)
	}
	if record.LocaleCode != "us" || record.WithUsername {
		t.Fatalf("identity = %+v", record)
	}

	auth := payload["auth_data"].(map[string]any)
	if auth["authorization_code"] != "ANxyz" {
		t.Fatalf("auth_data = %+v", auth)
	}
	if auth["code_verifier"] != req.PKCE.Verifier {
		t.Fatal("verifier not sent")
	}
	reg := payload["registration_data"].(map[string]any)
	if reg["device_serial"] != req.Device.Serial {
		t.Fatalf("registration_data = %+v", reg)
	}
	if reg["device_type"] != "A2CZJZGLK2JJVM" {
		t.Fatalf("device_type = %v", reg["device_type"])
	}
}

func TestExchangeSurfacesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"response":{"error":{"code":"InvalidToken"}}}`, http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	req, err := register.NewRequest("us", false)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	exchanger := register.NewExchanger(register.WithEndpoint(func(string) string { return server.URL }))

	_, err = exchanger.Exchange(context.Background(), req, "bad-code")
	var exchangeErr *register.ExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if exchangeErr.Status != http.StatusForbidden || exchangeErr.Body == "" {
		t.Fatalf("status/body = %+v", exchangeErr)
	}
}

package xero

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testConfig() credstore.XeroConfig {
	return credstore.XeroConfig{
		TenantID:     "3f7c1e9a-0000-0000-0000-000000000001",
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookKey:   "signing-key",
		OAuthToken: credstore.OAuthToken{
			AccessToken:  "tok",
			RefreshToken: "refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
}

func newTestClient(t *testing.T, cfg credstore.XeroConfig, rt roundTripperFunc, creds registry.CredentialWriter) *Client {
	t.Helper()
	c, err := NewClient("conn-1", cfg, registry.Deps{
		Creds: creds,
		HTTP:  &http.Client{Transport: rt},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestAuthenticateProbesTenantConnections(t *testing.T) {
	cfg := testConfig()
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(req.URL.Path, "/connections") {
			return jsonResponse(http.StatusNotFound, `{}`), nil
		}
		return jsonResponse(http.StatusOK, `[{"tenantId":"other"},{"tenantId":"3F7C1E9A-0000-0000-0000-000000000001"}]`), nil
	})
	client := newTestClient(t, cfg, rt, nil)

	sess, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Vendor() != Kind {
		t.Fatalf("unexpected session vendor %q", sess.Vendor())
	}
}

func TestAuthenticateFailsWhenTenantDisconnected(t *testing.T) {
	var tokenCalls int64
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == "token.test" {
			atomic.AddInt64(&tokenCalls, 1)
			return jsonResponse(http.StatusOK, `{"access_token":"fresh","refresh_token":"rotated","expires_in":1800}`), nil
		}
		return jsonResponse(http.StatusOK, `[{"tenantId":"someone-else"}]`), nil
	})
	client := newTestClient(t, testConfig(), rt, nil)
	client.SetTokenEndpoint("https://token.test/connect/token")

	_, err := client.Authenticate(context.Background())
	if !errors.Is(err, registry.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	// A missing tenant is treated like a stale grant: one refresh attempt
	// before giving up.
	if got := atomic.LoadInt64(&tokenCalls); got != 1 {
		t.Fatalf("expected one refresh attempt, got %d", got)
	}
}

func TestAuthenticateRecoversTenantAfterRefresh(t *testing.T) {
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == "token.test" {
			return jsonResponse(http.StatusOK, `{"access_token":"fresh","refresh_token":"rotated","expires_in":1800}`), nil
		}
		if req.Header.Get("Authorization") == "Bearer fresh" {
			return jsonResponse(http.StatusOK, `[{"tenantId":"3f7c1e9a-0000-0000-0000-000000000001"}]`), nil
		}
		return jsonResponse(http.StatusOK, `[]`), nil
	})
	client := newTestClient(t, testConfig(), rt, nil)
	client.SetTokenEndpoint("https://token.test/connect/token")

	sess, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Vendor() != Kind {
		t.Fatalf("unexpected session vendor %q", sess.Vendor())
	}
}

func TestRefreshCredentialsRotatesRefreshToken(t *testing.T) {
	cfg := testConfig()
	creds := credstore.NewMemoryStore()
	raw, err := credstore.EncodeConfig(cfg)
	if err != nil {
		t.Fatalf("EncodeConfig: %v", err)
	}
	if err := creds.Put(context.Background(), credstore.Connection{ID: "conn-1", Vendor: Kind, Config: raw}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var tokenCalls int64
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host != "token.test" {
			t.Errorf("unexpected host %s", req.URL.Host)
		}
		atomic.AddInt64(&tokenCalls, 1)
		wantBasic := "Basic " + base64.StdEncoding.EncodeToString([]byte("client:secret"))
		if got := req.Header.Get("Authorization"); got != wantBasic {
			t.Errorf("unexpected authorization %q", got)
		}
		return jsonResponse(http.StatusOK, `{"access_token":"fresh","refresh_token":"rotated","expires_in":1800}`), nil
	})

	client := newTestClient(t, cfg, rt, creds)
	client.SetTokenEndpoint("https://token.test/connect/token")

	if err := client.RefreshCredentials(context.Background()); err != nil {
		t.Fatalf("RefreshCredentials: %v", err)
	}
	if got := atomic.LoadInt64(&tokenCalls); got != 1 {
		t.Fatalf("expected one token call, got %d", got)
	}

	conn, err := creds.Get(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	stored, err := credstore.DecodeXeroConfig(conn.Config)
	if err != nil {
		t.Fatalf("DecodeXeroConfig: %v", err)
	}
	if stored.AccessToken != "fresh" || stored.RefreshToken != "rotated" {
		t.Fatalf("rotation not persisted: access=%q refresh=%q", stored.AccessToken, stored.RefreshToken)
	}
}

func TestFetchInvoicePageScopesToReceivables(t *testing.T) {
	var gotWhere, gotTenant string
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		gotWhere = req.URL.Query().Get("where")
		gotTenant = req.Header.Get("Xero-Tenant-Id")
		return jsonResponse(http.StatusOK, `{"Invoices":[{"InvoiceID":"inv-1","Status":"AUTHORISED","Total":10}]}`), nil
	})
	client := newTestClient(t, testConfig(), rt, nil)

	page, err := client.FetchInvoicePage(context.Background(), session{accessToken: "tok"}, registry.Page{Number: 1})
	if err != nil {
		t.Fatalf("FetchInvoicePage: %v", err)
	}
	if gotWhere != `Type=="ACCREC"` {
		t.Fatalf("unexpected where clause %q", gotWhere)
	}
	if gotTenant != "3f7c1e9a-0000-0000-0000-000000000001" {
		t.Fatalf("unexpected tenant header %q", gotTenant)
	}
	if len(page.Invoices) != 1 || page.Invoices[0].Status != "sent" {
		t.Fatalf("unexpected page: %+v", page.Invoices)
	}
}

func TestDateParsesLegacyMsEncoding(t *testing.T) {
	got := date(json.RawMessage(`"/Date(1518685950940+0000)/"`))
	if got == nil {
		t.Fatal("expected parsed date")
	}
	want := time.UnixMilli(1518685950940).UTC()
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	if d := date(json.RawMessage(`"/Date(-86400000)/"`)); d == nil || d.Year() != 1969 {
		t.Fatalf("expected pre-epoch date to parse, got %v", d)
	}
	if d := date(json.RawMessage(`"2024-03-01T10:30:00"`)); d == nil || d.Month() != time.March {
		t.Fatalf("expected bare timestamp to parse, got %v", d)
	}
	if d := date(json.RawMessage(`"not a date"`)); d != nil {
		t.Fatalf("expected nil for garbage, got %v", d)
	}
}

func TestNormalizeContactPrefersDefaultPhoneAndPostalAddress(t *testing.T) {
	raw := json.RawMessage(`{
		"ContactID": "c-1",
		"Name": "Acme",
		"Phones": [
			{"PhoneType": "MOBILE", "PhoneNumber": "111"},
			{"PhoneType": "DEFAULT", "PhoneNumber": "222"},
			{"PhoneType": "FAX", "PhoneNumber": "333"}
		],
		"Addresses": [
			{"AddressType": "STREET", "AddressLine1": "1 Side St", "City": "Wellington"},
			{"AddressType": "POBOX", "AddressLine1": "PO Box 5", "City": "Wellington", "PostalCode": "6011"}
		]
	}`)
	cust := normalizeCustomer(raw)
	if cust.Phone != "222" {
		t.Fatalf("expected DEFAULT phone, got %q", cust.Phone)
	}
	if !strings.HasPrefix(cust.Address, "PO Box 5") {
		t.Fatalf("expected postal address preferred, got %q", cust.Address)
	}
}

func signBase64(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhookCollectsResyncRequests(t *testing.T) {
	client := newTestClient(t, testConfig(), nil, nil)
	body := []byte(`{"events":[
		{"resourceId":"inv-1","tenantId":"3f7c1e9a-0000-0000-0000-000000000001","eventCategory":"INVOICE","eventType":"UPDATE"},
		{"resourceId":"c-1","tenantId":"3f7c1e9a-0000-0000-0000-000000000001","eventCategory":"CONTACT","eventType":"CREATE"},
		{"resourceId":"x-1","tenantId":"another-tenant","eventCategory":"INVOICE","eventType":"UPDATE"},
		{"resourceId":"b-1","tenantId":"3f7c1e9a-0000-0000-0000-000000000001","eventCategory":"BANKTRANSACTION","eventType":"UPDATE"}
	]}`)

	result, err := client.HandleWebhook(body, signBase64("signing-key", body))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	want := []registry.ResyncRequest{
		{Entity: "invoice", ExternalID: "inv-1", Event: "invoice.update"},
		{Entity: "customer", ExternalID: "c-1", Event: "customer.create"},
	}
	if len(result.Resync) != len(want) {
		t.Fatalf("unexpected resync set: %+v", result.Resync)
	}
	for i := range want {
		if result.Resync[i] != want[i] {
			t.Errorf("resync[%d] = %+v, want %+v", i, result.Resync[i], want[i])
		}
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	client := newTestClient(t, testConfig(), nil, nil)
	body := []byte(`{"events":[]}`)
	_, err := client.HandleWebhook(body, signBase64("wrong-key", body))
	if !errors.Is(err, registry.ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

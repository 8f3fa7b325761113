package quickbooks

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

func testConfig() credstore.QuickBooksConfig {
	return credstore.QuickBooksConfig{
		RealmID:       "9341452",
		ClientID:      "client",
		ClientSecret:  "secret",
		VerifierToken: "verifier",
		OAuthToken: credstore.OAuthToken{
			AccessToken:  "tok",
			RefreshToken: "refresh",
		},
	}
}

func newTestClient(t *testing.T, rt roundTripperFunc) *Client {
	t.Helper()
	c, err := NewClient("conn-1", testConfig(), registry.Deps{HTTP: &http.Client{Transport: rt}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestStartPositionIsOneBased(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 101, 3: 201}
	for page, want := range cases {
		if got := startPosition(page); got != want {
			t.Errorf("startPosition(%d) = %d, want %d", page, got, want)
		}
	}
}

func TestFetchInvoicePageBuildsQuery(t *testing.T) {
	var gotQuery string
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(req.URL.Path, "/query") {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		gotQuery = req.URL.Query().Get("query")
		return jsonResponse(http.StatusOK, `{"QueryResponse":{"Invoice":[{"Id":"42","TotalAmt":10}]}}`), nil
	})
	client := newTestClient(t, rt)

	page, err := client.FetchInvoicePage(context.Background(), session{accessToken: "tok"}, registry.Page{Number: 3})
	if err != nil {
		t.Fatalf("FetchInvoicePage: %v", err)
	}
	want := "SELECT * FROM Invoice ORDERBY Id STARTPOSITION 201 MAXRESULTS 100"
	if gotQuery != want {
		t.Fatalf("query mismatch:\n got: %s\nwant: %s", gotQuery, want)
	}
	if len(page.Invoices) != 1 || page.More {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Invoices[0].ExternalID != "42" {
		t.Fatalf("unexpected invoice id %q", page.Invoices[0].ExternalID)
	}
}

func TestFetchInvoiceByIDNotFound(t *testing.T) {
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"Fault":{}}`), nil
	})
	client := newTestClient(t, rt)

	inv, err := client.FetchInvoiceByID(context.Background(), session{accessToken: "tok"}, "missing")
	if err != nil || inv != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", inv, err)
	}
}

func TestNormalizeInvoicePaidOverridesEmailStatus(t *testing.T) {
	raw := json.RawMessage(`{
		"Id": "42",
		"DocNumber": "1042",
		"TotalAmt": 150.00,
		"Balance": 0,
		"EmailStatus": "EmailSent",
		"CurrencyRef": {"value": "USD"},
		"CustomerRef": {"value": "7", "name": "Acme"}
	}`)
	inv := normalizeInvoice(raw)
	if inv.Status != "paid" {
		t.Fatalf("expected zero balance on a positive total to read as paid, got %q", inv.Status)
	}

	open := json.RawMessage(`{"Id":"43","TotalAmt":150.00,"Balance":150.00,"EmailStatus":"EmailSent"}`)
	if got := normalizeInvoice(open).Status; got != "sent" {
		t.Fatalf("expected open invoice to keep email status mapping, got %q", got)
	}
}

func TestNormalizeInvoiceSkipsSummaryLines(t *testing.T) {
	raw := json.RawMessage(`{
		"Id": "42",
		"TotalAmt": 100,
		"Balance": 100,
		"Line": [
			{"Description": "Widget", "Amount": 100, "SalesItemLineDetail": {"Qty": 2, "UnitPrice": 50}},
			{"Amount": 100}
		]
	}`)
	inv := normalizeInvoice(raw)
	if len(inv.Lines) != 1 {
		t.Fatalf("expected the subtotal line dropped, got %d lines", len(inv.Lines))
	}
	if inv.Lines[0].Quantity.String() != "2" || inv.Lines[0].UnitPrice.String() != "50" {
		t.Fatalf("unexpected line detail: %+v", inv.Lines[0])
	}
}

func signBase64(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhookCollectsResyncRequests(t *testing.T) {
	client := newTestClient(t, nil)
	body := []byte(`{"eventNotifications":[{"realmId":"9341452","dataChangeEvent":{"entities":[
		{"name":"Invoice","id":"42","operation":"Update"},
		{"name":"Customer","id":"7","operation":"Create"},
		{"name":"Invoice","id":"99","operation":"Delete"},
		{"name":"Payment","id":"5","operation":"Update"}
	]}},{"realmId":"other-realm","dataChangeEvent":{"entities":[{"name":"Invoice","id":"1","operation":"Update"}]}}]}`)

	result, err := client.HandleWebhook(body, signBase64("verifier", body))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected webhook accepted")
	}
	want := []registry.ResyncRequest{
		{Entity: "invoice", ExternalID: "42", Event: "invoice.update"},
		{Entity: "customer", ExternalID: "7", Event: "customer.create"},
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
	client := newTestClient(t, nil)
	body := []byte(`{"eventNotifications":[]}`)

	_, err := client.HandleWebhook(body, signBase64("wrong-token", body))
	if !errors.Is(err, registry.ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	_, err = client.HandleWebhook(body, "")
	if !errors.Is(err, registry.ErrSignature) {
		t.Fatalf("expected signature error for empty header, got %v", err)
	}
}

func TestAuthenticateRefreshesWhenProbeReturnsNoCompany(t *testing.T) {
	var tokenCalls int64
	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case req.URL.Host == "token.test":
			atomic.AddInt64(&tokenCalls, 1)
			return jsonResponse(http.StatusOK, `{"access_token":"fresh","refresh_token":"rotated","expires_in":3600}`), nil
		case strings.Contains(req.URL.Path, "/companyinfo/"):
			// The stale token still gets a 2xx, just with an empty body.
			if req.Header.Get("Authorization") == "Bearer fresh" {
				return jsonResponse(http.StatusOK, `{"CompanyInfo":{"CompanyName":"Acme"}}`), nil
			}
			return jsonResponse(http.StatusOK, `{"CompanyInfo":{}}`), nil
		}
		return jsonResponse(http.StatusNotFound, `{}`), nil
	})

	cfg := testConfig()
	cfg.ExpiresAt = time.Now().Add(time.Hour)
	client, err := NewClient("conn-1", cfg, registry.Deps{HTTP: &http.Client{Transport: rt}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.SetTokenEndpoint("https://token.test/oauth2/v1/tokens/bearer")

	if _, err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got := atomic.LoadInt64(&tokenCalls); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
}

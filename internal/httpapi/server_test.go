package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ledgersync/ledgersync/internal/connectors/credstore"
	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

type stubSession struct{ vendor string }

func (s stubSession) Vendor() string { return s.vendor }

// stubConnector accepts webhooks whose base64 HMAC matches its secret.
type stubConnector struct {
	vendor  string
	account string
	secret  string
}

func (s *stubConnector) Kind() string { return s.vendor }
func (s *stubConnector) Name() string { return s.account }

func (s *stubConnector) Authenticate(ctx context.Context) (registry.Session, error) {
	return stubSession{vendor: s.vendor}, nil
}

func (s *stubConnector) RefreshCredentials(ctx context.Context) error { return nil }

func (s *stubConnector) FetchInvoicePage(ctx context.Context, sess registry.Session, page registry.Page) (registry.InvoicePage, error) {
	return registry.InvoicePage{}, nil
}

func (s *stubConnector) FetchCustomerPage(ctx context.Context, sess registry.Session, page registry.Page) (registry.CustomerPage, error) {
	return registry.CustomerPage{}, nil
}

func (s *stubConnector) FetchInvoiceByID(ctx context.Context, sess registry.Session, id string) (*invoice.Invoice, error) {
	return nil, nil
}

func (s *stubConnector) HandleWebhook(rawBody []byte, signature string) (registry.WebhookResult, error) {
	if !webhook.VerifyBase64([]byte(s.secret), rawBody, signature) {
		return registry.WebhookResult{}, fmt.Errorf("%s: %w", s.vendor, registry.ErrSignature)
	}
	return registry.WebhookResult{
		Accepted: true,
		Resync:   []registry.ResyncRequest{{Entity: "invoice", ExternalID: "inv-1", Event: "invoice.update"}},
	}, nil
}

type builderFunc func(conn credstore.Connection) (registry.Connector, error)

func (f builderFunc) BuildConnector(conn credstore.Connection) (registry.Connector, error) {
	return f(conn)
}

func signBase64(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*EchoServer, *webhook.Queue) {
	t.Helper()
	creds := credstore.NewMemoryStore()
	ctx := context.Background()
	for _, conn := range []credstore.Connection{
		{ID: "xero-a", Vendor: credstore.KindXero, Config: json.RawMessage(`{}`)},
		{ID: "xero-b", Vendor: credstore.KindXero, Config: json.RawMessage(`{}`)},
	} {
		if err := creds.Put(ctx, conn); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	builder := builderFunc(func(conn credstore.Connection) (registry.Connector, error) {
		switch conn.ID {
		case "xero-a":
			return &stubConnector{vendor: credstore.KindXero, account: "tenant-a", secret: "secret-a"}, nil
		case "xero-b":
			return &stubConnector{vendor: credstore.KindXero, account: "tenant-b", secret: "secret-b"}, nil
		}
		return nil, fmt.Errorf("unknown connection %s", conn.ID)
	})

	queue := webhook.NewQueue()
	return NewEchoServer(creds, builder, queue, nil), queue
}

func TestHealthz(t *testing.T) {
	es, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	es.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	es, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	es.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWebhookValidSignatureQueuesResync(t *testing.T) {
	es, queue := newTestServer(t)

	body := `{"events":[]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/xero", strings.NewReader(body))
	// Signed with the second connection's secret: matching is per account.
	req.Header.Set("X-Xero-Signature", signBase64("secret-b", []byte(body)))
	rec := httptest.NewRecorder()
	es.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := queue.Depth(credstore.KindXero); got != 1 {
		t.Fatalf("expected one queued resync, got %d", got)
	}
	drained := queue.Drain(credstore.KindXero, "tenant-b")
	if len(drained) != 1 || drained[0].ExternalID != "inv-1" {
		t.Fatalf("resync queued under wrong account: %+v", drained)
	}
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	es, queue := newTestServer(t)

	body := `{"events":[]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/xero", strings.NewReader(body))
	req.Header.Set("X-Xero-Signature", signBase64("not-the-secret", []byte(body)))
	rec := httptest.NewRecorder()
	es.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := queue.Depth(credstore.KindXero); got != 0 {
		t.Fatalf("expected nothing queued, got %d", got)
	}
}

func TestWebhookUnknownVendor(t *testing.T) {
	es, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/greatplains", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	es.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

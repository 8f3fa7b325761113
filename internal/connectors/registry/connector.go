package registry

import (
	"context"
	"time"

	"github.com/ledgersync/ledgersync/internal/invoice"
)

// Session is an immutable authenticated session value produced by
// Authenticate and threaded explicitly through subsequent calls. It is opaque
// to everything except the connector that produced it.
type Session interface {
	Vendor() string
}

// Page addresses one page of a paginated fetch. Numbers are 1-based; each
// connector translates the number into its own addressing scheme
// ($skip/$top, limit/offset, STARTPOSITION, page number).
type Page struct {
	Number int
	// Since restricts the fetch to records created/modified on or after this
	// instant, using the vendor's own filter syntax. Zero means no filter.
	Since time.Time
}

// InvoicePage is one fetched page of normalized invoices.
type InvoicePage struct {
	Invoices []invoice.Invoice
	// More is the vendor's own "more data" signal. The orchestrator applies
	// its hard safety cap independently of it.
	More bool
}

// CustomerPage is one fetched page of normalized customers.
type CustomerPage struct {
	Customers []invoice.Customer
	More      bool
}

// ResyncRequest marks one entity for a later asynchronous re-fetch.
type ResyncRequest struct {
	Entity     string // "invoice" or "customer"
	ExternalID string
	Event      string // vendor event name, e.g. "invoice.updated"
}

// WebhookResult is the outcome of validating one inbound push notification.
type WebhookResult struct {
	Accepted bool
	Resync   []ResyncRequest
}

// Connector is the shared sync contract implemented by each vendor.
//
// Authenticate must be idempotent and safe to call before every fetch.
// RefreshCredentials persists rotated tokens through the credential store
// before returning. Fetch methods never return vendor SDK shapes; raw records
// stop at each vendor's normalizer. FetchInvoiceByID returns (nil, nil) when
// the vendor has no such record.
type Connector interface {
	Kind() string
	Name() string
	Authenticate(ctx context.Context) (Session, error)
	RefreshCredentials(ctx context.Context) error
	FetchInvoicePage(ctx context.Context, sess Session, page Page) (InvoicePage, error)
	FetchCustomerPage(ctx context.Context, sess Session, page Page) (CustomerPage, error)
	FetchInvoiceByID(ctx context.Context, sess Session, id string) (*invoice.Invoice, error)
	// HandleWebhook validates rawBody against the explicitly passed signature
	// header value. Retrieving the header is the HTTP layer's job.
	HandleWebhook(rawBody []byte, signature string) (WebhookResult, error)
}

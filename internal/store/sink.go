// Package store is the local persistence collaborator: normalized records and
// run outcomes land here, keyed by (vendor, account, external ID).
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ledgersync/ledgersync/internal/invoice"
)

// SyncRunRecord is the persisted outcome of one orchestrated run.
type SyncRunRecord struct {
	ID         uuid.UUID
	Vendor     string
	Account    string
	Outcome    string
	Invoices   int
	Customers  int
	Resynced   int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Sink receives normalized pages as they are fetched. Upserts are idempotent
// on (vendor, account, external ID) so repeated syncs converge instead of
// duplicating.
type Sink interface {
	UpsertInvoices(ctx context.Context, vendor, account string, invoices []invoice.Invoice) error
	UpsertCustomers(ctx context.Context, vendor, account string, customers []invoice.Customer) error
	RecordSyncRun(ctx context.Context, run SyncRunRecord) error
}

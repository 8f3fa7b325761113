package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgersync/ledgersync/internal/invoice"
)

func TestMemorySinkUpsertIsIdempotent(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	first := []invoice.Invoice{
		{ExternalID: "inv-1", Number: "A-1", Total: decimal.NewFromInt(100)},
		{ExternalID: "inv-2", Number: "A-2", Total: decimal.NewFromInt(50)},
	}
	if err := s.UpsertInvoices(ctx, "xero", "tenant-a", first); err != nil {
		t.Fatalf("UpsertInvoices: %v", err)
	}

	// Re-upserting the same external ID replaces rather than duplicates.
	update := []invoice.Invoice{{ExternalID: "inv-1", Number: "A-1", Total: decimal.NewFromInt(120)}}
	if err := s.UpsertInvoices(ctx, "xero", "tenant-a", update); err != nil {
		t.Fatalf("UpsertInvoices update: %v", err)
	}

	if got := s.InvoiceCount("xero", "tenant-a"); got != 2 {
		t.Fatalf("expected 2 invoices, got %d", got)
	}
	inv, ok := s.Invoice("xero", "tenant-a", "inv-1")
	if !ok || !inv.Total.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected updated total, got %+v", inv)
	}
}

func TestMemorySinkScopesByVendorAccount(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	same := []invoice.Invoice{{ExternalID: "42"}}
	if err := s.UpsertInvoices(ctx, "xero", "tenant-a", same); err != nil {
		t.Fatalf("UpsertInvoices: %v", err)
	}
	if err := s.UpsertInvoices(ctx, "quickbooks", "realm", same); err != nil {
		t.Fatalf("UpsertInvoices: %v", err)
	}

	if s.InvoiceCount("xero", "tenant-a") != 1 || s.InvoiceCount("quickbooks", "realm") != 1 {
		t.Fatal("expected the same external ID stored once per (vendor, account)")
	}
	if s.InvoiceCount("xero", "tenant-b") != 0 {
		t.Fatal("expected no bleed into other accounts")
	}
}

func TestMemorySinkRecordsRuns(t *testing.T) {
	s := NewMemorySink()
	run := SyncRunRecord{ID: uuid.New(), Vendor: "sapb1", Account: "SBODEMOUS", Outcome: "completed", Invoices: 7}
	if err := s.RecordSyncRun(context.Background(), run); err != nil {
		t.Fatalf("RecordSyncRun: %v", err)
	}
	runs := s.Runs()
	if len(runs) != 1 || runs[0].ID != run.ID || runs[0].Invoices != 7 {
		t.Fatalf("unexpected run history: %+v", runs)
	}

	// The returned slice is a copy.
	runs[0].Outcome = "mutated"
	if s.Runs()[0].Outcome != "completed" {
		t.Fatal("expected Runs to return a defensive copy")
	}
}

func TestMemorySinkUpsertCustomers(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	customers := []invoice.Customer{{ExternalID: "c-1", Name: "Acme"}, {ExternalID: "c-2", Name: "Globex"}}
	if err := s.UpsertCustomers(ctx, "dynamics", "org", customers); err != nil {
		t.Fatalf("UpsertCustomers: %v", err)
	}
	if got := s.CustomerCount("dynamics", "org"); got != 2 {
		t.Fatalf("expected 2 customers, got %d", got)
	}
}

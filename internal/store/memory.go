package store

import (
	"context"
	"sync"

	"github.com/ledgersync/ledgersync/internal/invoice"
)

type recordKey struct {
	vendor     string
	account    string
	externalID string
}

// MemorySink is the in-process Sink used by tests and dry runs.
type MemorySink struct {
	mu        sync.Mutex
	invoices  map[recordKey]invoice.Invoice
	customers map[recordKey]invoice.Customer
	runs      []SyncRunRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		invoices:  make(map[recordKey]invoice.Invoice),
		customers: make(map[recordKey]invoice.Customer),
	}
}

func (s *MemorySink) UpsertInvoices(_ context.Context, vendor, account string, invoices []invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range invoices {
		s.invoices[recordKey{vendor: vendor, account: account, externalID: inv.ExternalID}] = inv
	}
	return nil
}

func (s *MemorySink) UpsertCustomers(_ context.Context, vendor, account string, customers []invoice.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cust := range customers {
		s.customers[recordKey{vendor: vendor, account: account, externalID: cust.ExternalID}] = cust
	}
	return nil
}

func (s *MemorySink) RecordSyncRun(_ context.Context, run SyncRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// InvoiceCount reports the number of distinct stored invoices for one
// (vendor, account).
func (s *MemorySink) InvoiceCount(vendor, account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.invoices {
		if key.vendor == vendor && key.account == account {
			n++
		}
	}
	return n
}

// CustomerCount reports the number of distinct stored customers for one
// (vendor, account).
func (s *MemorySink) CustomerCount(vendor, account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.customers {
		if key.vendor == vendor && key.account == account {
			n++
		}
	}
	return n
}

// Invoice returns one stored invoice by external ID.
func (s *MemorySink) Invoice(vendor, account, externalID string) (invoice.Invoice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[recordKey{vendor: vendor, account: account, externalID: externalID}]
	return inv, ok
}

// Runs returns a copy of the recorded run history.
func (s *MemorySink) Runs() []SyncRunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SyncRunRecord(nil), s.runs...)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgersync/ledgersync/internal/invoice"
)

// PGSink persists normalized records in Postgres with batched upserts.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

const upsertInvoiceSQL = `
INSERT INTO invoices (
    vendor, account, external_id, number, issue_date, due_date,
    total, subtotal, tax, currency, status,
    customer_external_id, customer_name, customer_email, lines, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
ON CONFLICT (vendor, account, external_id) DO UPDATE SET
    number = EXCLUDED.number,
    issue_date = EXCLUDED.issue_date,
    due_date = EXCLUDED.due_date,
    total = EXCLUDED.total,
    subtotal = EXCLUDED.subtotal,
    tax = EXCLUDED.tax,
    currency = EXCLUDED.currency,
    status = EXCLUDED.status,
    customer_external_id = EXCLUDED.customer_external_id,
    customer_name = EXCLUDED.customer_name,
    customer_email = EXCLUDED.customer_email,
    lines = EXCLUDED.lines,
    updated_at = now()
`

func (s *PGSink) UpsertInvoices(ctx context.Context, vendor, account string, invoices []invoice.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, inv := range invoices {
		lines, err := json.Marshal(inv.Lines)
		if err != nil {
			return fmt.Errorf("encode invoice lines: %w", err)
		}
		batch.Queue(upsertInvoiceSQL,
			vendor, account, inv.ExternalID, inv.Number,
			nullableTime(inv.IssueDate), nullableTime(inv.DueDate),
			inv.Total, inv.Subtotal, inv.Tax, inv.Currency, string(inv.Status),
			inv.Customer.ExternalID, inv.Customer.Name, inv.Customer.Email, lines,
		)
	}
	return s.sendBatch(ctx, batch)
}

const upsertCustomerSQL = `
INSERT INTO customers (
    vendor, account, external_id, name, email, phone, address, tax_number, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (vendor, account, external_id) DO UPDATE SET
    name = EXCLUDED.name,
    email = EXCLUDED.email,
    phone = EXCLUDED.phone,
    address = EXCLUDED.address,
    tax_number = EXCLUDED.tax_number,
    updated_at = now()
`

func (s *PGSink) UpsertCustomers(ctx context.Context, vendor, account string, customers []invoice.Customer) error {
	if len(customers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, cust := range customers {
		batch.Queue(upsertCustomerSQL,
			vendor, account, cust.ExternalID, cust.Name, cust.Email,
			cust.Phone, cust.Address, cust.TaxNumber,
		)
	}
	return s.sendBatch(ctx, batch)
}

const insertSyncRunSQL = `
INSERT INTO sync_runs (
    id, vendor, account, outcome, invoices, customers, resynced,
    started_at, finished_at, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func (s *PGSink) RecordSyncRun(ctx context.Context, run SyncRunRecord) error {
	_, err := s.pool.Exec(ctx, insertSyncRunSQL,
		run.ID, run.Vendor, run.Account, run.Outcome,
		run.Invoices, run.Customers, run.Resynced,
		run.StartedAt, run.FinishedAt, run.Error,
	)
	return err
}

func (s *PGSink) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return results.Close()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

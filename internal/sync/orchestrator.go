package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/ledgersync/ledgersync/internal/metrics"
	"github.com/ledgersync/ledgersync/internal/store"
	"github.com/ledgersync/ledgersync/internal/webhook"
)

// Orchestrator drives one connector through the run state machine:
// authenticating, fetching_invoices, fetching_customers, pushing_local, then
// a terminal completed/failed/cancelled outcome.
type Orchestrator struct {
	Sink     store.Sink
	Reporter registry.Reporter
	Resync   *webhook.Queue
	Logger   *slog.Logger

	// MaxPages and MaxRecords are the per-direction hard caps; zero means the
	// defaults.
	MaxPages   int
	MaxRecords int

	Now func() time.Time
}

func (o *Orchestrator) maxPages() int {
	if o.MaxPages > 0 {
		return o.MaxPages
	}
	return DefaultMaxPages
}

func (o *Orchestrator) maxRecords() int {
	if o.MaxRecords > 0 {
		return o.MaxRecords
	}
	return DefaultMaxRecords
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) report(e registry.Event) {
	if o.Reporter == nil {
		return
	}
	if e.At.IsZero() {
		e.At = o.now()
	}
	o.Reporter.Report(e)
}

// Run executes one full sync for the connector. Per-page failures inside a
// direction end that direction with partial results and the run finishes as
// partial; an authentication failure fails the whole run; cancellation
// between pages finalizes the run as cancelled, keeping everything already
// persisted.
func (o *Orchestrator) Run(ctx context.Context, conn registry.Connector, since time.Time) (SyncRun, error) {
	run := SyncRun{
		ID:        uuid.New(),
		Vendor:    conn.Kind(),
		Account:   conn.Name(),
		Stage:     StageIdle,
		StartedAt: o.now(),
	}

	o.transition(&run, StageAuthenticating)
	sess, err := conn.Authenticate(ctx)
	if err != nil {
		return o.finalize(ctx, run, OutcomeFailed, fmt.Errorf("%s authenticate: %w", run.Vendor, err))
	}

	var dirErrs []error

	o.transition(&run, StageFetchingInvoices)
	cancelled, dirErr := o.fetchInvoices(ctx, conn, sess, since, &run)
	if cancelled {
		return o.finalize(ctx, run, OutcomeCancelled, ctx.Err())
	}
	if dirErr != nil {
		dirErrs = append(dirErrs, dirErr)
	}

	o.transition(&run, StageFetchingCustomers)
	cancelled, dirErr = o.fetchCustomers(ctx, conn, sess, since, &run)
	if cancelled {
		return o.finalize(ctx, run, OutcomeCancelled, ctx.Err())
	}
	if dirErr != nil {
		dirErrs = append(dirErrs, dirErr)
	}

	o.drainResync(ctx, conn, sess, &run)

	// Extension point: push locally-created records back to the vendor.
	// Nothing originates locally yet, so this stage only logs.
	o.transition(&run, StagePushingLocal)
	o.logger().Debug("no local records to push", "vendor", run.Vendor, "account", run.Account)

	if dirErr := errors.Join(dirErrs...); dirErr != nil {
		// Partial results stay persisted; the recorded run carries the
		// failure, but the run itself is not re-raised to the caller.
		partial, _ := o.finalize(ctx, run, OutcomePartial, dirErr)
		return partial, nil
	}
	return o.finalize(ctx, run, OutcomeCompleted, nil)
}

// fetchInvoices walks invoice pages in increasing order until the vendor
// reports no more data, a hard cap trips, or a page fails. It reports whether
// the run was cancelled mid-direction and the error that ended the direction
// early, if any.
func (o *Orchestrator) fetchInvoices(ctx context.Context, conn registry.Connector, sess registry.Session, since time.Time, run *SyncRun) (bool, error) {
	for page := 1; page <= o.maxPages(); page++ {
		if ctx.Err() != nil {
			return true, nil
		}

		result, err := conn.FetchInvoicePage(ctx, sess, registry.Page{Number: page, Since: since})
		if err != nil && registry.IsTransient(err) {
			o.logger().Warn("transient invoice page failure, retrying once",
				"vendor", run.Vendor, "account", run.Account, "page", page, "err", err)
			result, err = conn.FetchInvoicePage(ctx, sess, registry.Page{Number: page, Since: since})
		}
		if err != nil {
			// Partial success: keep what earlier pages yielded.
			o.logger().Warn("invoice page fetch failed, ending direction",
				"vendor", run.Vendor, "account", run.Account, "page", page, "err", err)
			o.report(registry.Event{Vendor: run.Vendor, Account: run.Account, Stage: StageFetchingInvoices, Err: err})
			return false, fmt.Errorf("invoice page %d: %w", page, err)
		}

		if err := o.Sink.UpsertInvoices(ctx, run.Vendor, run.Account, result.Invoices); err != nil {
			o.logger().Error("invoice upsert failed, ending direction",
				"vendor", run.Vendor, "account", run.Account, "page", page, "err", err)
			o.report(registry.Event{Vendor: run.Vendor, Account: run.Account, Stage: StageFetchingInvoices, Err: err})
			return false, fmt.Errorf("invoice page %d upsert: %w", page, err)
		}

		for range result.Invoices {
			run.Invoices++
			o.report(registry.Event{
				Vendor:  run.Vendor,
				Account: run.Account,
				Stage:   StageFetchingInvoices,
				Current: int64(run.Invoices),
				Total:   registry.UnknownTotal,
				Message: "invoice_synced",
			})
		}
		metrics.RecordsSyncedTotal.WithLabelValues(run.Vendor, run.Account, "invoice").Add(float64(len(result.Invoices)))

		if !result.More || run.Invoices >= o.maxRecords() {
			return false, nil
		}
	}
	o.logger().Warn("invoice page cap reached, ending direction",
		"vendor", run.Vendor, "account", run.Account, "pages", o.maxPages())
	return false, nil
}

func (o *Orchestrator) fetchCustomers(ctx context.Context, conn registry.Connector, sess registry.Session, since time.Time, run *SyncRun) (bool, error) {
	for page := 1; page <= o.maxPages(); page++ {
		if ctx.Err() != nil {
			return true, nil
		}

		result, err := conn.FetchCustomerPage(ctx, sess, registry.Page{Number: page, Since: since})
		if err != nil && registry.IsTransient(err) {
			o.logger().Warn("transient customer page failure, retrying once",
				"vendor", run.Vendor, "account", run.Account, "page", page, "err", err)
			result, err = conn.FetchCustomerPage(ctx, sess, registry.Page{Number: page, Since: since})
		}
		if err != nil {
			o.logger().Warn("customer page fetch failed, ending direction",
				"vendor", run.Vendor, "account", run.Account, "page", page, "err", err)
			o.report(registry.Event{Vendor: run.Vendor, Account: run.Account, Stage: StageFetchingCustomers, Err: err})
			return false, fmt.Errorf("customer page %d: %w", page, err)
		}

		if err := o.Sink.UpsertCustomers(ctx, run.Vendor, run.Account, result.Customers); err != nil {
			o.logger().Error("customer upsert failed, ending direction",
				"vendor", run.Vendor, "account", run.Account, "page", page, "err", err)
			o.report(registry.Event{Vendor: run.Vendor, Account: run.Account, Stage: StageFetchingCustomers, Err: err})
			return false, fmt.Errorf("customer page %d upsert: %w", page, err)
		}

		for range result.Customers {
			run.Customers++
			o.report(registry.Event{
				Vendor:  run.Vendor,
				Account: run.Account,
				Stage:   StageFetchingCustomers,
				Current: int64(run.Customers),
				Total:   registry.UnknownTotal,
				Message: "customer_synced",
			})
		}
		metrics.RecordsSyncedTotal.WithLabelValues(run.Vendor, run.Account, "customer").Add(float64(len(result.Customers)))

		if !result.More || run.Customers >= o.maxRecords() {
			return false, nil
		}
	}
	o.logger().Warn("customer page cap reached, ending direction",
		"vendor", run.Vendor, "account", run.Account, "pages", o.maxPages())
	return false, nil
}

// drainResync re-fetches entities that webhooks marked since the last run.
// Customer marks are satisfied by the full customer fetch that just ran;
// invoices get a targeted re-fetch.
func (o *Orchestrator) drainResync(ctx context.Context, conn registry.Connector, sess registry.Session, run *SyncRun) {
	if o.Resync == nil {
		return
	}
	for _, req := range o.Resync.Drain(run.Vendor, run.Account) {
		if req.Entity != "invoice" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		inv, err := conn.FetchInvoiceByID(ctx, sess, req.ExternalID)
		if err != nil {
			o.logger().Warn("resync fetch failed",
				"vendor", run.Vendor, "account", run.Account, "external_id", req.ExternalID, "err", err)
			continue
		}
		if inv == nil {
			// Gone at the vendor; nothing to store.
			continue
		}
		if err := o.Sink.UpsertInvoices(ctx, run.Vendor, run.Account, []invoice.Invoice{*inv}); err != nil {
			o.logger().Warn("resync upsert failed",
				"vendor", run.Vendor, "account", run.Account, "external_id", req.ExternalID, "err", err)
			continue
		}
		run.Resynced++
	}
}

func (o *Orchestrator) transition(run *SyncRun, stage string) {
	run.Stage = stage
	o.report(registry.Event{
		Vendor:  run.Vendor,
		Account: run.Account,
		Stage:   stage,
		Message: "stage " + stage,
	})
}

func (o *Orchestrator) finalize(ctx context.Context, run SyncRun, outcome string, runErr error) (SyncRun, error) {
	run.Outcome = outcome
	run.Err = runErr
	run.FinishedAt = o.now()

	metrics.SyncDuration.WithLabelValues(run.Vendor, run.Account).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	metrics.SyncRunsTotal.WithLabelValues(run.Vendor, run.Account, outcome).Inc()
	if outcome == OutcomeCompleted {
		metrics.SyncLastSuccessTimestamp.WithLabelValues(run.Vendor, run.Account).Set(float64(run.FinishedAt.Unix()))
	}

	o.report(registry.Event{
		Vendor:  run.Vendor,
		Account: run.Account,
		Stage:   outcome,
		Current: int64(run.Invoices + run.Customers),
		Total:   registry.UnknownTotal,
		Message: "run " + outcome,
		Done:    true,
		Err:     runErr,
	})

	if o.Sink != nil {
		record := store.SyncRunRecord{
			ID:         run.ID,
			Vendor:     run.Vendor,
			Account:    run.Account,
			Outcome:    outcome,
			Invoices:   run.Invoices,
			Customers:  run.Customers,
			Resynced:   run.Resynced,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		}
		if runErr != nil {
			record.Error = runErr.Error()
		}
		// Recording is best-effort: a sink hiccup must not mask the run outcome.
		if err := o.Sink.RecordSyncRun(contextOrBackground(ctx), record); err != nil {
			o.logger().Warn("sync run record failed", "vendor", run.Vendor, "account", run.Account, "err", err)
		}
	}
	return run, runErr
}

// contextOrBackground keeps run bookkeeping writable after cancellation.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

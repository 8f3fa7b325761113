// Package sync orchestrates connector runs: the per-connection state machine,
// the runner that fans out over configured connections, and the interval
// scheduler.
package sync

import (
	"time"

	"github.com/google/uuid"
)

// Stages of one orchestrated run, in order of appearance.
const (
	StageIdle              = "idle"
	StageAuthenticating    = "authenticating"
	StageFetchingInvoices  = "fetching_invoices"
	StageFetchingCustomers = "fetching_customers"
	StagePushingLocal      = "pushing_local"
)

// Terminal outcomes of one orchestrated run. A run that kept going after a
// direction failed ends partial, not completed, so the recorded history
// distinguishes clean runs from truncated ones.
const (
	OutcomeCompleted = "completed"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Hard safety caps applied per direction, independent of the vendor's own
// "more data" signal.
const (
	DefaultMaxRecords = 10000
	DefaultMaxPages   = 100
)

// SyncRun is the in-memory record of one orchestrated run.
type SyncRun struct {
	ID         uuid.UUID
	Vendor     string
	Account    string
	Stage      string
	Outcome    string
	Invoices   int
	Customers  int
	Resynced   int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

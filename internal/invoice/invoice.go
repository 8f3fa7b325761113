// Package invoice holds the canonical invoice/customer schema every vendor
// connector normalizes into. Values are transient: they are built per fetched
// page, handed to the persistence sink, and never retained by a connector.
package invoice

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is substituted when a vendor omits the currency code.
const DefaultCurrency = "USD"

// Status is the closed canonical invoice status set.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusViewed    Status = "viewed"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// MapStatus resolves a raw vendor status code through a vendor-specific lookup
// table. Unmapped codes resolve to StatusUnknown, never an error.
func MapStatus(table map[string]Status, raw string) Status {
	if s, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusUnknown
}

// LineItem is one invoice line in vendor-returned order.
type LineItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}

// CustomerRef is the customer snapshot embedded on an invoice.
type CustomerRef struct {
	ExternalID string
	Name       string
	Email      string
}

// Invoice is the canonical normalized invoice record.
type Invoice struct {
	ExternalID string
	Number     string
	IssueDate  *time.Time
	DueDate    *time.Time
	Total      decimal.Decimal
	Subtotal   decimal.Decimal
	Tax        decimal.Decimal
	Currency   string
	Status     Status
	Customer   CustomerRef
	Lines      []LineItem
}

// Normalized returns a copy with the invariants applied: non-empty currency
// and a status inside the closed set.
func (in Invoice) Normalized() Invoice {
	out := in
	out.Number = strings.TrimSpace(out.Number)
	out.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	if out.Currency == "" {
		out.Currency = DefaultCurrency
	}
	switch out.Status {
	case StatusDraft, StatusPending, StatusSent, StatusViewed, StatusPaid, StatusCancelled:
	default:
		out.Status = StatusUnknown
	}
	return out
}

package netsuite

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/shopspring/decimal"
)

// statusTable maps NetSuite transaction status values into the canonical
// set. Anything else resolves to "unknown".
var statusTable = map[string]invoice.Status{
	"open":             invoice.StatusSent,
	"paid in full":     invoice.StatusPaid,
	"voided":           invoice.StatusCancelled,
	"pending approval": invoice.StatusPending,
	"rejected":         invoice.StatusCancelled,
}

type rawInvoiceRow struct {
	ID         json.RawMessage `json:"id"`
	TranID     json.RawMessage `json:"tranid"`
	TranDate   json.RawMessage `json:"trandate"`
	DueDate    json.RawMessage `json:"duedate"`
	Total      json.RawMessage `json:"foreigntotal"`
	TaxTotal   json.RawMessage `json:"taxtotal"`
	Currency   json.RawMessage `json:"currency"`
	Status     json.RawMessage `json:"status"`
	EntityName json.RawMessage `json:"entityname"`
	Email      json.RawMessage `json:"email"`
}

type rawCustomerRow struct {
	ID             json.RawMessage `json:"id"`
	CompanyName    json.RawMessage `json:"companyname"`
	Email          json.RawMessage `json:"email"`
	Phone          json.RawMessage `json:"phone"`
	DefaultAddress json.RawMessage `json:"defaultaddress"`
	VATRegNumber   json.RawMessage `json:"vatregnumber"`
}

// normalizeInvoice maps one SuiteQL invoice row into the canonical shape.
// SuiteQL rows carry header fields only; lines come from the record API on
// targeted fetches.
func normalizeInvoice(raw json.RawMessage) invoice.Invoice {
	var rec rawInvoiceRow
	_ = json.Unmarshal(raw, &rec)

	total := amount(rec.Total)
	tax := amount(rec.TaxTotal)
	return invoice.Invoice{
		ExternalID: str(rec.ID),
		Number:     str(rec.TranID),
		IssueDate:  date(rec.TranDate),
		DueDate:    date(rec.DueDate),
		Total:      total,
		Subtotal:   total.Sub(tax),
		Tax:        tax,
		Currency:   str(rec.Currency),
		Status:     invoice.MapStatus(statusTable, str(rec.Status)),
		Customer: invoice.CustomerRef{
			Name:  str(rec.EntityName),
			Email: str(rec.Email),
		},
	}.Normalized()
}

// normalizeCustomer maps one SuiteQL customer row into the canonical shape.
// NetSuite's defaultaddress is already a formatted single string.
func normalizeCustomer(raw json.RawMessage) invoice.Customer {
	var rec rawCustomerRow
	_ = json.Unmarshal(raw, &rec)

	return invoice.Customer{
		ExternalID: str(rec.ID),
		Name:       str(rec.CompanyName),
		Email:      str(rec.Email),
		Phone:      str(rec.Phone),
		Address:    str(rec.DefaultAddress),
		TaxNumber:  str(rec.VATRegNumber),
	}
}

type rawRecordItem struct {
	Description json.RawMessage `json:"description"`
	Quantity    json.RawMessage `json:"quantity"`
	Rate        json.RawMessage `json:"rate"`
	Amount      json.RawMessage `json:"amount"`
}

type rawRecordInvoice struct {
	ID       json.RawMessage `json:"id"`
	TranID   json.RawMessage `json:"tranId"`
	TranDate json.RawMessage `json:"tranDate"`
	DueDate  json.RawMessage `json:"dueDate"`
	Total    json.RawMessage `json:"total"`
	Subtotal json.RawMessage `json:"subtotal"`
	TaxTotal json.RawMessage `json:"taxTotal"`
	Status   json.RawMessage `json:"status"`
	Entity   *struct {
		Name json.RawMessage `json:"refName"`
	} `json:"entity"`
	Currency *struct {
		Name json.RawMessage `json:"refName"`
	} `json:"currency"`
	Item *struct {
		Items []rawRecordItem `json:"items"`
	} `json:"item"`
}

// normalizeRecordInvoice maps a REST record API invoice, which does carry
// line items, into the canonical shape.
func normalizeRecordInvoice(raw json.RawMessage) invoice.Invoice {
	var rec rawRecordInvoice
	_ = json.Unmarshal(raw, &rec)

	inv := invoice.Invoice{
		ExternalID: str(rec.ID),
		Number:     str(rec.TranID),
		IssueDate:  date(rec.TranDate),
		DueDate:    date(rec.DueDate),
		Total:      amount(rec.Total),
		Subtotal:   amount(rec.Subtotal),
		Tax:        amount(rec.TaxTotal),
		Status:     invoice.MapStatus(statusTable, str(rec.Status)),
	}
	if rec.Entity != nil {
		inv.Customer.Name = str(rec.Entity.Name)
	}
	if rec.Currency != nil {
		inv.Currency = str(rec.Currency.Name)
	}
	if rec.Item != nil {
		for _, line := range rec.Item.Items {
			inv.Lines = append(inv.Lines, invoice.LineItem{
				Description: str(line.Description),
				Quantity:    amount(line.Quantity),
				UnitPrice:   amount(line.Rate),
				LineTotal:   amount(line.Amount),
			})
		}
	}
	return inv.Normalized()
}

func str(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func amount(raw json.RawMessage) decimal.Decimal {
	s := str(raw)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func date(raw json.RawMessage) *time.Time {
	s := str(raw)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "1/2/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

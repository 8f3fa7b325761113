package dynamics

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/shopspring/decimal"
)

// statusTable maps Dynamics invoice statecode values into the canonical set.
// Anything else resolves to "unknown".
var statusTable = map[string]invoice.Status{
	"0": invoice.StatusDraft,     // Active
	"1": invoice.StatusCancelled, // Closed
	"2": invoice.StatusPaid,      // Paid
	"3": invoice.StatusSent,      // Invoiced
}

type rawLine struct {
	Description json.RawMessage `json:"productdescription"`
	Quantity    json.RawMessage `json:"quantity"`
	PricePer    json.RawMessage `json:"priceperunit"`
	Extended    json.RawMessage `json:"extendedamount"`
}

type rawCustomerRef struct {
	Name  json.RawMessage `json:"name"`
	Email json.RawMessage `json:"emailaddress1"`
}

type rawInvoice struct {
	ID           json.RawMessage `json:"invoiceid"`
	Number       json.RawMessage `json:"invoicenumber"`
	CreatedOn    json.RawMessage `json:"createdon"`
	DueDate      json.RawMessage `json:"duedate"`
	TotalAmount  json.RawMessage `json:"totalamount"`
	TotalPreTax  json.RawMessage `json:"totalamountlessfreight"`
	TotalTax     json.RawMessage `json:"totaltax"`
	Currency     json.RawMessage `json:"transactioncurrencyidname"`
	StateCode    json.RawMessage `json:"statecode"`
	Customer     *rawCustomerRef `json:"customerid_account"`
	Details      []rawLine       `json:"invoice_details"`
}

type rawAccount struct {
	ID       json.RawMessage `json:"accountid"`
	Name     json.RawMessage `json:"name"`
	Email    json.RawMessage `json:"emailaddress1"`
	Phone    json.RawMessage `json:"telephone1"`
	Street   json.RawMessage `json:"address1_line1"`
	City     json.RawMessage `json:"address1_city"`
	State    json.RawMessage `json:"address1_stateorprovince"`
	Postal   json.RawMessage `json:"address1_postalcode"`
	VATNum   json.RawMessage `json:"vatnumber"`
}

// normalizeInvoice maps one raw Dynamics invoice into the canonical shape.
// Missing fields default; it never fails.
func normalizeInvoice(raw json.RawMessage) invoice.Invoice {
	var rec rawInvoice
	_ = json.Unmarshal(raw, &rec)

	inv := invoice.Invoice{
		ExternalID: str(rec.ID),
		Number:     str(rec.Number),
		IssueDate:  date(rec.CreatedOn),
		DueDate:    date(rec.DueDate),
		Total:      amount(rec.TotalAmount),
		Subtotal:   amount(rec.TotalPreTax),
		Tax:        amount(rec.TotalTax),
		Currency:   str(rec.Currency),
		Status:     invoice.MapStatus(statusTable, str(rec.StateCode)),
	}
	if rec.Customer != nil {
		inv.Customer = invoice.CustomerRef{
			Name:  str(rec.Customer.Name),
			Email: str(rec.Customer.Email),
		}
	}
	for _, line := range rec.Details {
		inv.Lines = append(inv.Lines, invoice.LineItem{
			Description: str(line.Description),
			Quantity:    amount(line.Quantity),
			UnitPrice:   amount(line.PricePer),
			LineTotal:   amount(line.Extended),
		})
	}
	return inv.Normalized()
}

// normalizeCustomer maps one raw Dynamics account into the canonical shape.
func normalizeCustomer(raw json.RawMessage) invoice.Customer {
	var rec rawAccount
	_ = json.Unmarshal(raw, &rec)

	return invoice.Customer{
		ExternalID: str(rec.ID),
		Name:       str(rec.Name),
		Email:      str(rec.Email),
		Phone:      str(rec.Phone),
		Address:    invoice.FormatAddress(str(rec.Street), str(rec.City), str(rec.State), str(rec.Postal)),
		TaxNumber:  str(rec.VATNum),
	}
}

// str extracts a string field, tolerating numbers and absent values.
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

// amount extracts a decimal field, defaulting to zero.
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

// date extracts an RFC3339 timestamp field, defaulting to nil.
func date(raw json.RawMessage) *time.Time {
	s := str(raw)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t
	}
	return nil
}

package sapb1

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/shopspring/decimal"
)

// statusTable maps DocumentStatus values into the canonical set. Service
// Layer only distinguishes open and closed marketing documents; a cancelled
// flag overrides both.
var statusTable = map[string]invoice.Status{
	"bost_open":  invoice.StatusSent,
	"bost_close": invoice.StatusPaid,
}

type rawLine struct {
	ItemDescription json.RawMessage `json:"ItemDescription"`
	Quantity        json.RawMessage `json:"Quantity"`
	UnitPrice       json.RawMessage `json:"UnitPrice"`
	LineTotal       json.RawMessage `json:"LineTotal"`
}

type rawSAPInvoice struct {
	DocEntry       json.RawMessage `json:"DocEntry"`
	DocNum         json.RawMessage `json:"DocNum"`
	DocDate        json.RawMessage `json:"DocDate"`
	DocDueDate     json.RawMessage `json:"DocDueDate"`
	DocTotal       json.RawMessage `json:"DocTotal"`
	VatSum         json.RawMessage `json:"VatSum"`
	DocCurrency    json.RawMessage `json:"DocCurrency"`
	DocumentStatus json.RawMessage `json:"DocumentStatus"`
	Cancelled      json.RawMessage `json:"Cancelled"`
	CardCode       json.RawMessage `json:"CardCode"`
	CardName       json.RawMessage `json:"CardName"`
	DocumentLines  []rawLine       `json:"DocumentLines"`
}

type rawBusinessPartner struct {
	CardCode     json.RawMessage `json:"CardCode"`
	CardName     json.RawMessage `json:"CardName"`
	EmailAddress json.RawMessage `json:"EmailAddress"`
	Phone1       json.RawMessage `json:"Phone1"`
	Address      json.RawMessage `json:"Address"`
	City         json.RawMessage `json:"City"`
	BillToState  json.RawMessage `json:"BillToState"`
	ZipCode      json.RawMessage `json:"ZipCode"`
	FederalTaxID json.RawMessage `json:"FederalTaxID"`
}

func normalizeInvoice(raw json.RawMessage) invoice.Invoice {
	var rec rawSAPInvoice
	_ = json.Unmarshal(raw, &rec)

	total := amount(rec.DocTotal)
	tax := amount(rec.VatSum)

	status := invoice.MapStatus(statusTable, str(rec.DocumentStatus))
	if strings.EqualFold(str(rec.Cancelled), "tYES") {
		status = invoice.StatusCancelled
	}

	inv := invoice.Invoice{
		ExternalID: str(rec.DocEntry),
		Number:     str(rec.DocNum),
		IssueDate:  date(rec.DocDate),
		DueDate:    date(rec.DocDueDate),
		Total:      total,
		Subtotal:   total.Sub(tax),
		Tax:        tax,
		Currency:   str(rec.DocCurrency),
		Status:     status,
		Customer: invoice.CustomerRef{
			ExternalID: str(rec.CardCode),
			Name:       str(rec.CardName),
		},
	}
	for _, line := range rec.DocumentLines {
		inv.Lines = append(inv.Lines, invoice.LineItem{
			Description: str(line.ItemDescription),
			Quantity:    amount(line.Quantity),
			UnitPrice:   amount(line.UnitPrice),
			LineTotal:   amount(line.LineTotal),
		})
	}
	return inv.Normalized()
}

func normalizeCustomer(raw json.RawMessage) invoice.Customer {
	var rec rawBusinessPartner
	_ = json.Unmarshal(raw, &rec)

	return invoice.Customer{
		ExternalID: str(rec.CardCode),
		Name:       str(rec.CardName),
		Email:      str(rec.EmailAddress),
		Phone:      str(rec.Phone1),
		Address: invoice.FormatAddress(
			str(rec.Address),
			str(rec.City),
			str(rec.BillToState),
			str(rec.ZipCode),
		),
		TaxNumber: str(rec.FederalTaxID),
	}
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
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

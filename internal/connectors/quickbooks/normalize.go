package quickbooks

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/shopspring/decimal"
)

// statusTable maps QuickBooks EmailStatus values into the canonical set.
// QuickBooks has no single invoice status field; a zero open balance on a
// billed invoice overrides the table as "paid".
var statusTable = map[string]invoice.Status{
	"notset":     invoice.StatusDraft,
	"needtosend": invoice.StatusPending,
	"emailsent":  invoice.StatusSent,
}

type rawRef struct {
	Value json.RawMessage `json:"value"`
	Name  json.RawMessage `json:"name"`
}

type rawLine struct {
	Description json.RawMessage `json:"Description"`
	Amount      json.RawMessage `json:"Amount"`
	DetailType  json.RawMessage `json:"DetailType"`
	Detail      *struct {
		Qty       json.RawMessage `json:"Qty"`
		UnitPrice json.RawMessage `json:"UnitPrice"`
	} `json:"SalesItemLineDetail"`
}

type rawQBInvoice struct {
	ID           json.RawMessage `json:"Id"`
	DocNumber    json.RawMessage `json:"DocNumber"`
	TxnDate      json.RawMessage `json:"TxnDate"`
	DueDate      json.RawMessage `json:"DueDate"`
	TotalAmt     json.RawMessage `json:"TotalAmt"`
	Balance      json.RawMessage `json:"Balance"`
	EmailStatus  json.RawMessage `json:"EmailStatus"`
	CustomerRef  *rawRef         `json:"CustomerRef"`
	CurrencyRef  *rawRef         `json:"CurrencyRef"`
	BillEmail    *struct {
		Address json.RawMessage `json:"Address"`
	} `json:"BillEmail"`
	TxnTaxDetail *struct {
		TotalTax json.RawMessage `json:"TotalTax"`
	} `json:"TxnTaxDetail"`
	Line []rawLine `json:"Line"`
}

type rawQBCustomer struct {
	ID               json.RawMessage `json:"Id"`
	DisplayName      json.RawMessage `json:"DisplayName"`
	PrimaryEmailAddr *struct {
		Address json.RawMessage `json:"Address"`
	} `json:"PrimaryEmailAddr"`
	PrimaryPhone *struct {
		FreeFormNumber json.RawMessage `json:"FreeFormNumber"`
	} `json:"PrimaryPhone"`
	BillAddr *struct {
		Line1                  json.RawMessage `json:"Line1"`
		City                   json.RawMessage `json:"City"`
		CountrySubDivisionCode json.RawMessage `json:"CountrySubDivisionCode"`
		PostalCode             json.RawMessage `json:"PostalCode"`
	} `json:"BillAddr"`
	ResaleNum json.RawMessage `json:"ResaleNum"`
}

func normalizeInvoice(raw json.RawMessage) invoice.Invoice {
	var rec rawQBInvoice
	_ = json.Unmarshal(raw, &rec)

	total := amount(rec.TotalAmt)
	var tax decimal.Decimal
	if rec.TxnTaxDetail != nil {
		tax = amount(rec.TxnTaxDetail.TotalTax)
	}

	status := invoice.MapStatus(statusTable, str(rec.EmailStatus))
	if total.IsPositive() && amount(rec.Balance).IsZero() {
		status = invoice.StatusPaid
	}

	inv := invoice.Invoice{
		ExternalID: str(rec.ID),
		Number:     str(rec.DocNumber),
		IssueDate:  date(rec.TxnDate),
		DueDate:    date(rec.DueDate),
		Total:      total,
		Subtotal:   total.Sub(tax),
		Tax:        tax,
		Status:     status,
	}
	if rec.CurrencyRef != nil {
		inv.Currency = str(rec.CurrencyRef.Value)
	}
	if rec.CustomerRef != nil {
		inv.Customer.Name = str(rec.CustomerRef.Name)
	}
	if rec.BillEmail != nil {
		inv.Customer.Email = str(rec.BillEmail.Address)
	}
	for _, line := range rec.Line {
		// Summary lines (SubTotalLineDetail, DiscountLineDetail) carry no
		// sales detail and are skipped.
		if line.Detail == nil {
			continue
		}
		inv.Lines = append(inv.Lines, invoice.LineItem{
			Description: str(line.Description),
			Quantity:    amount(line.Detail.Qty),
			UnitPrice:   amount(line.Detail.UnitPrice),
			LineTotal:   amount(line.Amount),
		})
	}
	return inv.Normalized()
}

func normalizeCustomer(raw json.RawMessage) invoice.Customer {
	var rec rawQBCustomer
	_ = json.Unmarshal(raw, &rec)

	cust := invoice.Customer{
		ExternalID: str(rec.ID),
		Name:       str(rec.DisplayName),
		TaxNumber:  str(rec.ResaleNum),
	}
	if rec.PrimaryEmailAddr != nil {
		cust.Email = str(rec.PrimaryEmailAddr.Address)
	}
	if rec.PrimaryPhone != nil {
		cust.Phone = str(rec.PrimaryPhone.FreeFormNumber)
	}
	if rec.BillAddr != nil {
		cust.Address = invoice.FormatAddress(
			str(rec.BillAddr.Line1),
			str(rec.BillAddr.City),
			str(rec.BillAddr.CountrySubDivisionCode),
			str(rec.BillAddr.PostalCode),
		)
	}
	return cust
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

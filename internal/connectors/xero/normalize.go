package xero

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ledgersync/ledgersync/internal/invoice"
	"github.com/shopspring/decimal"
)

// statusTable maps Xero invoice statuses into the canonical set.
var statusTable = map[string]invoice.Status{
	"draft":      invoice.StatusDraft,
	"submitted":  invoice.StatusPending,
	"authorised": invoice.StatusSent,
	"paid":       invoice.StatusPaid,
	"voided":     invoice.StatusCancelled,
	"deleted":    invoice.StatusCancelled,
}

type rawContactRef struct {
	ContactID    json.RawMessage `json:"ContactID"`
	Name         json.RawMessage `json:"Name"`
	EmailAddress json.RawMessage `json:"EmailAddress"`
}

type rawLine struct {
	Description json.RawMessage `json:"Description"`
	Quantity    json.RawMessage `json:"Quantity"`
	UnitAmount  json.RawMessage `json:"UnitAmount"`
	LineAmount  json.RawMessage `json:"LineAmount"`
}

type rawXeroInvoice struct {
	InvoiceID     json.RawMessage `json:"InvoiceID"`
	InvoiceNumber json.RawMessage `json:"InvoiceNumber"`
	Date          json.RawMessage `json:"Date"`
	DueDate       json.RawMessage `json:"DueDate"`
	Total         json.RawMessage `json:"Total"`
	SubTotal      json.RawMessage `json:"SubTotal"`
	TotalTax      json.RawMessage `json:"TotalTax"`
	CurrencyCode  json.RawMessage `json:"CurrencyCode"`
	Status        json.RawMessage `json:"Status"`
	Contact       *rawContactRef  `json:"Contact"`
	LineItems     []rawLine       `json:"LineItems"`
}

type rawXeroContact struct {
	ContactID    json.RawMessage `json:"ContactID"`
	Name         json.RawMessage `json:"Name"`
	EmailAddress json.RawMessage `json:"EmailAddress"`
	TaxNumber    json.RawMessage `json:"TaxNumber"`
	Phones       []struct {
		PhoneType   json.RawMessage `json:"PhoneType"`
		PhoneNumber json.RawMessage `json:"PhoneNumber"`
	} `json:"Phones"`
	Addresses []struct {
		AddressType  json.RawMessage `json:"AddressType"`
		AddressLine1 json.RawMessage `json:"AddressLine1"`
		City         json.RawMessage `json:"City"`
		Region       json.RawMessage `json:"Region"`
		PostalCode   json.RawMessage `json:"PostalCode"`
	} `json:"Addresses"`
}

func normalizeInvoice(raw json.RawMessage) invoice.Invoice {
	var rec rawXeroInvoice
	_ = json.Unmarshal(raw, &rec)

	inv := invoice.Invoice{
		ExternalID: str(rec.InvoiceID),
		Number:     str(rec.InvoiceNumber),
		IssueDate:  date(rec.Date),
		DueDate:    date(rec.DueDate),
		Total:      amount(rec.Total),
		Subtotal:   amount(rec.SubTotal),
		Tax:        amount(rec.TotalTax),
		Currency:   str(rec.CurrencyCode),
		Status:     invoice.MapStatus(statusTable, str(rec.Status)),
	}
	if rec.Contact != nil {
		inv.Customer = invoice.CustomerRef{
			ExternalID: str(rec.Contact.ContactID),
			Name:       str(rec.Contact.Name),
			Email:      str(rec.Contact.EmailAddress),
		}
	}
	for _, line := range rec.LineItems {
		inv.Lines = append(inv.Lines, invoice.LineItem{
			Description: str(line.Description),
			Quantity:    amount(line.Quantity),
			UnitPrice:   amount(line.UnitAmount),
			LineTotal:   amount(line.LineAmount),
		})
	}
	return inv.Normalized()
}

func normalizeCustomer(raw json.RawMessage) invoice.Customer {
	var rec rawXeroContact
	_ = json.Unmarshal(raw, &rec)

	cust := invoice.Customer{
		ExternalID: str(rec.ContactID),
		Name:       str(rec.Name),
		Email:      str(rec.EmailAddress),
		TaxNumber:  str(rec.TaxNumber),
	}
	for _, phone := range rec.Phones {
		if n := str(phone.PhoneNumber); n != "" {
			cust.Phone = n
			if strings.EqualFold(str(phone.PhoneType), "DEFAULT") {
				break
			}
		}
	}
	for _, addr := range rec.Addresses {
		// Prefer the postal address; fall back to whichever is filled in.
		formatted := invoice.FormatAddress(str(addr.AddressLine1), str(addr.City), str(addr.Region), str(addr.PostalCode))
		if formatted == "" {
			continue
		}
		cust.Address = formatted
		if strings.EqualFold(str(addr.AddressType), "POBOX") {
			break
		}
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

// msDatePattern matches Xero's legacy /Date(1518685950940+0000)/ encoding.
var msDatePattern = regexp.MustCompile(`^/Date\((-?\d+)(?:[+-]\d{4})?\)/$`)

func date(raw json.RawMessage) *time.Time {
	s := str(raw)
	if s == "" {
		return nil
	}
	if m := msDatePattern.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil
		}
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

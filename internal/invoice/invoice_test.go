package invoice

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMapStatusFallsBackToUnknown(t *testing.T) {
	table := map[string]Status{
		"open": StatusSent,
		"paid": StatusPaid,
	}

	if got := MapStatus(table, "open"); got != StatusSent {
		t.Fatalf("expected sent, got %q", got)
	}
	if got := MapStatus(table, "  PAID  "); got != StatusPaid {
		t.Fatalf("expected case/space-insensitive lookup, got %q", got)
	}
	for _, raw := range []string{"", "never-seen-before", "OPEN2"} {
		if got := MapStatus(table, raw); got != StatusUnknown {
			t.Fatalf("expected unknown for %q, got %q", raw, got)
		}
	}
}

func TestNormalizedDefaultsCurrencyToUSD(t *testing.T) {
	inv := Invoice{ExternalID: "1", Total: decimal.NewFromInt(10), Status: StatusSent}

	got := inv.Normalized()
	if got.Currency != DefaultCurrency {
		t.Fatalf("expected %q, got %q", DefaultCurrency, got.Currency)
	}

	inv.Currency = " eur "
	if got := inv.Normalized(); got.Currency != "EUR" {
		t.Fatalf("expected EUR, got %q", got.Currency)
	}
}

func TestNormalizedForcesClosedStatusSet(t *testing.T) {
	inv := Invoice{ExternalID: "1", Status: Status("archived")}
	if got := inv.Normalized(); got.Status != StatusUnknown {
		t.Fatalf("expected unknown for out-of-set status, got %q", got.Status)
	}

	inv.Status = StatusViewed
	if got := inv.Normalized(); got.Status != StatusViewed {
		t.Fatalf("expected viewed preserved, got %q", got.Status)
	}
}

func TestFormatAddress(t *testing.T) {
	cases := []struct {
		street, city, state, postal string
		want                        string
	}{
		{"1 Main St", "Springfield", "IL", "62704", "1 Main St, Springfield, IL, 62704"},
		{"1 Main St", "", "IL", "", "1 Main St, IL"},
		{"", "Springfield", "", "", "Springfield"},
		{"", "", "", "", ""},
		{"  ", "\t", "", " ", ""},
		{" 1 Main St ", " Springfield ", "", "62704", "1 Main St, Springfield, 62704"},
	}
	for _, tc := range cases {
		if got := FormatAddress(tc.street, tc.city, tc.state, tc.postal); got != tc.want {
			t.Errorf("FormatAddress(%q, %q, %q, %q) = %q, want %q",
				tc.street, tc.city, tc.state, tc.postal, got, tc.want)
		}
	}
}

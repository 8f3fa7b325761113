package invoice

import "strings"

// Customer is the canonical normalized customer record.
type Customer struct {
	ExternalID string
	Name       string
	Email      string
	Phone      string
	// Address is the comma-joined present parts of the vendor address, or
	// empty when the vendor supplied no address at all.
	Address   string
	TaxNumber string
}

// FormatAddress joins the non-empty parts of a four-part address with ", " in
// fixed order (street, city, state/province, postal). All-empty input yields
// the empty string.
func FormatAddress(street, city, state, postal string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{street, city, state, postal} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

package square

import "strings"

// InvoiceSearch scopes an invoice search page to one customer at one location.
type InvoiceSearch struct {
	LocationID string
	CustomerID string
	Cursor     string
	Limit      int
}

func (p InvoiceSearch) validate() error {
	if strings.TrimSpace(p.LocationID) == "" {
		return errLocationRequired
	}
	if strings.TrimSpace(p.CustomerID) == "" {
		return errCustomerRequired
	}
	return nil
}

func ptrString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func intPtr(value int) *int {
	return &value
}

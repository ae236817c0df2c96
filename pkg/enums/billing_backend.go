package enums

import "fmt"

// BillingBackend names an external billing system of record.
type BillingBackend string

const (
	BillingBackendProcessor BillingBackend = "processor"
	BillingBackendInvoicing BillingBackend = "invoicing"
)

func (b BillingBackend) String() string {
	return string(b)
}

func (b BillingBackend) IsValid() bool {
	return b == BillingBackendProcessor || b == BillingBackendInvoicing
}

// ParseBillingBackend converts raw input into a BillingBackend.
func ParseBillingBackend(value string) (BillingBackend, error) {
	b := BillingBackend(value)
	if !b.IsValid() {
		return "", fmt.Errorf("invalid billing backend %q", value)
	}
	return b, nil
}

package subscriptions

import (
	"strings"
	"time"

	"github.com/angelmondragon/billsync/internal/billingbackend"
	"github.com/angelmondragon/billsync/pkg/money"
)

type invoiceResponse struct {
	ID          string     `json:"id"`
	Number      string     `json:"number,omitempty"`
	Status      string     `json:"status"`
	AmountMinor int64      `json:"amount_minor"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	DocumentURL string     `json:"document_url,omitempty"`
}

type invoiceListResponse struct {
	Invoices []invoiceResponse `json:"invoices"`
}

func newInvoiceList(invoices []billingbackend.Invoice) invoiceListResponse {
	out := invoiceListResponse{Invoices: make([]invoiceResponse, 0, len(invoices))}
	for _, inv := range invoices {
		out.Invoices = append(out.Invoices, invoiceResponse{
			ID:          inv.ID,
			Number:      inv.Number,
			Status:      inv.Status,
			AmountMinor: inv.Total,
			Amount:      money.FormatMinor(inv.Total, inv.Currency),
			Currency:    strings.ToUpper(inv.Currency),
			PeriodStart: inv.PeriodStart,
			PeriodEnd:   inv.PeriodEnd,
			DocumentURL: inv.DocumentURL,
		})
	}
	return out
}

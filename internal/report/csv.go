package report

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"strings"
	"time"

	"checkoutdesk/gateway/internal/domain"
)

var salesHeader = []string{
	"Invoice", "Date", "Customer", "Status", "Payment Method",
	"Subtotal", "Discount", "Tax", "Total", "Amount Paid", "Change", "Balance Due", "Items",
}

// SalesCSV renders a page of sales the way the backend returned them.
func SalesCSV(sales []domain.Sale) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(salesHeader); err != nil {
		return nil, err
	}
	for _, sale := range sales {
		balance := ""
		if sale.Status == domain.SaleStatusPending {
			balance = domain.FormatMoney(sale.BalanceDue())
		}
		row := []string{
			textCell(sale.InvoiceNumber),
			formatDate(sale.CreatedAt),
			textCell(customerName(sale)),
			string(sale.Status),
			string(sale.PaymentMethod),
			domain.FormatMoney(sale.TotalAmount),
			domain.FormatMoney(sale.DiscountAmount),
			domain.FormatMoney(sale.TaxAmount),
			domain.FormatMoney(sale.FinalAmount),
			domain.FormatMoney(sale.AmountPaid),
			domain.FormatMoney(sale.ChangeAmount),
			balance,
			strconv.Itoa(len(sale.Items)),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func customerName(sale domain.Sale) string {
	if sale.CustomerName == "" {
		return "Walk-in Customer"
	}
	return sale.CustomerName
}

// textCell keeps spreadsheets from reading free text as a formula.
func textCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

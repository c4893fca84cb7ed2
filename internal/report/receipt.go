package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"checkoutdesk/gateway/internal/domain"
)

// Receipt is the printable view of one sale.
type Receipt struct {
	Sale          domain.Sale
	SoldBy        string
	Customer      string
	Date          string
	Subtotal      string
	Discount      string
	Tax           string
	Total         string
	AmountPaid    string
	Change        string
	BalanceDue    string
	Lines         []ReceiptLine
	StatusLabel   string
	PaymentMethod string
}

type ReceiptLine struct {
	Product   string
	Quantity  int
	UnitPrice string
	Total     string
}

// NewReceipt formats a sale for printing. Change is shown only when
// positive and balance due only for pending sales.
func NewReceipt(sale domain.Sale, soldBy string) Receipt {
	r := Receipt{
		Sale:          sale,
		SoldBy:        soldBy,
		Customer:      customerName(sale),
		Date:          formatDate(sale.CreatedAt),
		Subtotal:      domain.FormatMoney(sale.TotalAmount),
		Discount:      domain.FormatMoney(sale.DiscountAmount),
		Tax:           domain.FormatMoney(sale.TaxAmount),
		Total:         domain.FormatMoney(sale.FinalAmount),
		AmountPaid:    domain.FormatMoney(sale.AmountPaid),
		StatusLabel:   strings.ToUpper(string(sale.Status)),
		PaymentMethod: strings.ToUpper(string(sale.PaymentMethod)),
	}
	if sale.ChangeAmount.IsPositive() {
		r.Change = domain.FormatMoney(sale.ChangeAmount)
	}
	if sale.Status == domain.SaleStatusPending {
		r.BalanceDue = domain.FormatMoney(sale.BalanceDue())
	}
	for _, item := range sale.Items {
		name := item.ProductName
		if name == "" {
			name = "Unknown Product"
		}
		r.Lines = append(r.Lines, ReceiptLine{
			Product:   name,
			Quantity:  item.Quantity,
			UnitPrice: domain.FormatMoney(item.UnitPrice),
			Total:     domain.FormatMoney(item.TotalPrice),
		})
	}
	return r
}

var receiptHTMLTmpl = template.Must(template.New("receipt").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Receipt - {{.Sale.InvoiceNumber}}</title>
  <style>
    body { font-family: monospace; padding: 20px; }
    .header { text-align: center; margin-bottom: 20px; }
    table { width: 100%; border-collapse: collapse; margin: 20px 0; }
    th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
    .total { font-weight: bold; text-align: right; }
    .pending { color: #f59e0b; font-weight: bold; }
  </style>
</head>
<body>
  <div class="header">
    <h2>INVOICE RECEIPT</h2>
    <h3>{{.Sale.InvoiceNumber}}</h3>
    <p>Status: {{.StatusLabel}}</p>
  </div>
  <p><strong>Date:</strong> {{.Date}}</p>
  <p><strong>Customer:</strong> {{.Customer}}</p>
  <p><strong>Sold By:</strong> {{.SoldBy}}</p>
  <p><strong>Payment Method:</strong> {{.PaymentMethod}}</p>
  <table>
    <thead><tr><th>Product</th><th>Qty</th><th>Price</th><th>Total</th></tr></thead>
    <tbody>{{range .Lines}}<tr><td>{{.Product}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.Total}}</td></tr>{{end}}</tbody>
  </table>
  <div class="total">
    <p>Subtotal: {{.Subtotal}}</p>
    <p>Discount: {{.Discount}}</p>
    <p>Tax: {{.Tax}}</p>
    <p><strong>Total: {{.Total}}</strong></p>
    <p>Amount Paid: {{.AmountPaid}}</p>
    {{if .Change}}<p>Change: {{.Change}}</p>{{end}}
    {{if .BalanceDue}}<p class="pending">Balance Due: {{.BalanceDue}}</p>{{end}}
  </div>
  <p style="text-align:center;">Thank you for your business!</p>
</body>
</html>
`))

func (r Receipt) HTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := receiptHTMLTmpl.Execute(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r Receipt) PDF() ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A5", "")
	pdf.SetMargins(10, 10, 10)
	pdf.AddPage()

	pdf.SetFont("Courier", "B", 14)
	pdf.CellFormat(128, 8, "INVOICE RECEIPT", "", 1, "C", false, 0, "")
	pdf.SetFont("Courier", "", 11)
	pdf.CellFormat(128, 6, r.Sale.InvoiceNumber, "", 1, "C", false, 0, "")
	pdf.CellFormat(128, 6, "Status: "+r.StatusLabel, "", 1, "C", false, 0, "")
	pdf.Ln(3)

	pdf.SetFont("Courier", "", 9)
	for _, line := range []string{
		"Date: " + r.Date,
		"Customer: " + r.Customer,
		"Sold By: " + r.SoldBy,
		"Payment Method: " + r.PaymentMethod,
	} {
		pdf.CellFormat(128, 5, line, "", 1, "L", false, 0, "")
	}
	pdf.Ln(3)

	pdf.SetFont("Courier", "B", 9)
	pdf.SetFillColor(240, 240, 240)
	pdf.CellFormat(62, 6, "Product", "1", 0, "L", true, 0, "")
	pdf.CellFormat(14, 6, "Qty", "1", 0, "C", true, 0, "")
	pdf.CellFormat(26, 6, "Price", "1", 0, "R", true, 0, "")
	pdf.CellFormat(26, 6, "Total", "1", 1, "R", true, 0, "")
	pdf.SetFont("Courier", "", 9)
	for _, line := range r.Lines {
		name := line.Product
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		pdf.CellFormat(62, 6, name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(14, 6, fmt.Sprintf("%d", line.Quantity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, line.UnitPrice, "1", 0, "R", false, 0, "")
		pdf.CellFormat(26, 6, line.Total, "1", 1, "R", false, 0, "")
	}
	pdf.Ln(3)

	totals := [][2]string{
		{"Subtotal", r.Subtotal},
		{"Discount", r.Discount},
		{"Tax", r.Tax},
		{"Total", r.Total},
		{"Amount Paid", r.AmountPaid},
	}
	if r.Change != "" {
		totals = append(totals, [2]string{"Change", r.Change})
	}
	if r.BalanceDue != "" {
		totals = append(totals, [2]string{"Balance Due", r.BalanceDue})
	}
	for _, row := range totals {
		pdf.CellFormat(102, 5, row[0]+":", "", 0, "R", false, 0, "")
		pdf.CellFormat(26, 5, row[1], "", 1, "R", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

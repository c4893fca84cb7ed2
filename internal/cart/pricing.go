package cart

import (
	"fmt"

	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/domain"
)

var maxTaxRate = decimal.NewFromInt(100)

// ComputeTotals derives the checkout totals from lines and payment info.
// Discount is applied before tax and every field is rounded to two places
// only once, here.
func ComputeTotals(lines []domain.CartLine, payment domain.PaymentInfo) domain.Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	discount := payment.Discount
	taxBase := decimal.Max(subtotal.Sub(discount), decimal.Zero)
	tax := domain.Percent(taxBase, payment.TaxRate)
	total := subtotal.Sub(discount).Add(tax)
	change := decimal.Max(payment.AmountPaid.Sub(total), decimal.Zero)

	return domain.Totals{
		Subtotal:   domain.Round2(subtotal),
		Discount:   domain.Round2(discount),
		Tax:        domain.Round2(tax),
		Total:      domain.Round2(total),
		AmountPaid: domain.Round2(payment.AmountPaid),
		Change:     domain.Round2(change),
	}
}

// ValidatePayment rejects payment drafts that could never be submitted.
func ValidatePayment(payment domain.PaymentInfo) error {
	switch {
	case !payment.Method.Valid():
		return invalidPayment(fmt.Sprintf("unsupported payment method %q", payment.Method))
	case payment.Discount.IsNegative():
		return invalidPayment("discount cannot be negative")
	case payment.TaxRate.IsNegative() || payment.TaxRate.GreaterThan(maxTaxRate):
		return invalidPayment("tax rate must be between 0 and 100")
	case payment.AmountPaid.IsNegative():
		return invalidPayment("Amount paid cannot be negative")
	}
	return nil
}

// DefaultPayment is the draft a fresh checkout starts from.
func DefaultPayment(taxRate decimal.Decimal) domain.PaymentInfo {
	return domain.PaymentInfo{
		Method:     domain.PaymentCash,
		Discount:   decimal.Zero,
		TaxRate:    taxRate,
		AmountPaid: decimal.Zero,
	}
}

func invalidPayment(message string) error {
	return apperror.Validation(apperror.CodeInvalidPayment, message)
}

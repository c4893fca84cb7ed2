package cart

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/domain"
)

func scenarioCart(t *testing.T) *Cart {
	t.Helper()
	c := New()
	if err := c.AddItem(product("1", "100", 10), 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	return c
}

func payment(discount, taxRate, paid string) domain.PaymentInfo {
	return domain.PaymentInfo{
		Method:     domain.PaymentCash,
		Discount:   dec(discount),
		TaxRate:    dec(taxRate),
		AmountPaid: dec(paid),
	}
}

func TestComputeTotalsDiscountBeforeTax(t *testing.T) {
	totals := scenarioCart(t).Totals(payment("50", "8", "0"))

	assertMoney(t, "subtotal", totals.Subtotal, "200")
	assertMoney(t, "discount", totals.Discount, "50")
	assertMoney(t, "tax", totals.Tax, "12.00")
	assertMoney(t, "total", totals.Total, "162.00")
	assertMoney(t, "change", totals.Change, "0")
}

func TestComputeTotalsExactPayment(t *testing.T) {
	totals := scenarioCart(t).Totals(payment("50", "8", "162.00"))
	assertMoney(t, "change", totals.Change, "0.00")
	assertMoney(t, "amount_paid", totals.AmountPaid, "162")
}

func TestComputeTotalsChange(t *testing.T) {
	totals := scenarioCart(t).Totals(payment("50", "8", "200"))
	assertMoney(t, "change", totals.Change, "38")
}

func TestComputeTotalsDiscountAboveSubtotalHasNoTax(t *testing.T) {
	totals := scenarioCart(t).Totals(payment("250", "8", "0"))
	assertMoney(t, "tax", totals.Tax, "0")
	assertMoney(t, "total", totals.Total, "-50")
}

func TestComputeTotalsRoundsOnlyOnOutput(t *testing.T) {
	lines := []domain.CartLine{
		{ProductID: "a", UnitPrice: dec("0.333"), Quantity: 3},
		{ProductID: "b", UnitPrice: dec("0.335"), Quantity: 1},
	}
	totals := ComputeTotals(lines, payment("0", "10", "0"))

	// 0.999 + 0.335 = 1.334 -> 1.33; tax 0.1334 -> 0.13; total 1.4674 -> 1.47.
	assertMoney(t, "subtotal", totals.Subtotal, "1.33")
	assertMoney(t, "tax", totals.Tax, "0.13")
	assertMoney(t, "total", totals.Total, "1.47")
}

func TestComputeTotalsIndependentOfInsertionOrder(t *testing.T) {
	products := []domain.Product{
		product("1", "19.99", 10),
		product("2", "0.05", 10),
		product("3", "1234.5", 10),
	}
	qty := []int{3, 7, 1}

	forward := New()
	for i, p := range products {
		if err := forward.AddItem(p, qty[i]); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	backward := New()
	for i := len(products) - 1; i >= 0; i-- {
		if err := backward.AddItem(products[i], qty[i]); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	info := payment("0", "0", "0")
	a, b := forward.Totals(info), backward.Totals(info)
	if !a.Subtotal.Equal(b.Subtotal) {
		t.Fatalf("subtotal depends on order: %s vs %s", a.Subtotal, b.Subtotal)
	}
	assertMoney(t, "subtotal", a.Subtotal, "1294.82")
}

func TestComputeTotalsIsIdempotent(t *testing.T) {
	c := scenarioCart(t)
	info := payment("12.5", "7.5", "100")
	first, second := c.Totals(info), c.Totals(info)
	if !first.Total.Equal(second.Total) || !first.Tax.Equal(second.Tax) || !first.Change.Equal(second.Change) {
		t.Fatalf("expected identical totals, got %+v and %+v", first, second)
	}
}

func TestValidatePayment(t *testing.T) {
	valid := DefaultPayment(decimal.NewFromInt(8))
	if err := ValidatePayment(valid); err != nil {
		t.Fatalf("expected default payment to be valid, got %v", err)
	}

	cases := []domain.PaymentInfo{
		{Method: "barter"},
		{Method: domain.PaymentCash, Discount: dec("-1")},
		{Method: domain.PaymentCard, TaxRate: dec("-0.5")},
		{Method: domain.PaymentCard, TaxRate: dec("101")},
		{Method: domain.PaymentOnline, AmountPaid: dec("-0.01")},
	}
	for _, tc := range cases {
		if err := ValidatePayment(tc); !errors.Is(err, ErrInvalidPayment) {
			t.Fatalf("expected ErrInvalidPayment for %+v, got %v", tc, err)
		}
	}
}

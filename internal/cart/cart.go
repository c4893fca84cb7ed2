package cart

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/domain"
)

var (
	ErrOutOfStock        = apperror.Validation(apperror.CodeOutOfStock, "product is out of stock")
	ErrInsufficientStock = apperror.Validation(apperror.CodeInsufficientStock, "insufficient stock")
	ErrInvalidQuantity   = apperror.Validation(apperror.CodeInvalidQuantity, "quantity must be at least 1")
	ErrInvalidPayment    = apperror.Validation(apperror.CodeInvalidPayment, "invalid payment")
	ErrLineNotFound      = apperror.Validation(apperror.CodeNotFound, "product is not in the cart")
)

// Cart holds one line per product in insertion order. It is not safe for
// concurrent use; the owning session serializes access.
type Cart struct {
	lines []domain.CartLine
}

func New() *Cart {
	return &Cart{}
}

func (c *Cart) AddItem(product domain.Product, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	if product.CurrentStock <= 0 {
		return apperror.Validation(apperror.CodeOutOfStock, fmt.Sprintf("%s is out of stock", product.Name))
	}

	if idx := c.index(product.ID); idx >= 0 {
		line := &c.lines[idx]
		next := line.Quantity + qty
		if next > product.CurrentStock {
			return insufficient(product.CurrentStock)
		}
		line.Quantity = next
		line.AvailableStock = product.CurrentStock
		line.LineTotal = lineTotal(line.UnitPrice, next)
		return nil
	}

	if qty > product.CurrentStock {
		return insufficient(product.CurrentStock)
	}
	c.lines = append(c.lines, domain.CartLine{
		ProductID:      product.ID,
		Name:           product.Name,
		SKU:            product.SKU,
		UnitPrice:      product.SellingPrice,
		Quantity:       qty,
		LineTotal:      lineTotal(product.SellingPrice, qty),
		AvailableStock: product.CurrentStock,
	})
	return nil
}

func (c *Cart) RemoveItem(productID domain.ID) {
	if idx := c.index(productID); idx >= 0 {
		c.lines = slices.Delete(c.lines, idx, idx+1)
	}
}

// SetQuantity removes the line when qty < 1 and leaves the cart untouched
// when qty exceeds the last known stock.
func (c *Cart) SetQuantity(productID domain.ID, qty int) error {
	if qty < 1 {
		c.RemoveItem(productID)
		return nil
	}
	idx := c.index(productID)
	if idx < 0 {
		return ErrLineNotFound
	}
	line := &c.lines[idx]
	if qty > line.AvailableStock {
		return insufficient(line.AvailableStock)
	}
	line.Quantity = qty
	line.LineTotal = lineTotal(line.UnitPrice, qty)
	return nil
}

// UpdateStock records a fresh stock check. Quantities are never changed here;
// the backend stays authoritative at submit time.
func (c *Cart) UpdateStock(stock map[domain.ID]int) {
	for i := range c.lines {
		if qty, ok := stock[c.lines[i].ProductID]; ok {
			c.lines[i].AvailableStock = qty
		}
	}
}

func (c *Cart) Lines() []domain.CartLine {
	return slices.Clone(c.lines)
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Clear() {
	c.lines = nil
}

// Restore replaces the cart content, e.g. when a held cart is resumed.
func (c *Cart) Restore(lines []domain.CartLine) error {
	restored := make([]domain.CartLine, 0, len(lines))
	seen := make(map[domain.ID]struct{}, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			return ErrInvalidQuantity
		}
		if _, dup := seen[line.ProductID]; dup {
			continue
		}
		seen[line.ProductID] = struct{}{}
		line.LineTotal = lineTotal(line.UnitPrice, line.Quantity)
		restored = append(restored, line)
	}
	c.lines = restored
	return nil
}

func (c *Cart) Totals(payment domain.PaymentInfo) domain.Totals {
	return ComputeTotals(c.lines, payment)
}

func (c *Cart) index(productID domain.ID) int {
	return slices.IndexFunc(c.lines, func(line domain.CartLine) bool {
		return line.ProductID == productID
	})
}

func lineTotal(unitPrice decimal.Decimal, qty int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(qty)))
}

func insufficient(available int) error {
	return apperror.Validation(apperror.CodeInsufficientStock, fmt.Sprintf("Only %d units available", available))
}

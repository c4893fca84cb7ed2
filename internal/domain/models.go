package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentOnline PaymentMethod = "online"
	PaymentCredit PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentOnline, PaymentCredit:
		return true
	}
	return false
}

type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusCancelled SaleStatus = "cancelled"
	SaleStatusRefunded  SaleStatus = "refunded"
)

// Terminal reports whether no further lifecycle action can follow.
func (s SaleStatus) Terminal() bool {
	return s == SaleStatusCancelled || s == SaleStatusRefunded
}

const (
	ActionSubmit   = "submit"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionRefund   = "refund"
)

type Product struct {
	ID           ID              `json:"id" validate:"required"`
	Name         string          `json:"name" validate:"required"`
	SKU          string          `json:"sku"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	CurrentStock int             `json:"current_stock"`
	Status       string          `json:"status,omitempty"`
	CategoryID   ID              `json:"category_id,omitempty"`
	SupplierID   ID              `json:"supplier_id,omitempty"`
}

type ProductQuery struct {
	Status     string
	CategoryID string
	SupplierID string
	Search     string
	Page       int
	Limit      int
}

type ProductList struct {
	Products   []Product `json:"products"`
	Total      int       `json:"total"`
	TotalPages int       `json:"totalPages"`
}

type CartLine struct {
	ProductID      ID              `json:"product_id"`
	Name           string          `json:"name"`
	SKU            string          `json:"sku"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Quantity       int             `json:"quantity"`
	LineTotal      decimal.Decimal `json:"line_total"`
	AvailableStock int             `json:"available_stock"`
}

type PaymentInfo struct {
	Method     PaymentMethod   `json:"method"`
	Discount   decimal.Decimal `json:"discount"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Notes      string          `json:"notes,omitempty"`
}

type CustomerInfo struct {
	Name  string `json:"name,omitempty" validate:"max=200"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"max=40"`
}

// Totals is derived from cart lines and payment info and is never stored.
type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Change     decimal.Decimal `json:"change"`
}

type SaleItem struct {
	ProductID   ID              `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	SKU         string          `json:"sku,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// Sale mirrors the upstream record; the gateway never changes its status locally.
type Sale struct {
	ID             ID              `json:"id" validate:"required"`
	InvoiceNumber  string          `json:"invoice_number"`
	Status         SaleStatus      `json:"status" validate:"required,oneof=pending completed cancelled refunded"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	ChangeAmount   decimal.Decimal `json:"change_amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	CustomerName   string          `json:"customer_name,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	CustomerPhone  string          `json:"customer_phone,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Items          []SaleItem      `json:"items,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BalanceDue is final_amount minus amount_paid, floored at zero.
func (s Sale) BalanceDue() decimal.Decimal {
	due := s.FinalAmount.Sub(s.AmountPaid)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

type SalesSummary struct {
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	AverageSale  decimal.Decimal `json:"average_sale"`
	TodayRevenue decimal.Decimal `json:"today_revenue"`
	TodaySales   int             `json:"today_sales"`
	TotalSales   int             `json:"total_sales"`
}

type SaleQuery struct {
	Status    string
	StartDate string
	EndDate   string
	Page      int
	Limit     int
}

type SaleList struct {
	Sales      []Sale       `json:"sales"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
	Summary    SalesSummary `json:"summary"`
}

type SaleLineRequest struct {
	ProductID ID              `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateSaleRequest struct {
	CustomerName   *string           `json:"customer_name"`
	CustomerEmail  *string           `json:"customer_email"`
	CustomerPhone  *string           `json:"customer_phone"`
	Items          []SaleLineRequest `json:"items"`
	DiscountAmount decimal.Decimal   `json:"discount_amount"`
	TaxAmount      decimal.Decimal   `json:"tax_amount"`
	AmountPaid     decimal.Decimal   `json:"amount_paid"`
	PaymentMethod  PaymentMethod     `json:"payment_method"`
	Notes          *string           `json:"notes"`
	CalculateTax   bool              `json:"calculate_tax"`
	TaxRate        decimal.Decimal   `json:"tax_rate"`
}

type CompleteSaleRequest struct {
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
}

type RefundSaleRequest struct {
	Notes string `json:"notes,omitempty"`
}

type UpstreamUser struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResult struct {
	Token string       `json:"token"`
	User  UpstreamUser `json:"user"`
}

type LoginResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   string       `json:"expires_at"`
	User        UpstreamUser `json:"user"`
}

type CartView struct {
	Phase    string       `json:"phase"`
	Lines    []CartLine   `json:"lines"`
	Customer CustomerInfo `json:"customer"`
	Payment  PaymentInfo  `json:"payment"`
	Totals   Totals       `json:"totals"`
}

type SaleView struct {
	Sale       Sale            `json:"sale"`
	BalanceDue decimal.Decimal `json:"balance_due"`
	Actions    []string        `json:"actions"`
}

type LifecycleEvent struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Username      string    `json:"username"`
	Action        string    `json:"action"`
	SaleID        string    `json:"sale_id,omitempty"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	OutcomeSucceeded = "succeeded"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

type HoldCartRequest struct {
	Note string `json:"note" validate:"max=200"`
}

type HeldCart struct {
	ID       string       `json:"id"`
	Username string       `json:"username"`
	Note     string       `json:"note"`
	Lines    []CartLine   `json:"lines"`
	Customer CustomerInfo `json:"customer"`
	Payment  PaymentInfo  `json:"payment"`
	HeldAt   time.Time    `json:"held_at"`
}

type HeldCartListResponse struct {
	Items []HeldCart `json:"items"`
}

type AddCartItemRequest struct {
	ProductID ID  `json:"product_id" validate:"required"`
	Quantity  int `json:"quantity" validate:"min=0,max=100000"`
}

type SetQuantityRequest struct {
	Quantity int `json:"quantity" validate:"min=0,max=100000"`
}

type CompletePaymentRequest struct {
	AmountPaid decimal.Decimal `json:"amount_paid"`
}

type RefundRequest struct {
	Notes string `json:"notes" validate:"max=500"`
}

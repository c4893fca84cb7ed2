package checkout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/cart"
	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/metrics"
	"checkoutdesk/gateway/internal/xid"
)

type Phase string

const (
	PhaseComposing  Phase = "composing"
	PhaseSubmitting Phase = "submitting"
	PhaseCreated    Phase = "created"
)

// SaleState is the in-flight state of a lifecycle request against one sale.
type SaleState string

const (
	StateCompletingPayment SaleState = "completing_payment"
	StateCancelling        SaleState = "cancelling"
	StateRefunding         SaleState = "refunding"
)

const refreshTimeout = 15 * time.Second

var (
	ErrEmptyCart           = apperror.Validation(apperror.CodeEmptyCart, "Please add items to cart")
	ErrInvalidPayment      = apperror.Validation(apperror.CodeInvalidPayment, "Amount paid cannot be negative")
	ErrInsufficientPayment = apperror.Validation(apperror.CodeInsufficientPayment, "insufficient payment")
	ErrSubmitInProgress    = apperror.Conflict(apperror.CodeSubmitInProgress, "A sale is already being submitted")
	ErrActionInProgress    = apperror.Conflict(apperror.CodeActionInProgress, "Another action is already in progress for this sale")
	ErrActionUnavailable   = apperror.Conflict(apperror.CodeActionUnavailable, "This action is not available for the sale")
)

// SalesAPI is the part of the backend the controller drives.
type SalesAPI interface {
	CreateSale(ctx context.Context, token string, req domain.CreateSaleRequest) (*domain.Sale, error)
	CompleteSale(ctx context.Context, token string, id domain.ID, req domain.CompleteSaleRequest) (*domain.Sale, error)
	CancelSale(ctx context.Context, token string, id domain.ID) (*domain.Sale, error)
	RefundSale(ctx context.Context, token string, id domain.ID, req domain.RefundSaleRequest) (*domain.Sale, error)
}

// Refresher re-fetches server state after a confirmed transition.
type Refresher interface {
	RefreshProducts(ctx context.Context) error
	RefreshSales(ctx context.Context) error
}

type Journal interface {
	AppendLifecycleEvent(ctx context.Context, event domain.LifecycleEvent) error
}

type Deps struct {
	Refresher Refresher
	Journal   Journal
	Metrics   *metrics.Metrics
	SessionID string
	Username  string

	// OnUnauthorized runs when a refresh finds the token rejected.
	OnUnauthorized func()
}

// Controller owns one terminal's cart and mediates every sale transition
// with the backend. The server's response is always taken as-is.
type Controller struct {
	api   SalesAPI
	token string
	deps  Deps

	mu       sync.Mutex
	cart     *cart.Cart
	phase    Phase
	last     *domain.Sale
	inflight map[domain.ID]SaleState
	settled  map[domain.ID]domain.SaleStatus
}

func New(api SalesAPI, token string, deps Deps) *Controller {
	return &Controller{
		api:      api,
		token:    token,
		deps:     deps,
		cart:     cart.New(),
		phase:    PhaseComposing,
		inflight: make(map[domain.ID]SaleState),
		settled:  make(map[domain.ID]domain.SaleStatus),
	}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// LastSale is the sale returned by the most recent successful submit.
func (c *Controller) LastSale() *domain.Sale {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	sale := *c.last
	return &sale
}

// Compose runs fn against the cart. The cart is frozen while a submit is in
// flight; editing after a created sale starts a new composition.
func (c *Controller) Compose(fn func(*cart.Cart) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseSubmitting {
		return ErrSubmitInProgress
	}
	if err := fn(c.cart); err != nil {
		return err
	}
	c.phase = PhaseComposing
	return nil
}

func (c *Controller) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cart.Lines()
}

func (c *Controller) Totals(payment domain.PaymentInfo) domain.Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cart.Totals(payment)
}

// UpdateStock applies a fresh stock check to the cart lines.
func (c *Controller) UpdateStock(stock map[domain.ID]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cart.UpdateStock(stock)
}

// Submit sends exactly one create-sale request. The cart is cleared only when
// the backend confirms; on any failure it is left as it was.
func (c *Controller) Submit(ctx context.Context, customer domain.CustomerInfo, payment domain.PaymentInfo) (*domain.Sale, error) {
	c.mu.Lock()
	if c.phase == PhaseSubmitting {
		c.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	if c.cart.Len() == 0 {
		c.mu.Unlock()
		return nil, ErrEmptyCart
	}
	if payment.AmountPaid.IsNegative() {
		c.mu.Unlock()
		return nil, ErrInvalidPayment
	}
	if err := cart.ValidatePayment(payment); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	req := buildCreateRequest(c.cart, customer, payment)
	c.phase = PhaseSubmitting
	c.mu.Unlock()

	sale, err := c.api.CreateSale(ctx, c.token, req)

	c.mu.Lock()
	if err != nil {
		c.phase = PhaseComposing
		c.mu.Unlock()
		c.record(ctx, domain.ActionSubmit, nil, err)
		return nil, err
	}
	c.cart.Clear()
	c.phase = PhaseCreated
	c.last = sale
	c.mu.Unlock()

	c.record(ctx, domain.ActionSubmit, sale, nil)
	c.refresh(ctx)
	return sale, nil
}

// CompletePending pays off a pending sale. amount is checked against the
// balance due before any request is made; the backend re-validates.
func (c *Controller) CompletePending(ctx context.Context, sale domain.Sale, amount decimal.Decimal) (*domain.Sale, error) {
	if sale.Status != domain.SaleStatusPending {
		return nil, ErrActionUnavailable
	}
	if !amount.IsPositive() {
		return nil, apperror.Validation(apperror.CodeInvalidPayment, "Please enter a valid payment amount")
	}
	due := sale.BalanceDue()
	if amount.LessThan(due) {
		return nil, apperror.Validation(apperror.CodeInsufficientPayment,
			fmt.Sprintf("Amount must be at least %s to complete this sale", domain.FormatMoney(due)))
	}
	if err := c.begin(sale.ID, StateCompletingPayment); err != nil {
		return nil, err
	}

	updated, err := c.api.CompleteSale(ctx, c.token, sale.ID, domain.CompleteSaleRequest{
		AmountPaid:    amount,
		PaymentMethod: sale.PaymentMethod,
	})
	c.finish(sale.ID, "", err)
	if err != nil {
		c.record(ctx, domain.ActionComplete, &sale, err)
		return nil, err
	}

	c.record(ctx, domain.ActionComplete, updated, nil)
	c.refresh(ctx)
	return updated, nil
}

// Cancel returns the backend's echo of the sale, or nil when it only sent a
// confirmation.
func (c *Controller) Cancel(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := c.beginTerminal(sale, StateCancelling); err != nil {
		return nil, err
	}

	updated, err := c.api.CancelSale(ctx, c.token, sale.ID)
	c.finish(sale.ID, domain.SaleStatusCancelled, err)
	if err != nil {
		c.record(ctx, domain.ActionCancel, &sale, err)
		return nil, err
	}

	c.record(ctx, domain.ActionCancel, echoOr(updated, sale), nil)
	c.refresh(ctx)
	return updated, nil
}

func (c *Controller) Refund(ctx context.Context, sale domain.Sale, notes string) (*domain.Sale, error) {
	if err := c.beginTerminal(sale, StateRefunding); err != nil {
		return nil, err
	}

	updated, err := c.api.RefundSale(ctx, c.token, sale.ID, domain.RefundSaleRequest{Notes: notes})
	c.finish(sale.ID, domain.SaleStatusRefunded, err)
	if err != nil {
		c.record(ctx, domain.ActionRefund, &sale, err)
		return nil, err
	}

	c.record(ctx, domain.ActionRefund, echoOr(updated, sale), nil)
	c.refresh(ctx)
	return updated, nil
}

// AvailableActions lists what may be offered for sale right now. Nothing is
// offered while a request for it is in flight or once a cancel or refund
// has been confirmed.
func (c *Controller) AvailableActions(sale domain.Sale) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[sale.ID]; busy {
		return []string{}
	}
	if _, done := c.settled[sale.ID]; done || sale.Status.Terminal() {
		return []string{}
	}
	switch sale.Status {
	case domain.SaleStatusPending:
		return []string{domain.ActionComplete}
	case domain.SaleStatusCompleted:
		return []string{domain.ActionCancel, domain.ActionRefund}
	}
	return []string{}
}

// State reports the in-flight state of a sale, if any.
func (c *Controller) State(id domain.ID) (SaleState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.inflight[id]
	return state, ok
}

func (c *Controller) beginTerminal(sale domain.Sale, state SaleState) error {
	c.mu.Lock()
	_, done := c.settled[sale.ID]
	c.mu.Unlock()
	if done || sale.Status != domain.SaleStatusCompleted {
		return ErrActionUnavailable
	}
	return c.begin(sale.ID, state)
}

func (c *Controller) begin(id domain.ID, state SaleState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return ErrActionInProgress
	}
	if _, done := c.settled[id]; done {
		return ErrActionUnavailable
	}
	c.inflight[id] = state
	return nil
}

func (c *Controller) finish(id domain.ID, settled domain.SaleStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
	if err == nil && settled != "" {
		c.settled[id] = settled
	}
}

// refresh re-fetches products and sales concurrently. Failures are logged
// and never undo the confirmed transition. A rejected token still ends the
// session through OnUnauthorized.
func (c *Controller) refresh(ctx context.Context) {
	r := c.deps.Refresher
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		return c.refreshOne(ctx, "products", r.RefreshProducts)
	})
	g.Go(func() error {
		return c.refreshOne(ctx, "sales", r.RefreshSales)
	})
	if err := g.Wait(); err != nil && c.deps.OnUnauthorized != nil {
		c.deps.OnUnauthorized()
	}
}

// refreshOne returns only an unauthorized error; anything else is logged.
func (c *Controller) refreshOne(ctx context.Context, target string, fn func(context.Context) error) error {
	err := fn(ctx)
	c.deps.Metrics.ObserveRefresh(target, err)
	if err == nil {
		return nil
	}
	log.Printf("[checkout] refresh %s failed: %v", target, err)
	if apperror.IsKind(err, apperror.KindUnauthorized) {
		return err
	}
	return nil
}

func (c *Controller) record(ctx context.Context, action string, sale *domain.Sale, err error) {
	event := domain.LifecycleEvent{
		ID:        xid.New("evt"),
		SessionID: c.deps.SessionID,
		Username:  c.deps.Username,
		Action:    action,
		Outcome:   outcomeOf(err),
		CreatedAt: time.Now().UTC(),
	}
	if sale != nil {
		event.SaleID = sale.ID.String()
		event.InvoiceNumber = sale.InvoiceNumber
	}
	if err != nil {
		event.Detail = err.Error()
	}

	c.deps.Metrics.ObserveLifecycle(action, event.Outcome)
	if c.deps.Journal == nil {
		return
	}
	if jerr := c.deps.Journal.AppendLifecycleEvent(context.WithoutCancel(ctx), event); jerr != nil {
		log.Printf("[checkout] journal %s failed: %v", action, jerr)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return domain.OutcomeSucceeded
	case apperror.IsKind(err, apperror.KindRequestFailed):
		return domain.OutcomeFailed
	default:
		return domain.OutcomeRejected
	}
}

func echoOr(updated *domain.Sale, sale domain.Sale) *domain.Sale {
	if updated != nil {
		return updated
	}
	return &sale
}

// buildCreateRequest packages the cart for POST /sales. Empty customer fields
// and notes go out as null; tax is sent both as the local estimate and as a
// rate so the backend can compute its own.
func buildCreateRequest(c *cart.Cart, customer domain.CustomerInfo, payment domain.PaymentInfo) domain.CreateSaleRequest {
	totals := c.Totals(payment)
	lines := c.Lines()
	items := make([]domain.SaleLineRequest, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.SaleLineRequest{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return domain.CreateSaleRequest{
		CustomerName:   optional(customer.Name),
		CustomerEmail:  optional(customer.Email),
		CustomerPhone:  optional(customer.Phone),
		Items:          items,
		DiscountAmount: totals.Discount,
		TaxAmount:      totals.Tax,
		AmountPaid:     payment.AmountPaid,
		PaymentMethod:  payment.Method,
		Notes:          optional(payment.Notes),
		CalculateTax:   true,
		TaxRate:        payment.TaxRate,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

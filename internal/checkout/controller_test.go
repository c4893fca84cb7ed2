package checkout

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/cart"
	"checkoutdesk/gateway/internal/domain"
)

type fakeSalesAPI struct {
	mu        sync.Mutex
	creates   []domain.CreateSaleRequest
	completes int
	cancels   int
	refunds   int

	createErr error
	actionErr error
	block     chan struct{}
	entered   chan struct{}
}

// CreateSale mimics the backend: completed when paid in full, pending otherwise.
func (f *fakeSalesAPI) CreateSale(_ context.Context, _ string, req domain.CreateSaleRequest) (*domain.Sale, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return nil, f.createErr
	}

	subtotal := decimal.Zero
	for _, item := range req.Items {
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	final := subtotal.Sub(req.DiscountAmount).Add(req.TaxAmount)
	status := domain.SaleStatusPending
	if req.AmountPaid.GreaterThanOrEqual(final) {
		status = domain.SaleStatusCompleted
	}
	return &domain.Sale{
		ID:            "101",
		InvoiceNumber: "INV-0101",
		Status:        status,
		TotalAmount:   subtotal,
		FinalAmount:   final,
		AmountPaid:    req.AmountPaid,
		PaymentMethod: req.PaymentMethod,
	}, nil
}

func (f *fakeSalesAPI) CompleteSale(_ context.Context, _ string, id domain.ID, req domain.CompleteSaleRequest) (*domain.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes++
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	return &domain.Sale{ID: id, Status: domain.SaleStatusCompleted, AmountPaid: req.AmountPaid, PaymentMethod: req.PaymentMethod}, nil
}

func (f *fakeSalesAPI) CancelSale(_ context.Context, _ string, _ domain.ID) (*domain.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil, f.actionErr
}

func (f *fakeSalesAPI) RefundSale(_ context.Context, _ string, id domain.ID, _ domain.RefundSaleRequest) (*domain.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	return &domain.Sale{ID: id, Status: domain.SaleStatusRefunded}, nil
}

type countingRefresher struct {
	products atomic.Int32
	sales    atomic.Int32
	fail     bool
	expired  bool
}

func (r *countingRefresher) RefreshProducts(context.Context) error {
	r.products.Add(1)
	if r.fail {
		return errors.New("products unavailable")
	}
	return nil
}

func (r *countingRefresher) RefreshSales(context.Context) error {
	r.sales.Add(1)
	if r.expired {
		return apperror.Unauthorized("")
	}
	return nil
}

type memoryJournal struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (j *memoryJournal) AppendLifecycleEvent(_ context.Context, event domain.LifecycleEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newController(api SalesAPI) (*Controller, *countingRefresher, *memoryJournal) {
	refresher := &countingRefresher{}
	journal := &memoryJournal{}
	ctrl := New(api, "tok", Deps{Refresher: refresher, Journal: journal, SessionID: "sess-1", Username: "cashier"})
	return ctrl, refresher, journal
}

func fillScenarioCart(t *testing.T, ctrl *Controller) {
	t.Helper()
	err := ctrl.Compose(func(c *cart.Cart) error {
		return c.AddItem(domain.Product{ID: "1", Name: "Widget", SellingPrice: dec("100"), CurrentStock: 10}, 2)
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
}

func scenarioPayment(paid string) domain.PaymentInfo {
	return domain.PaymentInfo{Method: domain.PaymentCash, Discount: dec("50"), TaxRate: dec("8"), AmountPaid: dec(paid)}
}

func TestSubmitPaidInFullCreatesCompletedSale(t *testing.T) {
	api := &fakeSalesAPI{}
	ctrl, refresher, journal := newController(api)
	fillScenarioCart(t, ctrl)

	sale, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("162.00"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed sale, got %s", sale.Status)
	}
	if len(api.creates) != 1 {
		t.Fatalf("expected exactly one create request, got %d", len(api.creates))
	}
	req := api.creates[0]
	if !req.TaxAmount.Equal(dec("12")) || !req.DiscountAmount.Equal(dec("50")) || req.CustomerName != nil {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(ctrl.Lines()) != 0 || ctrl.Phase() != PhaseCreated {
		t.Fatalf("expected cleared cart in created phase")
	}
	if refresher.products.Load() != 1 || refresher.sales.Load() != 1 {
		t.Fatalf("expected one refresh of each list, got %d/%d", refresher.products.Load(), refresher.sales.Load())
	}
	if len(journal.events) != 1 || journal.events[0].Outcome != domain.OutcomeSucceeded || journal.events[0].InvoiceNumber != "INV-0101" {
		t.Fatalf("unexpected journal %+v", journal.events)
	}
}

func TestSubmitPartialPaymentIsPendingWithBalanceDue(t *testing.T) {
	ctrl, _, _ := newController(&fakeSalesAPI{})
	fillScenarioCart(t, ctrl)

	sale, err := ctrl.Submit(context.Background(), domain.CustomerInfo{Name: "Ana"}, scenarioPayment("100.00"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sale.Status != domain.SaleStatusPending {
		t.Fatalf("expected pending sale, got %s", sale.Status)
	}
	if !sale.BalanceDue().Equal(dec("62")) {
		t.Fatalf("expected balance due 62, got %s", sale.BalanceDue())
	}
	if !slices.Equal(ctrl.AvailableActions(*sale), []string{domain.ActionComplete}) {
		t.Fatalf("expected only complete for a pending sale")
	}
}

func TestSubmitTrustsServerStatus(t *testing.T) {
	// The backend decides; a local "paid in full" estimate must not override it.
	ctrl, _, _ := newController(&serverDecides{status: domain.SaleStatusPending})
	fillScenarioCart(t, ctrl)

	sale, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("500"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sale.Status != domain.SaleStatusPending {
		t.Fatalf("expected server status to be returned verbatim, got %s", sale.Status)
	}
}

type serverDecides struct {
	fakeSalesAPI
	status domain.SaleStatus
}

func (s *serverDecides) CreateSale(context.Context, string, domain.CreateSaleRequest) (*domain.Sale, error) {
	return &domain.Sale{ID: "7", Status: s.status}, nil
}

func TestSubmitEmptyCartMakesNoRequest(t *testing.T) {
	api := &fakeSalesAPI{}
	ctrl, _, _ := newController(api)

	_, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("0"))
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	if len(api.creates) != 0 {
		t.Fatalf("expected no request")
	}
}

func TestSubmitNegativePaymentMakesNoRequest(t *testing.T) {
	api := &fakeSalesAPI{}
	ctrl, _, _ := newController(api)
	fillScenarioCart(t, ctrl)

	_, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("-1"))
	if !errors.Is(err, ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment, got %v", err)
	}
	if len(api.creates) != 0 {
		t.Fatalf("expected no request")
	}
}

func TestSubmitFailureLeavesCartUntouched(t *testing.T) {
	api := &fakeSalesAPI{createErr: apperror.ServerRejected(http.StatusBadRequest, "Insufficient stock for Widget", nil)}
	ctrl, refresher, journal := newController(api)
	fillScenarioCart(t, ctrl)
	before := ctrl.Lines()

	_, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("162"))
	if err == nil || err.Error() != "Insufficient stock for Widget" {
		t.Fatalf("expected server message verbatim, got %v", err)
	}
	if ctrl.Phase() != PhaseComposing {
		t.Fatalf("expected return to composing, got %s", ctrl.Phase())
	}
	after := ctrl.Lines()
	if len(after) != len(before) || after[0].Quantity != before[0].Quantity {
		t.Fatalf("expected cart untouched, got %+v", after)
	}
	if refresher.products.Load() != 0 {
		t.Fatalf("failed submit must not refresh")
	}
	if journal.events[0].Outcome != domain.OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %s", journal.events[0].Outcome)
	}
}

func TestSecondSubmitWhileInFlightIsRejected(t *testing.T) {
	api := &fakeSalesAPI{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	ctrl, _, _ := newController(api)
	fillScenarioCart(t, ctrl)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("162"))
		done <- err
	}()
	<-api.entered

	if ctrl.Phase() != PhaseSubmitting {
		t.Fatalf("expected submitting phase, got %s", ctrl.Phase())
	}
	if _, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("162")); !errors.Is(err, ErrSubmitInProgress) {
		t.Fatalf("expected ErrSubmitInProgress, got %v", err)
	}
	err := ctrl.Compose(func(c *cart.Cart) error { c.Clear(); return nil })
	if !errors.Is(err, ErrSubmitInProgress) {
		t.Fatalf("expected cart to be frozen while submitting, got %v", err)
	}

	close(api.block)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if len(api.creates) != 1 {
		t.Fatalf("expected one create request, got %d", len(api.creates))
	}
}

func TestCompletePendingRejectsInsufficientPaymentLocally(t *testing.T) {
	api := &fakeSalesAPI{}
	ctrl, refresher, _ := newController(api)
	sale := domain.Sale{ID: "5", Status: domain.SaleStatusPending, FinalAmount: dec("162"), AmountPaid: dec("100"), PaymentMethod: domain.PaymentCard}

	_, err := ctrl.CompletePending(context.Background(), sale, dec("50.00"))
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}
	if err.Error() != "Amount must be at least 62.00 to complete this sale" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if api.completes != 0 || refresher.sales.Load() != 0 {
		t.Fatalf("expected no request and no refresh")
	}
	if _, busy := ctrl.State(sale.ID); busy {
		t.Fatalf("expected no in-flight state")
	}
}

func TestCompletePendingSendsSaleMethod(t *testing.T) {
	api := &fakeSalesAPI{}
	ctrl, refresher, _ := newController(api)
	sale := domain.Sale{ID: "5", Status: domain.SaleStatusPending, FinalAmount: dec("162"), AmountPaid: dec("100"), PaymentMethod: domain.PaymentCard}

	updated, err := ctrl.CompletePending(context.Background(), sale, dec("62"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if updated.Status != domain.SaleStatusCompleted || updated.PaymentMethod != domain.PaymentCard {
		t.Fatalf("unexpected sale %+v", updated)
	}
	if refresher.products.Load() != 1 || refresher.sales.Load() != 1 {
		t.Fatalf("expected refresh after completion")
	}
}

func TestCompletePendingFailureKeepsSalePending(t *testing.T) {
	api := &fakeSalesAPI{actionErr: apperror.RequestFailed(errors.New("connection reset"))}
	ctrl, _, journal := newController(api)
	sale := domain.Sale{ID: "5", Status: domain.SaleStatusPending, FinalAmount: dec("10"), PaymentMethod: domain.PaymentCash}

	if _, err := ctrl.CompletePending(context.Background(), sale, dec("10")); !apperror.IsKind(err, apperror.KindRequestFailed) {
		t.Fatalf("expected request failure, got %v", err)
	}
	if !slices.Equal(ctrl.AvailableActions(sale), []string{domain.ActionComplete}) {
		t.Fatalf("expected complete to stay available for retry")
	}
	if journal.events[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", journal.events[0].Outcome)
	}
}

func TestNoCancelOrRefundForNonCompletedSales(t *testing.T) {
	ctrl, _, _ := newController(&fakeSalesAPI{})
	for _, status := range []domain.SaleStatus{domain.SaleStatusPending, domain.SaleStatusCancelled, domain.SaleStatusRefunded} {
		actions := ctrl.AvailableActions(domain.Sale{ID: "9", Status: status})
		if slices.Contains(actions, domain.ActionCancel) || slices.Contains(actions, domain.ActionRefund) {
			t.Fatalf("status %s must not offer cancel or refund, got %v", status, actions)
		}
	}
	if _, err := ctrl.Cancel(context.Background(), domain.Sale{ID: "9", Status: domain.SaleStatusCancelled}); !errors.Is(err, ErrActionUnavailable) {
		t.Fatalf("expected ErrActionUnavailable, got %v", err)
	}
}

func TestTerminalSalesOfferNothing(t *testing.T) {
	ctrl, _, _ := newController(&fakeSalesAPI{})
	for _, status := range []domain.SaleStatus{domain.SaleStatusCancelled, domain.SaleStatusRefunded} {
		if actions := ctrl.AvailableActions(domain.Sale{ID: "9", Status: status}); len(actions) != 0 {
			t.Fatalf("status %s must offer no action, got %v", status, actions)
		}
	}
}

func TestConfirmedCancelIsNeverReissued(t *testing.T) {
	api := &fakeSalesAPI{}
	ctrl, refresher, _ := newController(api)
	sale := domain.Sale{ID: "3", Status: domain.SaleStatusCompleted}

	if !slices.Equal(ctrl.AvailableActions(sale), []string{domain.ActionCancel, domain.ActionRefund}) {
		t.Fatalf("expected cancel and refund for a completed sale")
	}
	if _, err := ctrl.Cancel(context.Background(), sale); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A stale view still says completed; the controller remembers the confirmation.
	if len(ctrl.AvailableActions(sale)) != 0 {
		t.Fatalf("expected no actions after confirmed cancel")
	}
	if _, err := ctrl.Cancel(context.Background(), sale); !errors.Is(err, ErrActionUnavailable) {
		t.Fatalf("expected second cancel to be refused, got %v", err)
	}
	if _, err := ctrl.Refund(context.Background(), sale, ""); !errors.Is(err, ErrActionUnavailable) {
		t.Fatalf("expected refund after cancel to be refused, got %v", err)
	}
	if api.cancels != 1 || api.refunds != 0 {
		t.Fatalf("expected one cancel request, got %d cancels %d refunds", api.cancels, api.refunds)
	}
	if refresher.products.Load() != 1 {
		t.Fatalf("expected one refresh")
	}
}

func TestFailedRefundCanBeRetried(t *testing.T) {
	api := &fakeSalesAPI{actionErr: apperror.ServerRejected(http.StatusInternalServerError, "", nil)}
	ctrl, _, _ := newController(api)
	sale := domain.Sale{ID: "4", Status: domain.SaleStatusCompleted}

	if _, err := ctrl.Refund(context.Background(), sale, "damaged"); err == nil || err.Error() != apperror.MsgServer {
		t.Fatalf("expected server fallback message, got %v", err)
	}
	api.actionErr = nil
	updated, err := ctrl.Refund(context.Background(), sale, "damaged")
	if err != nil {
		t.Fatalf("retry refund: %v", err)
	}
	if updated.Status != domain.SaleStatusRefunded {
		t.Fatalf("expected refunded echo, got %s", updated.Status)
	}
}

func TestRefreshFailureDoesNotUndoTransition(t *testing.T) {
	api := &fakeSalesAPI{}
	refresher := &countingRefresher{fail: true}
	ctrl := New(api, "tok", Deps{Refresher: refresher})
	fillScenarioCart(t, ctrl)

	sale, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("162"))
	if err != nil || sale == nil {
		t.Fatalf("expected submit to succeed despite refresh failure, got %v", err)
	}
	if refresher.sales.Load() != 1 {
		t.Fatalf("expected sales refresh to run independently")
	}
}

func TestRejectedTokenDuringRefreshRunsHook(t *testing.T) {
	var ended atomic.Int32
	refresher := &countingRefresher{fail: true}
	ctrl := New(&fakeSalesAPI{}, "tok", Deps{Refresher: refresher, OnUnauthorized: func() { ended.Add(1) }})
	fillScenarioCart(t, ctrl)
	if _, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("162")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ended.Load() != 0 {
		t.Fatalf("a plain refresh failure must not end the session")
	}

	refresher.expired = true
	fillScenarioCart(t, ctrl)
	sale, err := ctrl.Submit(context.Background(), domain.CustomerInfo{}, scenarioPayment("162"))
	if err != nil || sale == nil {
		t.Fatalf("expected the confirmed sale despite the rejected refresh, got %v", err)
	}
	if ended.Load() != 1 {
		t.Fatalf("expected the session hook to run once, got %d", ended.Load())
	}
}

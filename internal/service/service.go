package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/cache"
	"checkoutdesk/gateway/internal/cart"
	"checkoutdesk/gateway/internal/checkout"
	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/metrics"
	"checkoutdesk/gateway/internal/pagination"
	"checkoutdesk/gateway/internal/report"
	"checkoutdesk/gateway/internal/session"
	"checkoutdesk/gateway/internal/store"
	"checkoutdesk/gateway/internal/upstream"
	"checkoutdesk/gateway/internal/xid"
)

const (
	heldCartLimit   = 200
	lookupLimit     = 20
	defaultEventMax = 100
)

var ErrCartNotEmpty = apperror.Conflict("cart_not_empty", "Hold or clear the current cart first")

type sessionContextKey struct{}

func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return sess, ok && sess != nil
}

// Backend is the inventory API as the gateway uses it.
type Backend interface {
	session.Backend
	Login(ctx context.Context, email string, password string) (*domain.LoginResult, error)
	Me(ctx context.Context, token string) (*domain.UpstreamUser, error)
}

type Config struct {
	Backend        Backend
	Repo           store.Repository
	Catalog        cache.CatalogCache
	CatalogTTL     time.Duration
	Sessions       *session.Manager
	Metrics        *metrics.Metrics
	DefaultTaxRate decimal.Decimal
}

type Service struct {
	backend    Backend
	repo       store.Repository
	catalog    cache.CatalogCache
	catalogTTL time.Duration
	sessions   *session.Manager
	metrics    *metrics.Metrics
	defaultTax decimal.Decimal
	validate   *validator.Validate
}

func New(cfg Config) *Service {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewManager(0, cfg.Metrics)
	}
	return &Service{
		backend:    cfg.Backend,
		repo:       cfg.Repo,
		catalog:    catalog,
		catalogTTL: cfg.CatalogTTL,
		sessions:   sessions,
		metrics:    cfg.Metrics,
		defaultTax: cfg.DefaultTaxRate,
		validate:   validator.New(),
	}
}

// Session resolves a live session by id. A missing or idle session reads as
// an expired login.
func (s *Service) Session(id string) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, apperror.Unauthorized("")
	}
	return sess, nil
}

func (s *Service) Login(ctx context.Context, req domain.LoginRequest) (*session.Session, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}

	result, err := s.backend.Login(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}

	id := xid.New("sess")
	sess := session.New(session.Config{
		ID:             id,
		Token:          result.Token,
		User:           result.User,
		Backend:        s.backend,
		Catalog:        s.catalog,
		CatalogTTL:     s.catalogTTL,
		Journal:        s.repo,
		Metrics:        s.metrics,
		DefaultTaxRate: s.defaultTax,
		OnUnauthorized: func() { s.expire(id, result.User.Email) },
	})
	s.sessions.Add(sess)
	log.Printf("[service] session opened user=%s session=%s", result.User.Email, sess.ID)
	return sess, nil
}

// Logout drops the session and everything it holds, including any
// unsubmitted cart.
func (s *Service) Logout(ctx context.Context) error {
	sess, err := s.current(ctx)
	if err != nil {
		return err
	}
	s.sessions.End(sess.ID)
	log.Printf("[service] session closed user=%s session=%s", sess.User.Email, sess.ID)
	return nil
}

func (s *Service) Me(ctx context.Context) (domain.UpstreamUser, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.UpstreamUser{}, err
	}
	user, err := s.backend.Me(ctx, sess.Token)
	if err != nil {
		return domain.UpstreamUser{}, s.guard(sess, err)
	}
	return *user, nil
}

// ListProducts serves a catalog page, from the cache when it holds one.
func (s *Service) ListProducts(ctx context.Context, q domain.ProductQuery) (*domain.ProductList, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	params := pagination.Params{Page: q.Page, Limit: q.Limit}
	params.Validate()
	q.Page, q.Limit = params.Page, params.Limit
	q.Search = strings.TrimSpace(q.Search)

	key := cache.ProductKey(q)
	if cached, ok, err := s.catalog.Get(ctx, key); err != nil {
		log.Printf("[service] catalog read failed key=%s: %v", key, err)
	} else if ok {
		sess.RememberProducts(cached.Products)
		return cached, nil
	}

	list, err := s.backend.ListProducts(ctx, sess.Token, q)
	if err != nil {
		return nil, s.guard(sess, err)
	}
	sess.RememberProducts(list.Products)
	if err := s.catalog.Set(ctx, key, list, s.catalogTTL); err != nil {
		log.Printf("[service] catalog write failed key=%s: %v", key, err)
	}
	return list, nil
}

// LookupProducts matches term against name and SKU of every product this
// session has seen. An empty snapshot is loaded once first.
func (s *Service) LookupProducts(ctx context.Context, term string) ([]domain.Product, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []domain.Product{}, nil
	}

	products := sess.Products()
	if len(products) == 0 {
		if err := sess.RefreshProducts(ctx); err != nil {
			return nil, s.guard(sess, err)
		}
		products = sess.Products()
	}

	matches := make([]domain.Product, 0)
	for _, p := range products {
		if strings.Contains(strings.ToLower(p.Name), term) || strings.Contains(strings.ToLower(p.SKU), term) {
			matches = append(matches, p)
		}
	}
	slices.SortFunc(matches, func(a, b domain.Product) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	if len(matches) > lookupLimit {
		matches = matches[:lookupLimit]
	}
	return matches, nil
}

func (s *Service) Cart(ctx context.Context) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	return cartView(sess), nil
}

func (s *Service) AddCartItem(ctx context.Context, req domain.AddCartItemRequest) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.CartView{}, err
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	product, err := s.product(ctx, sess, req.ProductID)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := sess.Checkout.Compose(func(c *cart.Cart) error {
		return c.AddItem(product, req.Quantity)
	}); err != nil {
		return domain.CartView{}, err
	}
	return cartView(sess), nil
}

// SetCartQuantity removes the line when quantity drops below one.
func (s *Service) SetCartQuantity(ctx context.Context, productID domain.ID, quantity int) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := sess.Checkout.Compose(func(c *cart.Cart) error {
		return c.SetQuantity(productID, quantity)
	}); err != nil {
		return domain.CartView{}, err
	}
	return cartView(sess), nil
}

func (s *Service) RemoveCartItem(ctx context.Context, productID domain.ID) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := sess.Checkout.Compose(func(c *cart.Cart) error {
		c.RemoveItem(productID)
		return nil
	}); err != nil {
		return domain.CartView{}, err
	}
	return cartView(sess), nil
}

// ClearCart discards the composition together with its payment and customer
// drafts.
func (s *Service) ClearCart(ctx context.Context) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := sess.Checkout.Compose(func(c *cart.Cart) error {
		c.Clear()
		return nil
	}); err != nil {
		return domain.CartView{}, err
	}
	sess.ResetDrafts()
	return cartView(sess), nil
}

func (s *Service) SetPayment(ctx context.Context, payment domain.PaymentInfo) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	payment.Notes = strings.TrimSpace(payment.Notes)
	if err := sess.SetPayment(payment); err != nil {
		return domain.CartView{}, err
	}
	return cartView(sess), nil
}

func (s *Service) SetCustomer(ctx context.Context, customer domain.CustomerInfo) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Email = strings.TrimSpace(customer.Email)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if err := s.validateStruct(customer); err != nil {
		return domain.CartView{}, err
	}
	sess.SetCustomer(customer)
	return cartView(sess), nil
}

// Checkout submits the cart as a new sale. The drafts are reset only once the
// backend has accepted it.
func (s *Service) Checkout(ctx context.Context) (domain.SaleView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.SaleView{}, err
	}
	sale, err := sess.Checkout.Submit(ctx, sess.Customer(), sess.Payment())
	if err != nil {
		return domain.SaleView{}, s.guard(sess, err)
	}
	sess.ResetDrafts()
	sess.RememberSale(*sale)
	log.Printf("[service] sale created user=%s invoice=%s status=%s", sess.User.Email, sale.InvoiceNumber, sale.Status)
	return saleView(sess, *sale), nil
}

type SalesPage struct {
	Sales      []domain.SaleView     `json:"sales"`
	Summary    domain.SalesSummary   `json:"summary"`
	Pagination pagination.Pagination `json:"pagination"`
}

func (s *Service) ListSales(ctx context.Context, q domain.SaleQuery) (SalesPage, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return SalesPage{}, err
	}
	params := pagination.Params{Page: q.Page, Limit: q.Limit}
	params.Validate()
	q.Page, q.Limit = params.Page, params.Limit
	q.Status = strings.TrimSpace(q.Status)
	if q.Status != "" && q.Status != "all" && !validSaleStatus(q.Status) {
		return SalesPage{}, apperror.Validation(apperror.CodeInvalidInput, fmt.Sprintf("unknown sale status %q", q.Status))
	}

	list, err := s.backend.ListSales(ctx, sess.Token, q)
	if err != nil {
		return SalesPage{}, s.guard(sess, err)
	}
	sess.RememberSalesPage(q, list)
	return salesPage(sess, list), nil
}

func (s *Service) GetSale(ctx context.Context, id domain.ID) (domain.SaleView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.SaleView{}, err
	}
	sale, err := s.fetchSale(ctx, sess, id)
	if err != nil {
		return domain.SaleView{}, err
	}
	return saleView(sess, sale), nil
}

// Receipt always reads the sale from the backend so item detail is present.
func (s *Service) Receipt(ctx context.Context, id domain.ID) (report.Receipt, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return report.Receipt{}, err
	}
	sale, err := s.fetchSale(ctx, sess, id)
	if err != nil {
		return report.Receipt{}, err
	}
	soldBy := sess.User.Name
	if soldBy == "" {
		soldBy = sess.User.Email
	}
	return report.NewReceipt(sale, soldBy), nil
}

// ExportSales renders the sales page the terminal is looking at as CSV.
func (s *Service) ExportSales(ctx context.Context) ([]byte, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	page := sess.SalesPage()
	if page == nil {
		q := sess.SalesQuery()
		page, err = s.backend.ListSales(ctx, sess.Token, q)
		if err != nil {
			return nil, s.guard(sess, err)
		}
		sess.RememberSalesPage(q, page)
	}
	return report.SalesCSV(page.Sales)
}

func (s *Service) CompleteSale(ctx context.Context, id domain.ID, req domain.CompletePaymentRequest) (domain.SaleView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.SaleView{}, err
	}
	sale, err := s.knownSale(ctx, sess, id)
	if err != nil {
		return domain.SaleView{}, err
	}
	updated, err := sess.Checkout.CompletePending(ctx, sale, req.AmountPaid)
	if err != nil {
		return domain.SaleView{}, s.guard(sess, err)
	}
	return s.afterAction(sess, sale, domain.SaleStatusCompleted, updated), nil
}

func (s *Service) CancelSale(ctx context.Context, id domain.ID) (domain.SaleView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.SaleView{}, err
	}
	sale, err := s.knownSale(ctx, sess, id)
	if err != nil {
		return domain.SaleView{}, err
	}
	updated, err := sess.Checkout.Cancel(ctx, sale)
	if err != nil {
		return domain.SaleView{}, s.guard(sess, err)
	}
	return s.afterAction(sess, sale, domain.SaleStatusCancelled, updated), nil
}

func (s *Service) RefundSale(ctx context.Context, id domain.ID, req domain.RefundRequest) (domain.SaleView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.SaleView{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.SaleView{}, err
	}
	sale, err := s.knownSale(ctx, sess, id)
	if err != nil {
		return domain.SaleView{}, err
	}
	updated, err := sess.Checkout.Refund(ctx, sale, strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.SaleView{}, s.guard(sess, err)
	}
	return s.afterAction(sess, sale, domain.SaleStatusRefunded, updated), nil
}

// HoldCart parks the current composition for later and starts a fresh one.
func (s *Service) HoldCart(ctx context.Context, req domain.HoldCartRequest) (domain.HeldCart, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.HeldCart{}, err
	}
	req.Note = strings.TrimSpace(req.Note)
	if err := s.validateStruct(req); err != nil {
		return domain.HeldCart{}, err
	}
	lines := sess.Checkout.Lines()
	if len(lines) == 0 {
		return domain.HeldCart{}, checkout.ErrEmptyCart
	}

	held := domain.HeldCart{
		ID:       xid.New("hold"),
		Username: sess.User.Email,
		Note:     req.Note,
		Lines:    lines,
		Customer: sess.Customer(),
		Payment:  sess.Payment(),
		HeldAt:   time.Now().UTC(),
	}
	saved, err := s.repo.CreateHeldCart(ctx, held)
	if err != nil {
		return domain.HeldCart{}, storeError(err, "held cart")
	}

	if err := sess.Checkout.Compose(func(c *cart.Cart) error {
		c.Clear()
		return nil
	}); err != nil {
		if derr := s.repo.DeleteHeldCart(context.WithoutCancel(ctx), saved.ID, saved.Username); derr != nil {
			log.Printf("[service] WARN: failed to drop held cart %s after compose error: %v", saved.ID, derr)
		}
		return domain.HeldCart{}, err
	}
	sess.ResetDrafts()
	log.Printf("[service] cart held user=%s hold=%s items=%d", saved.Username, saved.ID, len(saved.Lines))
	return *saved, nil
}

func (s *Service) ListHeldCarts(ctx context.Context) (domain.HeldCartListResponse, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.HeldCartListResponse{}, err
	}
	items, err := s.repo.ListHeldCarts(ctx, sess.User.Email, heldCartLimit)
	if err != nil {
		return domain.HeldCartListResponse{}, storeError(err, "held cart")
	}
	return domain.HeldCartListResponse{Items: items}, nil
}

// ResumeHeldCart restores a parked cart into an empty composition and
// re-checks its stock against the backend.
func (s *Service) ResumeHeldCart(ctx context.Context, holdID string) (domain.CartView, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return domain.CartView{}, apperror.NotFound("held cart")
	}
	if len(sess.Checkout.Lines()) > 0 {
		return domain.CartView{}, ErrCartNotEmpty
	}

	held, err := s.repo.PopHeldCart(ctx, holdID, sess.User.Email)
	if err != nil {
		return domain.CartView{}, storeError(err, "held cart")
	}
	if err := sess.Checkout.Compose(func(c *cart.Cart) error {
		return c.Restore(held.Lines)
	}); err != nil {
		if _, rerr := s.repo.CreateHeldCart(context.WithoutCancel(ctx), *held); rerr != nil {
			log.Printf("[service] WARN: failed to re-park held cart %s: %v", held.ID, rerr)
		}
		return domain.CartView{}, err
	}
	if err := sess.SetPayment(held.Payment); err != nil {
		sess.ResetDrafts()
	}
	sess.SetCustomer(held.Customer)

	if err := sess.RefreshProducts(ctx); err != nil {
		if upstream.IsUnauthorized(err) {
			return domain.CartView{}, s.guard(sess, err)
		}
		log.Printf("[service] stock re-check after resume failed hold=%s: %v", held.ID, err)
	}
	log.Printf("[service] cart resumed user=%s hold=%s items=%d", held.Username, held.ID, len(held.Lines))
	return cartView(sess), nil
}

func (s *Service) DiscardHeldCart(ctx context.Context, holdID string) error {
	sess, err := s.current(ctx)
	if err != nil {
		return err
	}
	holdID = strings.TrimSpace(holdID)
	if holdID == "" {
		return apperror.NotFound("held cart")
	}
	if err := s.repo.DeleteHeldCart(ctx, holdID, sess.User.Email); err != nil {
		return storeError(err, "held cart")
	}
	return nil
}

// ListLifecycleEvents returns the journal of the signed-in user, newest first.
func (s *Service) ListLifecycleEvents(ctx context.Context, filter store.EventFilter) ([]domain.LifecycleEvent, error) {
	sess, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	filter.Username = sess.User.Email
	filter.SaleID = strings.TrimSpace(filter.SaleID)
	filter.Action = strings.TrimSpace(filter.Action)
	if filter.Limit <= 0 || filter.Limit > defaultEventMax {
		filter.Limit = defaultEventMax
	}
	events, err := s.repo.ListLifecycleEvents(ctx, filter)
	if err != nil {
		return nil, storeError(err, "lifecycle event")
	}
	return events, nil
}

// SweepSessions ends every idle session.
func (s *Service) SweepSessions() int {
	return s.sessions.Sweep()
}

func (s *Service) current(ctx context.Context) (*session.Session, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return nil, apperror.Unauthorized("")
	}
	return sess, nil
}

// guard ends the session when the backend no longer accepts its token.
func (s *Service) guard(sess *session.Session, err error) error {
	if upstream.IsUnauthorized(err) {
		s.expire(sess.ID, sess.User.Email)
	}
	return err
}

func (s *Service) expire(id string, user string) {
	if s.sessions.End(id) {
		log.Printf("[service] session expired by backend user=%s session=%s", user, id)
	}
}

// product resolves a product from the session snapshot, re-reading stock
// once when it is not there yet.
func (s *Service) product(ctx context.Context, sess *session.Session, id domain.ID) (domain.Product, error) {
	if p, ok := sess.Product(id); ok {
		return p, nil
	}
	if err := sess.RefreshProducts(ctx); err != nil {
		return domain.Product{}, s.guard(sess, err)
	}
	if p, ok := sess.Product(id); ok {
		return p, nil
	}
	return domain.Product{}, apperror.NotFound("product")
}

// knownSale returns the sale as the terminal last saw it, falling back to the
// backend for a sale not on any page viewed so far.
func (s *Service) knownSale(ctx context.Context, sess *session.Session, id domain.ID) (domain.Sale, error) {
	if sale, ok := sess.Sale(id); ok {
		return sale, nil
	}
	return s.fetchSale(ctx, sess, id)
}

func (s *Service) fetchSale(ctx context.Context, sess *session.Session, id domain.ID) (domain.Sale, error) {
	sale, err := s.backend.GetSale(ctx, sess.Token, id)
	if err != nil {
		return domain.Sale{}, s.guard(sess, err)
	}
	sess.RememberSale(*sale)
	return *sale, nil
}

// afterAction prefers the backend's echo and otherwise the refreshed record.
// A record the refresh did not reach still carries the old status, so the
// confirmed one is applied to it.
func (s *Service) afterAction(sess *session.Session, before domain.Sale, status domain.SaleStatus, updated *domain.Sale) domain.SaleView {
	if updated != nil {
		sess.RememberSale(*updated)
		return saleView(sess, *updated)
	}
	sale, ok := sess.Sale(before.ID)
	if !ok {
		sale = before
	}
	if sale.Status == before.Status {
		sale.Status = status
		sess.RememberSale(sale)
	}
	return saleView(sess, sale)
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation(apperror.CodeInvalidInput, err.Error())
	}
	fields := make([]apperror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperror.FieldError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()),
		})
	}
	return apperror.NewValidationError(fields)
}

func storeError(err error, resource string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperror.NotFound(resource)
	case errors.Is(err, store.ErrInvalidInput):
		return apperror.Validation(apperror.CodeInvalidInput, "invalid "+resource)
	}
	return err
}

func cartView(sess *session.Session) domain.CartView {
	payment := sess.Payment()
	return domain.CartView{
		Phase:    string(sess.Checkout.Phase()),
		Lines:    sess.Checkout.Lines(),
		Customer: sess.Customer(),
		Payment:  payment,
		Totals:   sess.Checkout.Totals(payment),
	}
}

func saleView(sess *session.Session, sale domain.Sale) domain.SaleView {
	return domain.SaleView{
		Sale:       sale,
		BalanceDue: sale.BalanceDue(),
		Actions:    sess.Checkout.AvailableActions(sale),
	}
}

func salesPage(sess *session.Session, list *domain.SaleList) SalesPage {
	views := make([]domain.SaleView, 0, len(list.Sales))
	for _, sale := range list.Sales {
		views = append(views, saleView(sess, sale))
	}
	return SalesPage{
		Sales:      views,
		Summary:    list.Summary,
		Pagination: pagination.New(list.Page, list.Limit, list.Total, list.TotalPages),
	}
}

func validSaleStatus(status string) bool {
	switch domain.SaleStatus(status) {
	case domain.SaleStatusPending, domain.SaleStatusCompleted, domain.SaleStatusCancelled, domain.SaleStatusRefunded:
		return true
	}
	return false
}

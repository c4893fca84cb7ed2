package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/cache"
	"checkoutdesk/gateway/internal/cart"
	"checkoutdesk/gateway/internal/checkout"
	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/metrics"
)

// StockQuery is the catalog query re-fetched after every sale transition.
var StockQuery = domain.ProductQuery{Status: "active", Page: 1, Limit: 100}

// maxStockPages bounds a stock refresh to 5000 products.
const maxStockPages = 50

const defaultSalesLimit = 20

// Backend is everything a session reads from the inventory API.
type Backend interface {
	checkout.SalesAPI
	ListProducts(ctx context.Context, token string, q domain.ProductQuery) (*domain.ProductList, error)
	ListSales(ctx context.Context, token string, q domain.SaleQuery) (*domain.SaleList, error)
	GetSale(ctx context.Context, token string, id domain.ID) (*domain.Sale, error)
}

type Config struct {
	ID             string
	Token          string
	User           domain.UpstreamUser
	Backend        Backend
	Catalog        cache.CatalogCache
	CatalogTTL     time.Duration
	Journal        checkout.Journal
	Metrics        *metrics.Metrics
	DefaultTaxRate decimal.Decimal
	// OnUnauthorized runs when a refresh finds the token rejected.
	OnUnauthorized func()
}

// Session is the application context of one signed-in terminal: backend
// credentials, the checkout controller and the server views it last saw.
// It is populated at login and dropped at logout or when the backend
// rejects the token.
type Session struct {
	ID        string
	Token     string
	User      domain.UpstreamUser
	CreatedAt time.Time
	Checkout  *checkout.Controller

	backend    Backend
	catalog    cache.CatalogCache
	catalogTTL time.Duration
	defaultTax decimal.Decimal

	mu         sync.Mutex
	payment    domain.PaymentInfo
	customer   domain.CustomerInfo
	products   map[domain.ID]domain.Product
	sales      map[domain.ID]domain.Sale
	salesQuery domain.SaleQuery
	salesPage  *domain.SaleList
	lastSeen   time.Time
}

func New(cfg Config) *Session {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	now := time.Now()
	s := &Session{
		ID:         cfg.ID,
		Token:      cfg.Token,
		User:       cfg.User,
		CreatedAt:  now,
		backend:    cfg.Backend,
		catalog:    catalog,
		catalogTTL: cfg.CatalogTTL,
		defaultTax: cfg.DefaultTaxRate,
		payment:    cart.DefaultPayment(cfg.DefaultTaxRate),
		products:   make(map[domain.ID]domain.Product),
		sales:      make(map[domain.ID]domain.Sale),
		salesQuery: domain.SaleQuery{Page: 1, Limit: defaultSalesLimit},
		lastSeen:   now,
	}
	s.Checkout = checkout.New(cfg.Backend, cfg.Token, checkout.Deps{
		Refresher:      s,
		Journal:        cfg.Journal,
		Metrics:        cfg.Metrics,
		SessionID:      cfg.ID,
		Username:       cfg.User.Email,
		OnUnauthorized: cfg.OnUnauthorized,
	})
	return s
}

func (s *Session) Payment() domain.PaymentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payment
}

func (s *Session) SetPayment(p domain.PaymentInfo) error {
	if err := cart.ValidatePayment(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.payment = p
	s.mu.Unlock()
	return nil
}

func (s *Session) Customer() domain.CustomerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customer
}

func (s *Session) SetCustomer(c domain.CustomerInfo) {
	s.mu.Lock()
	s.customer = c
	s.mu.Unlock()
}

// ResetDrafts returns payment and customer to a fresh checkout.
func (s *Session) ResetDrafts() {
	s.mu.Lock()
	s.payment = cart.DefaultPayment(s.defaultTax)
	s.customer = domain.CustomerInfo{}
	s.mu.Unlock()
}

// Product looks up the last known record for a product.
func (s *Session) Product(id domain.ID) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// Products lists the catalog snapshot in no particular order.
func (s *Session) Products() []domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	return out
}

func (s *Session) RememberProducts(products []domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.products[p.ID] = p
	}
}

// Sale returns the last known record for a sale, as the backend sent it.
func (s *Session) Sale(id domain.ID) (domain.Sale, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[id]
	return sale, ok
}

func (s *Session) RememberSale(sale domain.Sale) {
	s.mu.Lock()
	s.sales[sale.ID] = sale
	s.mu.Unlock()
}

func (s *Session) SalesQuery() domain.SaleQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salesQuery
}

// RememberSalesPage records the page the terminal is looking at; it is the
// page re-fetched after a transition.
func (s *Session) RememberSalesPage(q domain.SaleQuery, list *domain.SaleList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.salesQuery = q
	s.salesPage = list
	for _, sale := range list.Sales {
		s.sales[sale.ID] = sale
	}
}

func (s *Session) SalesPage() *domain.SaleList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salesPage
}

// RefreshProducts re-reads stock for the whole active catalog, page by page,
// bypassing and then rewriting the catalog cache.
func (s *Session) RefreshProducts(ctx context.Context) error {
	pages := make(map[string]*domain.ProductList)
	stock := make(map[domain.ID]int)
	q := StockQuery
	for q.Page = 1; q.Page <= maxStockPages; q.Page++ {
		list, err := s.backend.ListProducts(ctx, s.Token, q)
		if err != nil {
			return err
		}
		s.RememberProducts(list.Products)
		for _, p := range list.Products {
			stock[p.ID] = p.CurrentStock
		}
		pages[cache.ProductKey(q)] = list
		if q.Page >= list.TotalPages || len(list.Products) == 0 {
			break
		}
	}
	s.Checkout.UpdateStock(stock)

	if err := s.catalog.Purge(ctx); err != nil {
		log.Printf("[session] catalog purge failed: %v", err)
	}
	for key, list := range pages {
		if err := s.catalog.Set(ctx, key, list, s.catalogTTL); err != nil {
			log.Printf("[session] catalog write failed: %v", err)
		}
	}
	return nil
}

// RefreshSales re-reads the sales page the terminal last viewed.
func (s *Session) RefreshSales(ctx context.Context) error {
	q := s.SalesQuery()
	list, err := s.backend.ListSales(ctx, s.Token, q)
	if err != nil {
		return err
	}
	s.RememberSalesPage(q, list)
	return nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

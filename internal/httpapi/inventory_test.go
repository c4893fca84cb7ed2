package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/metrics"
	"checkoutdesk/gateway/internal/service"
	"checkoutdesk/gateway/internal/session"
	"checkoutdesk/gateway/internal/store/memory"
	"checkoutdesk/gateway/internal/upstream"
)

const upstreamToken = "up-tok"

// fakeInventory is a small stand-in for the inventory REST API.
type fakeInventory struct {
	mu      sync.Mutex
	sales   map[domain.ID]domain.Sale
	next    int
	expired bool
	creates int
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{sales: make(map[domain.ID]domain.Sale)}
}

func (f *fakeInventory) setExpired(expired bool) {
	f.mu.Lock()
	f.expired = expired
	f.mu.Unlock()
}

func (f *fakeInventory) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req domain.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			upstreamJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid credentials"})
			return
		}
		upstreamJSON(w, http.StatusOK, map[string]any{
			"token": upstreamToken,
			"user":  map[string]any{"id": 1, "name": "Kasir", "email": req.Email},
		})
	})
	mux.HandleFunc("GET /auth/me", f.authed(func(w http.ResponseWriter, _ *http.Request) {
		upstreamJSON(w, http.StatusOK, map[string]any{"user": map[string]any{"id": 1, "name": "Kasir", "email": "kasir@example.com"}})
	}))
	mux.HandleFunc("GET /products", f.authed(func(w http.ResponseWriter, _ *http.Request) {
		upstreamJSON(w, http.StatusOK, map[string]any{
			"products": []map[string]any{
				{"id": 1, "name": "Widget", "sku": "WID-1", "selling_price": 10, "current_stock": 5},
				{"id": 2, "name": "Gadget", "sku": "GAD-2", "selling_price": 25, "current_stock": 1},
			},
			"total":      2,
			"totalPages": 1,
		})
	}))
	mux.HandleFunc("POST /sales", f.authed(f.createSale))
	mux.HandleFunc("GET /sales", f.authed(f.listSales))
	mux.HandleFunc("GET /sales/{id}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		sale, ok := f.sales[domain.ID(r.PathValue("id"))]
		f.mu.Unlock()
		if !ok {
			upstreamJSON(w, http.StatusNotFound, map[string]any{"message": "Sale not found"})
			return
		}
		upstreamJSON(w, http.StatusOK, map[string]any{"data": sale})
	}))
	mux.HandleFunc("PUT /sales/{id}/complete", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req domain.CompleteSaleRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sale := f.update(r.PathValue("id"), func(s *domain.Sale) {
			s.AmountPaid = s.AmountPaid.Add(req.AmountPaid)
			s.Status = domain.SaleStatusCompleted
		})
		upstreamJSON(w, http.StatusOK, map[string]any{"data": sale})
	}))
	mux.HandleFunc("PUT /sales/{id}/cancel", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.update(r.PathValue("id"), func(s *domain.Sale) { s.Status = domain.SaleStatusCancelled })
		upstreamJSON(w, http.StatusOK, map[string]any{"message": "Sale cancelled"})
	}))
	mux.HandleFunc("PUT /sales/{id}/refund", f.authed(func(w http.ResponseWriter, r *http.Request) {
		sale := f.update(r.PathValue("id"), func(s *domain.Sale) { s.Status = domain.SaleStatusRefunded })
		upstreamJSON(w, http.StatusOK, map[string]any{"message": "Sale refunded", "data": sale})
	}))
	return mux
}

func (f *fakeInventory) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		expired := f.expired
		f.mu.Unlock()
		if expired || r.Header.Get("Authorization") != "Bearer "+upstreamToken {
			upstreamJSON(w, http.StatusUnauthorized, map[string]any{"message": "Token expired"})
			return
		}
		next(w, r)
	}
}

func (f *fakeInventory) createSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		upstreamJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.next++
	subtotal := decimal.Zero
	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, item := range req.Items {
		line := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		subtotal = subtotal.Add(line)
		items = append(items, domain.SaleItem{ProductID: item.ProductID, ProductName: "Widget", Quantity: item.Quantity, UnitPrice: item.UnitPrice, TotalPrice: line})
	}
	final := subtotal.Sub(req.DiscountAmount).Add(req.TaxAmount)
	status := domain.SaleStatusCompleted
	change := req.AmountPaid.Sub(final)
	if req.AmountPaid.LessThan(final) {
		status = domain.SaleStatusPending
		change = decimal.Zero
	}
	sale := domain.Sale{
		ID:             domain.ID(strconv.Itoa(f.next)),
		InvoiceNumber:  "INV-000" + strconv.Itoa(f.next),
		Status:         status,
		TotalAmount:    subtotal,
		DiscountAmount: req.DiscountAmount,
		TaxAmount:      req.TaxAmount,
		FinalAmount:    final,
		AmountPaid:     req.AmountPaid,
		ChangeAmount:   change,
		PaymentMethod:  req.PaymentMethod,
		Items:          items,
		CreatedAt:      time.Date(2024, 5, 1, 9, 0, f.next, 0, time.UTC),
	}
	f.sales[sale.ID] = sale
	upstreamJSON(w, http.StatusCreated, map[string]any{"data": sale})
}

func (f *fakeInventory) listSales(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	sales := make([]domain.Sale, 0, len(f.sales))
	for _, sale := range f.sales {
		sales = append(sales, sale)
	}
	f.mu.Unlock()
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.After(sales[j].CreatedAt) })

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	upstreamJSON(w, http.StatusOK, map[string]any{
		"sales":      sales,
		"total":      len(sales),
		"page":       page,
		"limit":      limit,
		"totalPages": 1,
		"summary":    map[string]any{"total_sales": len(sales)},
	})
}

func (f *fakeInventory) update(id string, fn func(*domain.Sale)) domain.Sale {
	f.mu.Lock()
	defer f.mu.Unlock()
	sale := f.sales[domain.ID(id)]
	fn(&sale)
	f.sales[sale.ID] = sale
	return sale
}

func upstreamJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// newTestAPI wires the real gateway stack against a fake inventory API so
// handler tests exercise the complete request path.
func newTestAPI(t *testing.T, managerPIN string) (*API, *fakeInventory) {
	t.Helper()

	inventory := newFakeInventory()
	server := httptest.NewServer(inventory.handler())
	t.Cleanup(server.Close)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	svc := service.New(service.Config{
		Backend:  upstream.New(server.URL, 5*time.Second, m),
		Repo:     memory.New(),
		Sessions: session.NewManager(time.Hour, m),
		Metrics:  m,
	})
	auth := NewAuthManager("test-secret-key-that-is-long-enough", time.Hour, managerPIN)
	return New(svc, auth, Options{AllowedOrigins: []string{"http://till.local"}, Gatherer: registry}), inventory
}

func call(t *testing.T, h http.Handler, method string, path string, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: "kasir@example.com", Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if resp.AccessToken == "" || resp.User.Email != "kasir@example.com" {
		t.Fatalf("unexpected login response %+v", resp)
	}
	return resp.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return out
}

// sellOne logs in, puts one widget in the cart and checks out with paid.
func sellOne(t *testing.T, h http.Handler, paid int64) (string, domain.SaleView) {
	t.Helper()
	token := login(t, h)
	if rec := call(t, h, http.MethodPost, "/api/v1/cart/items", token, domain.AddCartItemRequest{ProductID: "1"}); rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payment := map[string]any{"method": "cash", "amount_paid": paid, "discount": 0, "tax_rate": 0}
	if rec := call(t, h, http.MethodPut, "/api/v1/cart/payment", token, payment); rec.Code != http.StatusOK {
		t.Fatalf("set payment: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := call(t, h, http.MethodPost, "/api/v1/checkout", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return token, decodeBody[domain.SaleView](t, rec)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/pagination"
	"checkoutdesk/gateway/internal/service"
	"checkoutdesk/gateway/internal/store"
)

const (
	maxBodyBytes   = 1 << 20
	managerPINHead = "X-Manager-PIN"
)

type Options struct {
	AllowedOrigins []string
	LoginURL       string
	Gatherer       prometheus.Gatherer
}

type API struct {
	service      *service.Service
	auth         *AuthManager
	opts         Options
	loginLimiter *clientLimiter
	pinLimiter   *clientLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.LoginURL == "" {
		opts.LoginURL = "/login"
	}
	return &API{
		service:      svc,
		auth:         auth,
		opts:         opts,
		loginLimiter: newClientLimiter(5, time.Minute),
		pinLimiter:   newClientLimiter(8, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", a.requireSession(a.handleLogout)).Methods(http.MethodPost)
	v1.HandleFunc("/auth/me", a.requireSession(a.handleMe)).Methods(http.MethodGet)

	v1.HandleFunc("/products", a.requireSession(a.handleProducts)).Methods(http.MethodGet)
	v1.HandleFunc("/products/lookup", a.requireSession(a.handleProductLookup)).Methods(http.MethodGet)

	v1.HandleFunc("/cart", a.requireSession(a.handleCart)).Methods(http.MethodGet)
	v1.HandleFunc("/cart", a.requireSession(a.handleClearCart)).Methods(http.MethodDelete)
	v1.HandleFunc("/cart/items", a.requireSession(a.handleAddCartItem)).Methods(http.MethodPost)
	v1.HandleFunc("/cart/items/{productID}", a.requireSession(a.handleSetCartQuantity)).Methods(http.MethodPut)
	v1.HandleFunc("/cart/items/{productID}", a.requireSession(a.handleRemoveCartItem)).Methods(http.MethodDelete)
	v1.HandleFunc("/cart/payment", a.requireSession(a.handleSetPayment)).Methods(http.MethodPut)
	v1.HandleFunc("/cart/customer", a.requireSession(a.handleSetCustomer)).Methods(http.MethodPut)
	v1.HandleFunc("/checkout", a.requireSession(a.handleCheckout)).Methods(http.MethodPost)

	v1.HandleFunc("/sales", a.requireSession(a.handleSales)).Methods(http.MethodGet)
	v1.HandleFunc("/sales/export", a.requireSession(a.handleSalesExport)).Methods(http.MethodGet)
	v1.HandleFunc("/sales/{id}", a.requireSession(a.handleSale)).Methods(http.MethodGet)
	v1.HandleFunc("/sales/{id}/receipt", a.requireSession(a.handleReceipt)).Methods(http.MethodGet)
	v1.HandleFunc("/sales/{id}/complete", a.requireSession(a.handleCompleteSale)).Methods(http.MethodPost)
	v1.HandleFunc("/sales/{id}/cancel", a.requireSession(a.requireManagerPIN(a.handleCancelSale))).Methods(http.MethodPost)
	v1.HandleFunc("/sales/{id}/refund", a.requireSession(a.requireManagerPIN(a.handleRefundSale))).Methods(http.MethodPost)

	v1.HandleFunc("/carts/hold", a.requireSession(a.handleListHeldCarts)).Methods(http.MethodGet)
	v1.HandleFunc("/carts/hold", a.requireSession(a.handleHoldCart)).Methods(http.MethodPost)
	v1.HandleFunc("/carts/hold/{id}/resume", a.requireSession(a.handleResumeHeldCart)).Methods(http.MethodPost)
	v1.HandleFunc("/carts/hold/{id}", a.requireSession(a.handleDiscardHeldCart)).Methods(http.MethodDelete)

	v1.HandleFunc("/lifecycle-events", a.requireSession(a.handleLifecycleEvents)).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: a.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", managerPINHead},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	})
	return c.Handler(a.withMiddleware(r))
}

// requireSession resolves the bearer token to a live session.
func (a *API) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeAppError(w, apperror.Unauthorized("missing bearer token"))
			return
		}

		principal, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.writeAppError(w, apperror.Unauthorized(""))
			return
		}
		sess, err := a.service.Session(principal.SessionID)
		if err != nil {
			a.writeAppError(w, err)
			return
		}
		if sess.User.Email != principal.Username {
			a.writeAppError(w, apperror.Unauthorized(""))
			return
		}

		next(w, r.WithContext(service.WithSession(r.Context(), sess)))
	}
}

// requireManagerPIN gates an action behind the manager PIN when one is
// configured.
func (a *API) requireManagerPIN(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.auth.PINRequired() {
			next(w, r)
			return
		}
		if !a.pinLimiter.Allow("pin:" + clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get(managerPINHead)) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
		next(w, r)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := a.service.Login(r.Context(), req)
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	token, expiresAt, err := a.auth.Issue(sess.User.Email, sess.ID)
	if err != nil {
		a.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.LoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		User:        sess.User,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Logout(r.Context()); err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := a.service.Me(r.Context())
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := pagination.FromQuery(query)
	list, err := a.service.ListProducts(r.Context(), domain.ProductQuery{
		Status:     query.Get("status"),
		CategoryID: query.Get("category_id"),
		SupplierID: query.Get("supplier_id"),
		Search:     query.Get("search"),
		Page:       page.Page,
		Limit:      page.Limit,
	})
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"products":   list.Products,
		"pagination": pagination.New(page.Page, page.Limit, list.Total, list.TotalPages),
	})
}

func (a *API) handleProductLookup(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.LookupProducts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Cart(r.Context())
	a.writeCart(w, view, err)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCart(r.Context())
	a.writeCart(w, view, err)
}

func (a *API) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	var req domain.AddCartItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddCartItem(r.Context(), req)
	a.writeCart(w, view, err)
}

func (a *API) handleSetCartQuantity(w http.ResponseWriter, r *http.Request) {
	var req domain.SetQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetCartQuantity(r.Context(), domain.ID(mux.Vars(r)["productID"]), req.Quantity)
	a.writeCart(w, view, err)
}

func (a *API) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveCartItem(r.Context(), domain.ID(mux.Vars(r)["productID"]))
	a.writeCart(w, view, err)
}

func (a *API) handleSetPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentInfo
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetPayment(r.Context(), req)
	a.writeCart(w, view, err)
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerInfo
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetCustomer(r.Context(), req)
	a.writeCart(w, view, err)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.Checkout(r.Context())
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := pagination.FromQuery(query)
	result, err := a.service.ListSales(r.Context(), domain.SaleQuery{
		Status:    query.Get("status"),
		StartDate: query.Get("start_date"),
		EndDate:   query.Get("end_date"),
		Page:      page.Page,
		Limit:     page.Limit,
	})
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSalesExport(w http.ResponseWriter, r *http.Request) {
	body, err := a.service.ExportSales(r.Context())
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="sales.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *API) handleSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), domain.ID(mux.Vars(r)["id"]))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.Receipt(r.Context(), domain.ID(mux.Vars(r)["id"]))
	if err != nil {
		a.writeAppError(w, err)
		return
	}

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	switch format {
	case "", "html":
		body, err := receipt.HTML()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case "pdf":
		body, err := receipt.PDF()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `inline; filename="receipt-`+sanitizeFilename(receipt.Sale.InvoiceNumber)+`.pdf"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	default:
		writeError(w, http.StatusBadRequest, errors.New("format must be html or pdf"))
	}
}

func (a *API) handleCompleteSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CompletePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.CompleteSale(r.Context(), domain.ID(mux.Vars(r)["id"]), req)
	a.writeSale(w, sale, err)
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.CancelSale(r.Context(), domain.ID(mux.Vars(r)["id"]))
	a.writeSale(w, sale, err)
}

func (a *API) handleRefundSale(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sale, err := a.service.RefundSale(r.Context(), domain.ID(mux.Vars(r)["id"]), req)
	a.writeSale(w, sale, err)
}

func (a *API) handleListHeldCarts(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListHeldCarts(r.Context())
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleHoldCart(w http.ResponseWriter, r *http.Request) {
	var req domain.HoldCartRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	held, err := a.service.HoldCart(r.Context(), req)
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"held_cart": held})
}

func (a *API) handleResumeHeldCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ResumeHeldCart(r.Context(), mux.Vars(r)["id"])
	a.writeCart(w, view, err)
}

func (a *API) handleDiscardHeldCart(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardHeldCart(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleLifecycleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	events, err := a.service.ListLifecycleEvents(r.Context(), store.EventFilter{
		SaleID: query.Get("sale_id"),
		Action: query.Get("action"),
		Limit:  parsePositiveLimit(query.Get("limit"), 50, 100),
	})
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) writeCart(w http.ResponseWriter, view domain.CartView, err error) {
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) writeSale(w http.ResponseWriter, sale domain.SaleView, err error) {
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cache-Control", "no-store")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(startedAt))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// writeAppError answers with the status the error maps to. Session expiry
// carries the login URL so the terminal can navigate there.
func (a *API) writeAppError(w http.ResponseWriter, err error) {
	appErr, ok := apperror.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := apperror.HTTPStatus(err)
	body := map[string]any{
		"error": appErr.Message,
		"code":  appErr.Code,
	}
	if len(appErr.Fields) > 0 {
		body["errors"] = appErr.Fields
	}
	if appErr.Kind == apperror.KindUnauthorized {
		body["login_url"] = a.opts.LoginURL
	}
	if status >= 500 && appErr.Err != nil {
		log.Printf("upstream error (status %d): %v", status, appErr.Err)
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

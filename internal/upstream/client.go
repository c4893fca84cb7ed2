package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"checkoutdesk/gateway/internal/apperror"
	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/metrics"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
)

const msgMalformed = "Unexpected response from server."

// Client talks to the inventory backend. Every call carries the caller's
// bearer token; the client itself holds no credentials.
type Client struct {
	baseURL  string
	http     *http.Client
	validate *validator.Validate
	metrics  *metrics.Metrics
}

func New(baseURL string, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		validate: validator.New(),
		metrics:  m,
	}
}

// Login exchanges credentials for a backend token. A 401 here means bad
// credentials, not an expired session.
func (c *Client) Login(ctx context.Context, email string, password string) (*domain.LoginResult, error) {
	var env loginEnvelope
	body := domain.LoginRequest{Email: email, Password: password}
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", "", nil, body, &env); err != nil {
		if appErr, ok := apperror.As(err); ok && appErr.Kind == apperror.KindUnauthorized {
			return nil, apperror.ServerRejected(http.StatusUnauthorized, appErr.Message, nil)
		}
		return nil, err
	}
	return &domain.LoginResult{Token: env.Token, User: *env.User}, nil
}

func (c *Client) Me(ctx context.Context, token string) (*domain.UpstreamUser, error) {
	var env userEnvelope
	if err := c.do(ctx, "me", http.MethodGet, "/auth/me", token, nil, nil, &env); err != nil {
		return nil, err
	}
	return env.User, nil
}

func (c *Client) ListProducts(ctx context.Context, token string, q domain.ProductQuery) (*domain.ProductList, error) {
	params := url.Values{}
	setParam(params, "status", q.Status)
	setParam(params, "category_id", q.CategoryID)
	setParam(params, "supplier_id", q.SupplierID)
	setParam(params, "search", q.Search)
	setIntParam(params, "page", q.Page)
	setIntParam(params, "limit", q.Limit)

	var env productListEnvelope
	if err := c.do(ctx, "list_products", http.MethodGet, "/products", token, params, nil, &env); err != nil {
		return nil, err
	}
	list := &domain.ProductList{Products: env.Products, Total: env.Total, TotalPages: env.TotalPages}
	if list.Products == nil {
		list.Products = []domain.Product{}
	}
	if list.TotalPages < 1 {
		list.TotalPages = 1
	}
	return list, nil
}

func (c *Client) CreateSale(ctx context.Context, token string, req domain.CreateSaleRequest) (*domain.Sale, error) {
	var env saleEnvelope
	if err := c.do(ctx, "create_sale", http.MethodPost, "/sales", token, nil, req, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) GetSale(ctx context.Context, token string, id domain.ID) (*domain.Sale, error) {
	var env saleEnvelope
	if err := c.do(ctx, "get_sale", http.MethodGet, salePath(id, ""), token, nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) CompleteSale(ctx context.Context, token string, id domain.ID, req domain.CompleteSaleRequest) (*domain.Sale, error) {
	var env saleEnvelope
	if err := c.do(ctx, "complete_sale", http.MethodPut, salePath(id, "complete"), token, nil, req, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// CancelSale returns the updated sale when the backend echoes it, nil otherwise.
func (c *Client) CancelSale(ctx context.Context, token string, id domain.ID) (*domain.Sale, error) {
	var env actionEnvelope
	if err := c.do(ctx, "cancel_sale", http.MethodPut, salePath(id, "cancel"), token, nil, struct{}{}, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) RefundSale(ctx context.Context, token string, id domain.ID, req domain.RefundSaleRequest) (*domain.Sale, error) {
	var env actionEnvelope
	if err := c.do(ctx, "refund_sale", http.MethodPut, salePath(id, "refund"), token, nil, req, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) ListSales(ctx context.Context, token string, q domain.SaleQuery) (*domain.SaleList, error) {
	params := url.Values{}
	setIntParam(params, "page", q.Page)
	setIntParam(params, "limit", q.Limit)
	if q.Status != "" && q.Status != "all" {
		params.Set("status", q.Status)
	}
	setParam(params, "startDate", q.StartDate)
	setParam(params, "endDate", q.EndDate)

	var env saleListEnvelope
	if err := c.do(ctx, "list_sales", http.MethodGet, "/sales", token, params, nil, &env); err != nil {
		return nil, err
	}
	list := &domain.SaleList{
		Sales:      env.Sales,
		Total:      env.Total,
		Page:       env.Page,
		Limit:      env.Limit,
		TotalPages: env.TotalPages,
	}
	if env.Summary != nil {
		list.Summary = *env.Summary
	}
	if list.Sales == nil {
		list.Sales = []domain.Sale{}
	}
	if list.Page < 1 {
		list.Page = 1
	}
	if list.Limit < 1 {
		list.Limit = 20
	}
	if list.TotalPages < 1 {
		list.TotalPages = 1
	}
	return list, nil
}

func (c *Client) do(ctx context.Context, endpoint string, method string, path string, token string, query url.Values, body any, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(endpoint, "error", time.Since(started))
		log.Printf("[upstream] %s %s failed: %v", method, path, err)
		return apperror.RequestFailed(err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveUpstream(endpoint, strconv.Itoa(resp.StatusCode), time.Since(started))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return apperror.RequestFailed(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		message, _ := decodeErrorBody(raw)
		return apperror.Unauthorized(message)
	}
	if resp.StatusCode >= 400 {
		message, fields := decodeErrorBody(raw)
		return apperror.ServerRejected(resp.StatusCode, message, fields)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("[upstream] %s %s: undecodable body: %v", method, path, err)
		return malformed(resp.StatusCode, err)
	}
	if err := c.validate.Struct(out); err != nil {
		log.Printf("[upstream] %s %s: envelope rejected: %v", method, path, err)
		return malformed(resp.StatusCode, err)
	}
	return nil
}

func malformed(status int, err error) error {
	appErr := apperror.ServerRejected(status, msgMalformed, nil)
	appErr.Err = err
	return appErr
}

// decodeErrorBody reads {message, errors}. errors may be a field->message
// object, a list of {field|path|param, message|msg} objects or plain strings.
func decodeErrorBody(raw []byte) (string, []apperror.FieldError) {
	var body errorEnvelope
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &body) != nil {
		return "", nil
	}
	message := body.Message
	if message == "" {
		message = body.Error
	}
	return message, decodeFieldErrors(body.Errors)
}

func decodeFieldErrors(raw json.RawMessage) []apperror.FieldError {
	if len(raw) == 0 {
		return nil
	}

	var byField map[string]string
	if err := json.Unmarshal(raw, &byField); err == nil {
		keys := make([]string, 0, len(byField))
		for k := range byField {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]apperror.FieldError, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, apperror.FieldError{Field: k, Message: byField[k]})
		}
		return fields
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	fields := make([]apperror.FieldError, 0, len(list))
	for _, item := range list {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			fields = append(fields, apperror.FieldError{Message: text})
			continue
		}
		var entry fieldEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		fields = append(fields, entry.fieldError())
	}
	return fields
}

func salePath(id domain.ID, action string) string {
	path := "/sales/" + url.PathEscape(id.String())
	if action != "" {
		path += "/" + action
	}
	return path
}

func setParam(params url.Values, key string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		params.Set(key, value)
	}
}

func setIntParam(params url.Values, key string, value int) {
	if value > 0 {
		params.Set(key, strconv.Itoa(value))
	}
}

// IsUnauthorized reports whether the backend no longer accepts the token.
func IsUnauthorized(err error) bool {
	var appErr *apperror.Error
	return errors.As(err, &appErr) && appErr.Kind == apperror.KindUnauthorized
}

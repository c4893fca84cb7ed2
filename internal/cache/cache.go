package cache

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"checkoutdesk/gateway/internal/domain"
)

const catalogPrefix = "checkoutdesk:catalog:"

// CatalogCache keeps upstream product-list pages keyed by query.
type CatalogCache interface {
	Get(ctx context.Context, key string) (*domain.ProductList, bool, error)
	Set(ctx context.Context, key string, value *domain.ProductList, ttl time.Duration) error
	Purge(ctx context.Context) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) (*domain.ProductList, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ *domain.ProductList, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Purge(_ context.Context) error {
	return nil
}

// ProductKey is stable for equal queries regardless of field order.
func ProductKey(q domain.ProductQuery) string {
	params := url.Values{}
	params.Set("status", q.Status)
	params.Set("category_id", q.CategoryID)
	params.Set("supplier_id", q.SupplierID)
	params.Set("search", q.Search)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))
	return fmt.Sprintf("%s%s", catalogPrefix, params.Encode())
}

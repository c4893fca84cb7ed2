package store

import (
	"context"
	"errors"

	"checkoutdesk/gateway/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Repository holds what the gateway itself owns: the lifecycle journal and
// parked carts. Sales and stock always live in the backend.
type Repository interface {
	AppendLifecycleEvent(ctx context.Context, event domain.LifecycleEvent) error
	ListLifecycleEvents(ctx context.Context, filter EventFilter) ([]domain.LifecycleEvent, error)
	CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error)
	ListHeldCarts(ctx context.Context, username string, limit int) ([]domain.HeldCart, error)
	PopHeldCart(ctx context.Context, holdID string, username string) (*domain.HeldCart, error)
	DeleteHeldCart(ctx context.Context, holdID string, username string) error
}

// EventFilter narrows a journal listing. Zero values match everything.
type EventFilter struct {
	Username string
	SaleID   string
	Action   string
	Limit    int
}

package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/store"
	"checkoutdesk/gateway/internal/xid"
)

const defaultEventLimit = 100

type Store struct {
	mu            sync.RWMutex
	events        []domain.LifecycleEvent
	heldCartsByID map[string]domain.HeldCart
}

func New() *Store {
	return &Store{
		events:        make([]domain.LifecycleEvent, 0, 128),
		heldCartsByID: make(map[string]domain.HeldCart),
	}
}

func (s *Store) AppendLifecycleEvent(_ context.Context, event domain.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(event.Action) == "" || strings.TrimSpace(event.Outcome) == "" {
		return store.ErrInvalidInput
	}
	s.events = append(s.events, event)
	return nil
}

func (s *Store) ListLifecycleEvents(_ context.Context, filter store.EventFilter) ([]domain.LifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LifecycleEvent, 0, 64)
	for i := len(s.events) - 1; i >= 0; i-- {
		event := s.events[i]
		if filter.Username != "" && event.Username != filter.Username {
			continue
		}
		if filter.SaleID != "" && event.SaleID != filter.SaleID {
			continue
		}
		if filter.Action != "" && event.Action != filter.Action {
			continue
		}
		result = append(result, event)
	}

	slices.SortStableFunc(result, func(a, b domain.LifecycleEvent) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	limit := filter.Limit
	if limit < 1 {
		limit = defaultEventLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateHeldCart(_ context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	if held.Username == "" || len(held.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.heldCartsByID[held.ID] = cloneHeldCart(held)
	saved := cloneHeldCart(held)
	return &saved, nil
}

func (s *Store) ListHeldCarts(_ context.Context, username string, limit int) ([]domain.HeldCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.HeldCart, 0, 16)
	for _, held := range s.heldCartsByID {
		if username != "" && held.Username != username {
			continue
		}
		result = append(result, cloneHeldCart(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldCart) int {
		if a.HeldAt.Equal(b.HeldAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.HeldAt.Compare(a.HeldAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PopHeldCart removes and returns a held cart owned by username.
func (s *Store) PopHeldCart(_ context.Context, holdID string, username string) (*domain.HeldCart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, exists := s.heldCartsByID[holdID]
	if !exists || held.Username != username {
		return nil, store.ErrNotFound
	}
	delete(s.heldCartsByID, holdID)
	result := cloneHeldCart(held)
	return &result, nil
}

func (s *Store) DeleteHeldCart(_ context.Context, holdID string, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, exists := s.heldCartsByID[holdID]
	if !exists || held.Username != username {
		return store.ErrNotFound
	}
	delete(s.heldCartsByID, holdID)
	return nil
}

func cloneHeldCart(held domain.HeldCart) domain.HeldCart {
	held.Lines = slices.Clone(held.Lines)
	return held
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("CHECKOUTDESK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CHECKOUTDESK_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestHeldCartRoundTripAndPop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	username := fmt.Sprintf("it-%d@example.com", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM held_carts WHERE username = $1`, username)
	})

	held, err := s.CreateHeldCart(ctx, domain.HeldCart{
		Username: username,
		Note:     "table 4",
		Lines: []domain.CartLine{{
			ProductID: "12", Name: "Widget", UnitPrice: decimal.RequireFromString("19.99"),
			Quantity: 3, LineTotal: decimal.RequireFromString("59.97"), AvailableStock: 8,
		}},
		Payment: domain.PaymentInfo{Method: domain.PaymentCard, TaxRate: decimal.NewFromInt(8)},
	})
	if err != nil {
		t.Fatalf("create held cart: %v", err)
	}

	listed, err := s.ListHeldCarts(ctx, username, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one held cart, got %d (%v)", len(listed), err)
	}
	if !listed[0].Lines[0].UnitPrice.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("expected price to survive storage, got %s", listed[0].Lines[0].UnitPrice)
	}

	if _, err := s.PopHeldCart(ctx, held.ID, "someone-else"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected other cashiers to be refused, got %v", err)
	}
	popped, err := s.PopHeldCart(ctx, held.ID, username)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if popped.Payment.Method != domain.PaymentCard || popped.Note != "table 4" {
		t.Fatalf("unexpected popped cart %+v", popped)
	}
	if _, err := s.PopHeldCart(ctx, held.ID, username); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected second pop to miss, got %v", err)
	}
}

func TestLifecycleEventsFilterBySale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	saleID := fmt.Sprintf("it-sale-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM lifecycle_events WHERE sale_id = $1`, saleID)
	})

	for _, action := range []string{domain.ActionSubmit, domain.ActionCancel} {
		if err := s.AppendLifecycleEvent(ctx, domain.LifecycleEvent{
			SessionID: "sess", Username: "it", Action: action, SaleID: saleID, Outcome: domain.OutcomeSucceeded,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ListLifecycleEvents(ctx, store.EventFilter{SaleID: saleID, Action: domain.ActionCancel})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Action != domain.ActionCancel {
		t.Fatalf("unexpected events %+v", events)
	}
}

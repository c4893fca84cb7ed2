package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"checkoutdesk/gateway/internal/domain"
	"checkoutdesk/gateway/internal/store"
	"checkoutdesk/gateway/internal/xid"
)

const defaultEventLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	username TEXT NOT NULL,
	action TEXT NOT NULL,
	sale_id TEXT NOT NULL DEFAULT '',
	invoice_number TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS lifecycle_events_created_at_idx ON lifecycle_events (created_at DESC);
CREATE TABLE IF NOT EXISTS held_carts (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	lines JSONB NOT NULL,
	customer JSONB NOT NULL,
	payment JSONB NOT NULL,
	held_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS held_carts_username_idx ON held_carts (username, held_at DESC);
`

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AppendLifecycleEvent(ctx context.Context, event domain.LifecycleEvent) error {
	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(event.Action) == "" || strings.TrimSpace(event.Outcome) == "" {
		return store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (
			id, session_id, username, action, sale_id, invoice_number, outcome, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, event.ID, event.SessionID, event.Username, event.Action, event.SaleID, event.InvoiceNumber,
		event.Outcome, event.Detail, event.CreatedAt)
	return err
}

func (s *Store) ListLifecycleEvents(ctx context.Context, filter store.EventFilter) ([]domain.LifecycleEvent, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = defaultEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, username, action, sale_id, invoice_number, outcome, detail, created_at
		FROM lifecycle_events
		WHERE ($1 = '' OR username = $1)
			AND ($2 = '' OR sale_id = $2)
			AND ($3 = '' OR action = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, filter.Username, filter.SaleID, filter.Action, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.LifecycleEvent, 0, limit)
	for rows.Next() {
		var event domain.LifecycleEvent
		if err := rows.Scan(&event.ID, &event.SessionID, &event.Username, &event.Action, &event.SaleID,
			&event.InvoiceNumber, &event.Outcome, &event.Detail, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	if held.Username == "" || len(held.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	linesJSON, err := json.Marshal(held.Lines)
	if err != nil {
		return nil, err
	}
	customerJSON, err := json.Marshal(held.Customer)
	if err != nil {
		return nil, err
	}
	paymentJSON, err := json.Marshal(held.Payment)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_carts (id, username, note, lines, customer, payment, held_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, held.ID, held.Username, held.Note, linesJSON, customerJSON, paymentJSON, held.HeldAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	saved := held
	return &saved, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, username string, limit int) ([]domain.HeldCart, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, note, lines, customer, payment, held_at
		FROM held_carts
		WHERE ($1 = '' OR username = $1)
		ORDER BY held_at DESC, id DESC
		LIMIT $2
	`, username, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	helds := make([]domain.HeldCart, 0, 16)
	for rows.Next() {
		held, err := scanHeldCart(rows)
		if err != nil {
			return nil, err
		}
		helds = append(helds, *held)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return helds, nil
}

// PopHeldCart removes and returns a held cart owned by username.
func (s *Store) PopHeldCart(ctx context.Context, holdID string, username string) (*domain.HeldCart, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM held_carts
		WHERE id = $1 AND username = $2
		RETURNING id, username, note, lines, customer, payment, held_at
	`, holdID, username)
	held, err := scanHeldCart(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return held, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, holdID string, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_carts WHERE id = $1 AND username = $2`, holdID, username)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeldCart(row rowScanner) (*domain.HeldCart, error) {
	var held domain.HeldCart
	var linesRaw, customerRaw, paymentRaw []byte
	if err := row.Scan(&held.ID, &held.Username, &held.Note, &linesRaw, &customerRaw, &paymentRaw, &held.HeldAt); err != nil {
		return nil, err
	}
	held.HeldAt = held.HeldAt.UTC()
	if err := json.Unmarshal(linesRaw, &held.Lines); err != nil {
		return nil, err
	}
	if len(customerRaw) > 0 {
		if err := json.Unmarshal(customerRaw, &held.Customer); err != nil {
			return nil, err
		}
	}
	if len(paymentRaw) > 0 {
		if err := json.Unmarshal(paymentRaw, &held.Payment); err != nil {
			return nil, err
		}
	}
	return &held, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticketprint/internal/models"
)

// ErrOrderNotFound is returned when no order has the requested id.
var ErrOrderNotFound = errors.New("order not found")

// Store wraps pgxpool for the order aggregate.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetOrderByID loads an order with its items and print history.
func (s *Store) GetOrderByID(ctx context.Context, id string) (models.Order, error) {
	var (
		o         models.Order
		delivered pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_number, customer_name, customer_phone, total, notes, created_at, delivered_at
		FROM orders WHERE id = $1
	`, id).Scan(&o.ID, &o.OrderNumber, &o.CustomerName, &o.CustomerPhone, &o.Total, &o.Notes, &o.CreatedAt, &delivered)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	o.DeliveredAt = timePtr(delivered)

	rows, err := s.pool.Query(ctx, `
		SELECT name, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return models.Order{}, fmt.Errorf("query order items: %w", err)
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.OrderItem, error) {
		var it models.OrderItem
		err := row.Scan(&it.Name, &it.Quantity, &it.UnitPrice)
		return it, err
	})
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order items: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT method, device_name, ticket_type, job_id, printed_by, printed_at
		FROM order_print_history WHERE order_id = $1 ORDER BY printed_at, id
	`, id)
	if err != nil {
		return models.Order{}, fmt.Errorf("query print history: %w", err)
	}
	o.PrintHistory, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PrintRecord, error) {
		var (
			r     models.PrintRecord
			jobID pgtype.Text
		)
		err := row.Scan(&r.Method, &r.DeviceName, &r.TicketType, &jobID, &r.PrintedBy, &r.PrintedAt)
		if jobID.Valid {
			r.JobID = jobID.String
		}
		return r, err
	})
	if err != nil {
		return models.Order{}, fmt.Errorf("scan print history: %w", err)
	}
	return o, nil
}

// AppendPrintHistory records one printed ticket against the order.
func (s *Store) AppendPrintHistory(ctx context.Context, orderID string, rec models.PrintRecord) error {
	if rec.PrintedAt.IsZero() {
		rec.PrintedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO order_print_history (order_id, method, device_name, ticket_type, job_id, printed_by, printed_at)
		SELECT id, $2, $3, $4, $5, $6, $7 FROM orders WHERE id = $1
	`, orderID, rec.Method, rec.DeviceName, rec.TicketType, emptyToNil(rec.JobID), rec.PrintedBy, rec.PrintedAt)
	if err != nil {
		return fmt.Errorf("insert print history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

// CreateOrder inserts an order and its items in one transaction.
func (s *Store) CreateOrder(ctx context.Context, o models.Order) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, order_number, customer_name, customer_phone, total, notes, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.OrderNumber, o.CustomerName, o.CustomerPhone, o.Total, o.Notes, o.CreatedAt, o.DeliveredAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, position, name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, o.ID, i, it.Name, it.Quantity, it.UnitPrice)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

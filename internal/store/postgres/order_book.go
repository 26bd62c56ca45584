// Package postgres implements store.OrderBook on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

//go:embed schema.sql
var schema string

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OrderBook stores orders and delivery jobs in two tables.
type OrderBook struct {
	db *sqlx.DB
}

var _ store.OrderBook = (*OrderBook)(nil)

// NewOrderBook wraps an open connection.
func NewOrderBook(db *sqlx.DB) *OrderBook {
	return &OrderBook{db: db}
}

// EnsureSchema creates the tables when missing.
func (b *OrderBook) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ====================
// Orders
// ====================

func (b *OrderBook) SaveOrder(ctx context.Context, o types.Order) error {
	query := `
		INSERT INTO orders (id, customer, product, quantity, delivery_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			customer = EXCLUDED.customer,
			product = EXCLUDED.product,
			quantity = EXCLUDED.quantity,
			delivery_date = EXCLUDED.delivery_date,
			status = EXCLUDED.status
	`
	_, err := b.db.ExecContext(ctx, query,
		o.ID, o.Customer, o.Product, o.Quantity, o.DeliveryDate, string(o.Status), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (b *OrderBook) GetOrder(ctx context.Context, id string) (types.Order, error) {
	var o types.Order
	query := `
		SELECT id, customer, product, quantity, delivery_date, status, created_at
		FROM orders
		WHERE id = $1
	`
	if err := b.db.GetContext(ctx, &o, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Order{}, apperr.NotFound("order", id)
		}
		return types.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (b *OrderBook) ListOrders(ctx context.Context, f store.OrderFilter) ([]types.Order, error) {
	query := `
		SELECT id, customer, product, quantity, delivery_date, status, created_at
		FROM orders
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR product = $2)
		  AND ($3::timestamptz IS NULL OR delivery_date = $3)
		ORDER BY created_at ASC
	`
	var date sql.NullTime
	if !f.DeliveryDate.IsZero() {
		date = sql.NullTime{Time: f.DeliveryDate, Valid: true}
	}
	orders := []types.Order{}
	if err := b.db.SelectContext(ctx, &orders, query, string(f.Status), f.Product, date); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// ====================
// Delivery jobs
// ====================

func (b *OrderBook) SaveDeliveryJob(ctx context.Context, j types.DeliveryJob) error {
	courier, err := json.Marshal(nonNil(j.Courier))
	if err != nil {
		return fmt.Errorf("encode courier metadata: %w", err)
	}
	query := `
		INSERT INTO delivery_jobs (id, order_id, batch_id, scheduled_for, status, courier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			scheduled_for = EXCLUDED.scheduled_for,
			status = EXCLUDED.status,
			courier = EXCLUDED.courier,
			updated_at = EXCLUDED.updated_at
	`
	_, err = b.db.ExecContext(ctx, query,
		j.ID, j.OrderID, j.BatchID, j.ScheduledFor, string(j.Status), courier, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save delivery job: %w", err)
	}
	return nil
}

type deliveryRow struct {
	ID           string    `db:"id"`
	OrderID      string    `db:"order_id"`
	BatchID      string    `db:"batch_id"`
	ScheduledFor time.Time `db:"scheduled_for"`
	Status       string    `db:"status"`
	Courier      []byte    `db:"courier"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`

	// joined order columns, NULL when the order row is missing
	OrderRowID   sql.NullString `db:"o_id"`
	Customer     sql.NullString `db:"o_customer"`
	Product      sql.NullString `db:"o_product"`
	Quantity     sql.NullInt64  `db:"o_quantity"`
	DeliveryDate sql.NullTime   `db:"o_delivery_date"`
	OrderStatus  sql.NullString `db:"o_status"`
	OrderCreated sql.NullTime   `db:"o_created_at"`
}

func (r deliveryRow) job() (types.DeliveryJob, error) {
	j := types.DeliveryJob{
		ID:           r.ID,
		OrderID:      r.OrderID,
		BatchID:      r.BatchID,
		ScheduledFor: r.ScheduledFor,
		Status:       types.DeliveryStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Courier) > 0 {
		if err := json.Unmarshal(r.Courier, &j.Courier); err != nil {
			return j, fmt.Errorf("decode courier metadata of %s: %w", r.ID, err)
		}
		if len(j.Courier) == 0 {
			j.Courier = nil
		}
	}
	return j, nil
}

func (r deliveryRow) order() *types.Order {
	if !r.OrderRowID.Valid {
		return nil
	}
	return &types.Order{
		ID:           r.OrderRowID.String,
		Customer:     r.Customer.String,
		Product:      r.Product.String,
		Quantity:     int(r.Quantity.Int64),
		DeliveryDate: r.DeliveryDate.Time,
		Status:       types.OrderStatus(r.OrderStatus.String),
		CreatedAt:    r.OrderCreated.Time,
	}
}

func (b *OrderBook) GetDeliveryJob(ctx context.Context, id string) (types.DeliveryJob, error) {
	var row deliveryRow
	query := `
		SELECT id, order_id, batch_id, scheduled_for, status, courier, created_at, updated_at
		FROM delivery_jobs
		WHERE id = $1
	`
	if err := b.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.DeliveryJob{}, apperr.NotFound("delivery job", id)
		}
		return types.DeliveryJob{}, fmt.Errorf("get delivery job: %w", err)
	}
	return row.job()
}

// ListDeliveryJobs joins delivery jobs to their orders and sorts in SQL.
func (b *OrderBook) ListDeliveryJobs(ctx context.Context) ([]types.DeliveryJobView, error) {
	query := `
		SELECT d.id, d.order_id, d.batch_id, d.scheduled_for, d.status, d.courier, d.created_at, d.updated_at,
		       o.id AS o_id, o.customer AS o_customer, o.product AS o_product, o.quantity AS o_quantity,
		       o.delivery_date AS o_delivery_date, o.status AS o_status, o.created_at AS o_created_at
		FROM delivery_jobs d
		LEFT JOIN orders o ON o.id = d.order_id
		ORDER BY d.scheduled_for ASC, d.created_at DESC
	`
	var rows []deliveryRow
	if err := b.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list delivery jobs: %w", err)
	}
	out := make([]types.DeliveryJobView, 0, len(rows))
	for _, r := range rows {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		out = append(out, types.DeliveryJobView{DeliveryJob: j, Order: r.order()})
	}
	return out, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

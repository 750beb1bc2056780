package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryRepository хранилище заказов в памяти
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[int64]Order
	nextID int64
}

// NewMemoryRepository создает пустое хранилище
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[int64]Order)}
}

// Create сохраняет заказ и назначает id
func (r *MemoryRepository) Create(ctx context.Context, email, status string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	order := Order{ID: r.nextID, Email: email, Status: status, CreatedAt: time.Now().UTC()}
	r.orders[order.ID] = order
	return order, nil
}

// Get возвращает заказ по id
func (r *MemoryRepository) Get(ctx context.Context, id int64) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return order, nil
}

// PostgresRepository хранилище заказов в PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создает хранилище поверх пула
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Create сохраняет заказ и назначает id
func (r *PostgresRepository) Create(ctx context.Context, email, status string) (Order, error) {
	order := Order{Email: email, Status: status}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (email, status) VALUES ($1, $2) RETURNING order_id, created_at`,
		email, status,
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("failed to insert order: %w", err)
	}
	return order, nil
}

// Get возвращает заказ по id
func (r *PostgresRepository) Get(ctx context.Context, id int64) (Order, error) {
	var order Order
	err := r.pool.QueryRow(ctx,
		`SELECT order_id, email, status, created_at FROM orders WHERE order_id = $1`, id,
	).Scan(&order.ID, &order.Email, &order.Status, &order.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return order, nil
}

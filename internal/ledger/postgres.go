package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LuanFBA/estoque-system/internal/contract"
)

// PostgresLedger складской учет в PostgreSQL.
// Строки товаров блокируются FOR UPDATE на время проверки и списания.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger создает учет поверх пула соединений
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Reserve атомарно списывает строки пакета в одной транзакции
func (l *PostgresLedger) Reserve(ctx context.Context, items []contract.Item) ([]StockMovement, error) {
	if err := validateBatch(items); err != nil {
		return nil, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	onHand := make(map[int64]int, len(items))
	for _, id := range lockOrder(items) {
		var qty int
		err := tx.QueryRow(ctx,
			`SELECT quantity_on_hand FROM products WHERE product_id = $1 FOR UPDATE`, id,
		).Scan(&qty)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock product %d: %w", id, err)
		}
		onHand[id] = qty
	}

	remaining, err := plan(items, onHand)
	if err != nil {
		return nil, err
	}

	for id, qty := range remaining {
		if _, err := tx.Exec(ctx,
			`UPDATE products SET quantity_on_hand = $2 WHERE product_id = $1`, id, qty,
		); err != nil {
			return nil, fmt.Errorf("failed to update product %d: %w", id, err)
		}
	}

	movements := make([]StockMovement, 0, len(items))
	for _, item := range items {
		m := StockMovement{ProductID: item.ProductID, Quantity: item.Quantity, MovementType: MovementOutbound}
		err := tx.QueryRow(ctx,
			`INSERT INTO stock_movements (product_id, quantity, movement_type)
			 VALUES ($1, $2, $3)
			 RETURNING movement_id, created_at`,
			m.ProductID, m.Quantity, m.MovementType,
		).Scan(&m.ID, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert movement: %w", err)
		}
		movements = append(movements, m)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return movements, nil
}

// CreateProduct добавляет товар
func (l *PostgresLedger) CreateProduct(ctx context.Context, np NewProduct) (Product, error) {
	if err := np.Validate(); err != nil {
		return Product{}, err
	}

	p := Product{Name: np.Name, QuantityOnHand: np.QuantityOnHand, AverageCost: np.AverageCost}
	err := l.pool.QueryRow(ctx,
		`INSERT INTO products (name, quantity_on_hand, average_cost)
		 VALUES ($1, $2, $3)
		 RETURNING product_id`,
		p.Name, p.QuantityOnHand, p.AverageCost,
	).Scan(&p.ID)
	if err != nil {
		return Product{}, fmt.Errorf("failed to insert product: %w", err)
	}
	return p, nil
}

// GetProduct возвращает товар по id
func (l *PostgresLedger) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := l.pool.QueryRow(ctx,
		`SELECT product_id, name, quantity_on_hand, average_cost FROM products WHERE product_id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.QuantityOnHand, &p.AverageCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, &ReservationError{ProductID: id, Err: ErrProductNotFound}
	}
	if err != nil {
		return Product{}, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	return p, nil
}

// ListProducts возвращает товары по возрастанию id
func (l *PostgresLedger) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT product_id, name, quantity_on_hand, average_cost FROM products ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) {
		var p Product
		err := row.Scan(&p.ID, &p.Name, &p.QuantityOnHand, &p.AverageCost)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan products: %w", err)
	}
	return products, nil
}

// Movements возвращает движения товара в порядке создания
func (l *PostgresLedger) Movements(ctx context.Context, productID int64) ([]StockMovement, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT movement_id, product_id, quantity, movement_type, created_at
		 FROM stock_movements WHERE product_id = $1 ORDER BY movement_id`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	movements, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StockMovement, error) {
		var m StockMovement
		err := row.Scan(&m.ID, &m.ProductID, &m.Quantity, &m.MovementType, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan movements: %w", err)
	}
	return movements, nil
}

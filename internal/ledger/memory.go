package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/LuanFBA/estoque-system/internal/contract"
)

type memProduct struct {
	mu      sync.Mutex
	product Product
}

// MemoryLedger складской учет в памяти.
// Каждый товар защищен своим мьютексом, поэтому непересекающиеся пакеты не конкурируют.
type MemoryLedger struct {
	mu       sync.RWMutex
	products map[int64]*memProduct
	nextID   int64

	movMu      sync.Mutex
	movements  []StockMovement
	nextMoveID int64

	now func() time.Time
}

// NewMemoryLedger создает пустой учет
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		products: make(map[int64]*memProduct),
		now:      time.Now,
	}
}

// Reserve атомарно списывает строки пакета
func (l *MemoryLedger) Reserve(ctx context.Context, items []contract.Item) ([]StockMovement, error) {
	if err := validateBatch(items); err != nil {
		return nil, err
	}

	ids := lockOrder(items)
	locked := make([]*memProduct, 0, len(ids))

	l.mu.RLock()
	for _, id := range ids {
		if p, ok := l.products[id]; ok {
			locked = append(locked, p)
		}
	}
	l.mu.RUnlock()

	for _, p := range locked {
		p.mu.Lock()
	}
	defer func() {
		for _, p := range locked {
			p.mu.Unlock()
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	onHand := make(map[int64]int, len(locked))
	for _, p := range locked {
		onHand[p.product.ID] = p.product.QuantityOnHand
	}
	remaining, err := plan(items, onHand)
	if err != nil {
		return nil, err
	}

	for _, p := range locked {
		p.product.QuantityOnHand = remaining[p.product.ID]
	}
	return l.appendMovements(items), nil
}

func (l *MemoryLedger) appendMovements(items []contract.Item) []StockMovement {
	l.movMu.Lock()
	defer l.movMu.Unlock()

	created := make([]StockMovement, 0, len(items))
	now := l.now()
	for _, item := range items {
		l.nextMoveID++
		m := StockMovement{
			ID:           l.nextMoveID,
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			MovementType: MovementOutbound,
			CreatedAt:    now,
		}
		l.movements = append(l.movements, m)
		created = append(created, m)
	}
	return created
}

// CreateProduct добавляет товар
func (l *MemoryLedger) CreateProduct(ctx context.Context, np NewProduct) (Product, error) {
	if err := np.Validate(); err != nil {
		return Product{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	p := Product{
		ID:             l.nextID,
		Name:           np.Name,
		QuantityOnHand: np.QuantityOnHand,
		AverageCost:    np.AverageCost,
	}
	l.products[p.ID] = &memProduct{product: p}
	return p, nil
}

// GetProduct возвращает товар по id
func (l *MemoryLedger) GetProduct(ctx context.Context, id int64) (Product, error) {
	l.mu.RLock()
	p, ok := l.products[id]
	l.mu.RUnlock()
	if !ok {
		return Product{}, &ReservationError{ProductID: id, Err: ErrProductNotFound}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.product, nil
}

// ListProducts возвращает товары по возрастанию id
func (l *MemoryLedger) ListProducts(ctx context.Context) ([]Product, error) {
	l.mu.RLock()
	entries := make([]*memProduct, 0, len(l.products))
	for _, p := range l.products {
		entries = append(entries, p)
	}
	l.mu.RUnlock()

	out := make([]Product, 0, len(entries))
	for _, p := range entries {
		p.mu.Lock()
		out = append(out, p.product)
		p.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Product) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Movements возвращает движения товара в порядке создания
func (l *MemoryLedger) Movements(ctx context.Context, productID int64) ([]StockMovement, error) {
	l.movMu.Lock()
	defer l.movMu.Unlock()

	var out []StockMovement
	for _, m := range l.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuanFBA/estoque-system/internal/contract"
)

// ledgerSuite общий набор проверок для всех реализаций Ledger
func ledgerSuite(t *testing.T, newLedger func(t *testing.T) Ledger) {
	ctx := context.Background()

	seed := func(t *testing.T, l Ledger, name string, qty int) Product {
		t.Helper()
		p, err := l.CreateProduct(ctx, NewProduct{Name: name, QuantityOnHand: qty, AverageCost: 9.9})
		require.NoError(t, err)
		return p
	}

	t.Run("reserve decrements and records outbound movement", func(t *testing.T) {
		l := newLedger(t)
		p := seed(t, l, "P1", 100)

		movements, err := l.Reserve(ctx, []contract.Item{{ProductID: p.ID, Quantity: 10}})
		require.NoError(t, err)
		require.Len(t, movements, 1)
		assert.Equal(t, 10, movements[0].Quantity)
		assert.Equal(t, MovementOutbound, movements[0].MovementType)
		assert.Equal(t, p.ID, movements[0].ProductID)

		got, err := l.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 90, got.QuantityOnHand)
	})

	t.Run("insufficient stock leaves product untouched", func(t *testing.T) {
		l := newLedger(t)
		p := seed(t, l, "P1", 5)

		_, err := l.Reserve(ctx, []contract.Item{{ProductID: p.ID, Quantity: 10}})
		assert.ErrorIs(t, err, ErrInsufficientStock)

		var rerr *ReservationError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, p.ID, rerr.ProductID)

		got, err := l.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.QuantityOnHand)

		movements, err := l.Movements(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, movements)
	})

	t.Run("batch is all or nothing", func(t *testing.T) {
		l := newLedger(t)
		a := seed(t, l, "A", 10)
		b := seed(t, l, "B", 1)

		_, err := l.Reserve(ctx, []contract.Item{
			{ProductID: a.ID, Quantity: 4},
			{ProductID: b.ID, Quantity: 2},
		})
		assert.ErrorIs(t, err, ErrInsufficientStock)

		_, err = l.Reserve(ctx, []contract.Item{
			{ProductID: a.ID, Quantity: 4},
			{ProductID: 999_999, Quantity: 1},
		})
		assert.ErrorIs(t, err, ErrProductNotFound)

		gotA, _ := l.GetProduct(ctx, a.ID)
		gotB, _ := l.GetProduct(ctx, b.ID)
		assert.Equal(t, 10, gotA.QuantityOnHand)
		assert.Equal(t, 1, gotB.QuantityOnHand)

		movements, err := l.Movements(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, movements)
	})

	t.Run("same product twice checks the running total", func(t *testing.T) {
		l := newLedger(t)
		p := seed(t, l, "P", 5)

		_, err := l.Reserve(ctx, []contract.Item{{ProductID: p.ID, Quantity: 3}, {ProductID: p.ID, Quantity: 3}})
		assert.ErrorIs(t, err, ErrInsufficientStock)

		movements, err := l.Reserve(ctx, []contract.Item{{ProductID: p.ID, Quantity: 2}, {ProductID: p.ID, Quantity: 3}})
		require.NoError(t, err)
		assert.Len(t, movements, 2)

		got, _ := l.GetProduct(ctx, p.ID)
		assert.Equal(t, 0, got.QuantityOnHand)
	})

	t.Run("invalid batches are rejected before locking", func(t *testing.T) {
		l := newLedger(t)
		p := seed(t, l, "P", 5)

		_, err := l.Reserve(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyBatch)

		_, err = l.Reserve(ctx, []contract.Item{{ProductID: p.ID, Quantity: 0}})
		assert.ErrorIs(t, err, ErrInvalidQuantity)

		_, err = l.Reserve(ctx, []contract.Item{{ProductID: p.ID, Quantity: -1}})
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})

	t.Run("concurrent disjoint batches both succeed", func(t *testing.T) {
		l := newLedger(t)
		a := seed(t, l, "A", 50)
		b := seed(t, l, "B", 50)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, id := range []int64{a.ID, b.ID} {
			wg.Add(1)
			go func(i int, id int64) {
				defer wg.Done()
				_, errs[i] = l.Reserve(ctx, []contract.Item{{ProductID: id, Quantity: 20}})
			}(i, id)
		}
		wg.Wait()

		assert.NoError(t, errs[0])
		assert.NoError(t, errs[1])
		gotA, _ := l.GetProduct(ctx, a.ID)
		gotB, _ := l.GetProduct(ctx, b.ID)
		assert.Equal(t, 30, gotA.QuantityOnHand)
		assert.Equal(t, 30, gotB.QuantityOnHand)
	})

	t.Run("concurrent batches on the same product never oversell", func(t *testing.T) {
		l := newLedger(t)
		p := seed(t, l, "P", 10)

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = l.Reserve(ctx, []contract.Item{{ProductID: p.ID, Quantity: 6}})
			}(i)
		}
		close(start)
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}
		assert.Equal(t, 1, succeeded)

		got, _ := l.GetProduct(ctx, p.ID)
		assert.Equal(t, 4, got.QuantityOnHand)
	})

	t.Run("overlapping batches in opposite order do not deadlock", func(t *testing.T) {
		l := newLedger(t)
		a := seed(t, l, "A", 1000)
		b := seed(t, l, "B", 1000)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				items := []contract.Item{{ProductID: a.ID, Quantity: 1}, {ProductID: b.ID, Quantity: 1}}
				if i%2 == 1 {
					items[0], items[1] = items[1], items[0]
				}
				_, err := l.Reserve(ctx, items)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		gotA, _ := l.GetProduct(ctx, a.ID)
		gotB, _ := l.GetProduct(ctx, b.ID)
		assert.Equal(t, 980, gotA.QuantityOnHand)
		assert.Equal(t, 980, gotB.QuantityOnHand)
	})

	t.Run("products", func(t *testing.T) {
		l := newLedger(t)

		_, err := l.CreateProduct(ctx, NewProduct{Name: ""})
		assert.ErrorIs(t, err, ErrInvalidProduct)
		_, err = l.CreateProduct(ctx, NewProduct{Name: "x", QuantityOnHand: -1})
		assert.ErrorIs(t, err, ErrInvalidProduct)

		first := seed(t, l, "first", 1)
		second := seed(t, l, "second", 2)

		list, err := l.ListProducts(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(list), 2)
		ids := make([]int64, 0, len(list))
		for _, p := range list {
			ids = append(ids, p.ID)
		}
		assert.Contains(t, ids, first.ID)
		assert.Contains(t, ids, second.ID)

		_, err = l.GetProduct(ctx, 999_999)
		assert.ErrorIs(t, err, ErrProductNotFound)
	})
}

func TestMemoryLedger(t *testing.T) {
	ledgerSuite(t, func(t *testing.T) Ledger { return NewMemoryLedger() })
}

func TestLockOrder(t *testing.T) {
	ids := lockOrder([]contract.Item{{ProductID: 5}, {ProductID: 2}, {ProductID: 5}, {ProductID: 1}})
	assert.Equal(t, []int64{1, 2, 5}, ids)
}

func TestPlan_ReportsFirstFailureInBatchOrder(t *testing.T) {
	_, err := plan([]contract.Item{{ProductID: 2, Quantity: 9}, {ProductID: 1, Quantity: 1}}, map[int64]int{2: 1})
	var rerr *ReservationError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, int64(2), rerr.ProductID)
	assert.ErrorIs(t, err, ErrInsufficientStock)
}

package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LuanFBA/estoque-system/internal/storage"
)

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("ESTOQUE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Requires PostgreSQL - integration test (set ESTOQUE_TEST_DATABASE_URL)")
	}

	ctx := context.Background()
	_, err := storage.Migrate(ctx, dsn)
	require.NoError(t, err)

	pool, err := storage.NewPool(ctx, dsn, 20)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ledgerSuite(t, func(t *testing.T) Ledger {
		_, err := pool.Exec(ctx, `TRUNCATE stock_movements, products RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		return NewPostgresLedger(pool)
	})
}

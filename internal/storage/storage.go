// Package storage создает пул соединений PostgreSQL и применяет встроенные миграции.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LuanFBA/estoque-system/framework/core"
	"github.com/LuanFBA/estoque-system/framework/migrations"
)

//go:embed migrations/*.sql
var embedded embed.FS

// MigrationsFS миграции схемы с файлами в корне
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// NewPool открывает пул и проверяет соединение
func NewPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// OpenMigrator открывает database/sql соединение через драйвер pgx и создает Migrator.
// Вызывающий закрывает и Migrator, и *sql.DB.
func OpenMigrator(dsn string) (*migrations.Migrator, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	m, err := migrations.NewMigrator(db, MigrationsFS())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, db, nil
}

// Migrate применяет все pending миграции
func Migrate(ctx context.Context, dsn string) (int, error) {
	m, db, err := OpenMigrator(dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	defer m.Close()
	return m.Up(ctx)
}

// Database пул как компонент контейнера
type Database struct {
	Pool *pgxpool.Pool
}

// Name возвращает имя компонента
func (d *Database) Name() string { return "postgres" }

// Type возвращает тип компонента
func (d *Database) Type() core.ComponentType { return core.ComponentTypeStorage }

// Start пул уже открыт в NewPool
func (d *Database) Start(ctx context.Context) error { return nil }

// Stop закрывает пул
func (d *Database) Stop(ctx context.Context) error {
	d.Pool.Close()
	return nil
}

// IsRunning проверяет, открыт ли пул
func (d *Database) IsRunning() bool { return d.Pool != nil }

// HealthCheck проверяет соединение
func (d *Database) HealthCheck(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

// Package migrations предоставляет обертку над goose для управления миграциями схемы базы данных.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
)

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Status    string // "pending", "applied"
}

// Migrator применяет миграции из fs.FS к базе PostgreSQL
type Migrator struct {
	provider *goose.Provider
}

// NewMigrator создает Migrator. fsys должен содержать *.sql файлы в корне.
func NewMigrator(db *sql.DB, fsys fs.FS) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("database handle cannot be nil")
	}
	if fsys == nil {
		return nil, errors.New("migrations filesystem cannot be nil")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return &Migrator{provider: provider}, nil
}

// Up применяет все pending миграции
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("failed to run migrations: %w", err)
	}
	return len(results), nil
}

// UpSteps применяет не более steps pending миграций (steps <= 0 = все)
func (m *Migrator) UpSteps(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		return m.Up(ctx)
	}

	applied := 0
	for applied < steps {
		_, err := m.provider.UpByOne(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			break
		}
		if err != nil {
			return applied, fmt.Errorf("failed to run migrations: %w", err)
		}
		applied++
	}
	return applied, nil
}

// Down откатывает steps последних миграций (steps <= 0 = одну)
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}

	rolled := 0
	for rolled < steps {
		_, err := m.provider.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			break
		}
		if err != nil {
			return rolled, fmt.Errorf("failed to rollback migration: %w", err)
		}
		rolled++
	}
	return rolled, nil
}

// Status возвращает статус всех миграций
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	raw, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}

	statuses := make([]MigrationStatus, 0, len(raw))
	for _, s := range raw {
		status := MigrationStatus{
			Version: s.Source.Version,
			Name:    filepath.Base(s.Source.Path),
			Status:  string(s.State),
		}
		if s.State == goose.StateApplied {
			appliedAt := s.AppliedAt
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Version возвращает текущую версию БД
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	version, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// Sources возвращает версии известных миграций по возрастанию
func (m *Migrator) Sources() []int64 {
	sources := m.provider.ListSources()
	versions := make([]int64, 0, len(sources))
	for _, s := range sources {
		versions = append(versions, s.Version)
	}
	return versions
}

// Close освобождает ресурсы provider
func (m *Migrator) Close() error {
	return m.provider.Close()
}

// CreateMigration создает новый файл миграции и возвращает его путь
func CreateMigration(dir, name string, now time.Time) (string, error) {
	if name == "" {
		return "", errors.New("migration name cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	// Формат goose: YYYYMMDDHHMMSS_name.sql
	filename := fmt.Sprintf("%s_%s.sql", now.UTC().Format("20060102150405"), name)
	path := filepath.Join(dir, filename)

	content := fmt.Sprintf(`-- +goose Up
-- Migration: %s

-- +goose Down
-- Rollback migration: %s
`, name, name)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}
	return path, nil
}

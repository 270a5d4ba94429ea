// Package database はPostgreSQL接続とビルド同期用スキーマのマイグレーションを提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationStatus は適用済みマイグレーションの状態。
// Versionが0かつAppliedがfalseの場合は1つも適用されていない。
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool
}

// NewMigrator は埋め込みSQLを読み込むmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigration は最新のマイグレーションを1つ戻す。
// 何も適用されていない場合はエラーなしで返る。
func RollbackMigration(databaseURL string) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if _, _, err := m.Version(); errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Status は現在のマイグレーションバージョンを返す。
func Status(databaseURL string) (MigrationStatus, error) {
	var status MigrationStatus
	err := withMigrator(databaseURL, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		status = MigrationStatus{Version: version, Dirty: dirty, Applied: true}
		return nil
	})
	return status, err
}

func withMigrator(databaseURL string, fn func(m *migrate.Migrate) error) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}

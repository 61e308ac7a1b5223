package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "tasksched/pkg/logx"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migratePostgres applies the postgres migrations through db. The driver
// closes db when done.
func migratePostgres(db *sql.DB, log logx.Logger) error {
	drv, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migrate: postgres driver: %w", err)
	}
	m, err := newMigrate("migrations/postgres", "pgx5", drv)
	if err != nil {
		return err
	}
	defer func() {
		if serr, derr := m.Close(); serr != nil || derr != nil {
			log.Debug("migrate close", logx.Any("source_err", serr), logx.Any("db_err", derr))
		}
	}()
	return up(m, log)
}

// migrateSQLite applies the sqlite migrations. db stays open; the sqlite
// migrate driver would close it, so the instance is never closed here.
func migrateSQLite(db *sql.DB, log logx.Logger) error {
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migrate: sqlite driver: %w", err)
	}
	m, err := newMigrate("migrations/sqlite", "sqlite", drv)
	if err != nil {
		return err
	}
	return up(m, log)
}

func newMigrate(dir, dbName string, drv database.Driver) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: source %s: %w", dir, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, drv)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

func up(m *migrate.Migrate, log logx.Logger) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	if v, dirty, err := m.Version(); err == nil {
		log.Debug("migrations applied", logx.Uint64("version", uint64(v)), logx.Bool("dirty", dirty))
	}
	return nil
}

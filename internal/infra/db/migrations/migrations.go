package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/bryanwahyu/diagnovision/internal/infra/db/sqlstore"
)

//go:embed mysql/*.sql postgres/*.sql sqlite/*.sql
var files embed.FS

// Result reports the schema version after a run.
type Result struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Up applies every pending migration. db is closed when Up returns; callers
// open a dedicated handle for it.
func Up(db *sql.DB, d sqlstore.Dialect) (Result, error) {
	return run(db, d, func(m *migrate.Migrate) error { return m.Up() })
}

// Down rolls back one migration. db is closed when Down returns.
func Down(db *sql.DB, d sqlstore.Dialect) (Result, error) {
	return run(db, d, func(m *migrate.Migrate) error { return m.Steps(-1) })
}

func run(db *sql.DB, d sqlstore.Dialect, step func(*migrate.Migrate) error) (Result, error) {
	m, err := newMigrate(db, d)
	if err != nil {
		_ = db.Close()
		return Result{}, err
	}
	defer m.Close()

	res := Result{Changed: true}
	if err := step(m); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return Result{}, fmt.Errorf("run migrations: %w", err)
		}
		res.Changed = false
	}

	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, fmt.Errorf("read migration version: %w", err)
	}
	res.Version, res.Dirty = v, dirty
	return res, nil
}

func newMigrate(db *sql.DB, d sqlstore.Dialect) (*migrate.Migrate, error) {
	src, err := iofs.New(files, string(d))
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	var drv database.Driver
	switch d {
	case sqlstore.MySQL:
		drv, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	case sqlstore.Postgres:
		drv, err = migratepg.WithInstance(db, &migratepg.Config{})
	case sqlstore.SQLite:
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("no migrations for dialect %q", d)
	}
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(d), drv)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

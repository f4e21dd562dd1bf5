package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bryanwahyu/diagnovision/internal/infra/db/mysql"
	"github.com/bryanwahyu/diagnovision/internal/infra/db/postgres"
	"github.com/bryanwahyu/diagnovision/internal/infra/db/sqlite"
	"github.com/bryanwahyu/diagnovision/internal/infra/db/sqlstore"
)

// Open connects with the driver matching d.
func Open(ctx context.Context, d sqlstore.Dialect, dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch d {
	case sqlstore.MySQL:
		db, err = mysql.Connect(ctx, dsn)
	case sqlstore.Postgres:
		db, err = postgres.Connect(ctx, dsn)
	case sqlstore.SQLite:
		db, err = sqlite.Connect(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w", d, err)
	}
	return db, nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bryanwahyu/diagnovision/internal/infra/db"
	"github.com/bryanwahyu/diagnovision/internal/infra/db/migrations"
	"github.com/bryanwahyu/diagnovision/internal/infra/db/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the database schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "up"
		if len(args) == 1 {
			dir = args[0]
		}
		res, err := migrate(cmd.Context(), dir)
		if err != nil {
			return err
		}
		logger.Info("migrations done",
			zap.String("direction", dir),
			zap.Uint("version", res.Version),
			zap.Bool("dirty", res.Dirty),
			zap.Bool("changed", res.Changed),
		)
		return nil
	},
}

// migrate runs on its own connection; the migrate driver closes it.
func migrate(ctx context.Context, dir string) (migrations.Result, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return migrations.Result{}, err
	}
	conn, err := db.Open(ctx, dialect, cfg.DSN())
	if err != nil {
		return migrations.Result{}, err
	}
	switch dir {
	case "down":
		return migrations.Down(conn, dialect)
	case "up":
		return migrations.Up(conn, dialect)
	default:
		_ = conn.Close()
		return migrations.Result{}, fmt.Errorf("unknown direction %q", dir)
	}
}

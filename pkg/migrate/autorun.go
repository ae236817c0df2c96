package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/logger"
)

// SQLSource yields the database/sql pool goose runs against. *db.Client
// satisfies it.
type SQLSource interface {
	SQL() (*sql.DB, error)
}

// MaybeRunDev brings the schema up to date on startup, but only in dev with
// BILLSYNC_AUTO_MIGRATE set. Everywhere else cmd/migrate owns schema changes.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, src SQLSource) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	sqlDB, err := src.SQL()
	if err != nil {
		return err
	}
	from, to, err := upReporting(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "from_version": from, "to_version": to})
	if from == to {
		logg.Info(ctx, "schema already current")
		return nil
	}
	logg.Info(ctx, "schema migrated")
	return nil
}

func upReporting(ctx context.Context, sqlDB *sql.DB) (from, to int64, err error) {
	if _, err := prepare(DefaultDir); err != nil {
		return 0, 0, err
	}
	if from, err = goose.GetDBVersionContext(ctx, sqlDB); err != nil {
		return 0, 0, fmt.Errorf("read schema version: %w", err)
	}
	if err = Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return from, from, err
	}
	if to, err = goose.GetDBVersionContext(ctx, sqlDB); err != nil {
		return from, 0, fmt.Errorf("read schema version: %w", err)
	}
	return from, to, nil
}

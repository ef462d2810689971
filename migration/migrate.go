package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"service-matching/config"
)

const connectAttempts = 10

// RunMigrations waits for the database to accept connections and applies
// every pending migration from cfg.MigrationsPath.
func RunMigrations(ctx context.Context, cfg config.DBConfig, log *zap.Logger) error {
	dsn := cfg.DSN()
	if err := waitForDatabase(ctx, dsn, log); err != nil {
		return err
	}

	m, err := migrate.New(cfg.MigrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("could not start migrations: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", verr)
	}
	log.Info("Migrations applied successfully", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func waitForDatabase(ctx context.Context, dsn string, log *zap.Logger) error {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		db, err := sql.Open("postgres", dsn)
		if err == nil {
			err = db.PingContext(ctx)
			db.Close()
		}
		if err == nil {
			log.Info("Connected to the database successfully.")
			return nil
		}
		lastErr = err
		log.Info("Waiting for the database to be ready...", zap.Int("attempt", i+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("could not connect to the database: %w", lastErr)
}

package main

import (
	"context"

	"go.uber.org/zap"

	"service-matching/config"
	"service-matching/migration"
)

// runMigrations backs the "migrate" subcommand.
func runMigrations(ctx context.Context, cfg *config.Config, log *zap.Logger) {
	if err := migration.RunMigrations(ctx, cfg.DB, log); err != nil {
		log.Fatal("Migration error", zap.Error(err))
	}
}

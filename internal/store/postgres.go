package store

import (
	"fmt"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/render-automation/queue-core/internal/platform/logger"
)

// OpenPostgres opens the alternate Store backend (SPEC_FULL.md "New domain
// components"): any durable store supporting atomic conditional updates and
// row-level uniqueness suffices, and Postgres is the production database this
// code's lineage actually runs against. DSN assembly mirrors
// internal/data/db/postgres.go's env-driven construction.
func OpenPostgres(log *logger.Logger) (*gorm.DB, error) {
	dsn := buildDSN()

	gormLog := gormlogger.New(
		&gormWriter{log: log},
		gormlogger.Config{
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		return nil, fmt.Errorf("ensure uuid-ossp extension: %w", err)
	}
	if err := AutoMigrateAll(db); err != nil {
		return nil, fmt.Errorf("automigrate postgres store: %w", err)
	}
	if log != nil {
		log.Info("postgres store opened", "host", os.Getenv("POSTGRES_HOST"))
	}
	return db, nil
}

func buildDSN() string {
	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "postgres")
	pass := envOr("POSTGRES_PASSWORD", "")
	name := envOr("POSTGRES_DB", "queue_core")
	sslmode := envOr("POSTGRES_SSLMODE", "disable")
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, pass, name, sslmode,
	)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

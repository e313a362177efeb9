package store

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/render-automation/queue-core/internal/platform/config"
	"github.com/render-automation/queue-core/internal/platform/logger"
)

// OpenSQLite opens the embedded store (spec.md §4.1: "embedded relational
// store with write-ahead logging, NORMAL durability, a large page cache, and
// memory-mapped reads"). Pragmas are applied immediately after gorm.Open, the
// same place the teacher's postgres bootstrap issues its post-open
// CREATE EXTENSION statement.
func OpenSQLite(cfg config.Store, log *logger.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout.Milliseconds())

	gormLog := gormlogger.New(
		&gormWriter{log: log},
		gormlogger.Config{
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA cache_size=%d", cfg.CachePages),
		fmt.Sprintf("PRAGMA mmap_size=%d", cfg.MmapSizeBytes),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sqlite conn: %w", err)
	}
	// A single SQLite file accepts one writer at a time regardless of pool
	// size; capping the pool avoids pile-ups of goroutines blocked on
	// SQLITE_BUSY behind the busy_timeout above.
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrateAll(db); err != nil {
		return nil, fmt.Errorf("automigrate sqlite store: %w", err)
	}
	if log != nil {
		log.Info("sqlite store opened", "path", cfg.Path, "journal_mode", "WAL")
	}
	return db, nil
}

// gormWriter adapts the structured logger to gorm's logger.Writer interface.
type gormWriter struct {
	log *logger.Logger
}

func (w *gormWriter) Printf(format string, args ...interface{}) {
	if w.log == nil {
		return
	}
	w.log.Debug(fmt.Sprintf(format, args...))
}

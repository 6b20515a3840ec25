package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"cardscan/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openDB(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DBDSN)
	default:
		dialector = postgres.Open(cfg.DBDSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(log.New(os.Stderr, "", log.LstdFlags), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s database: %w", cfg.DBDriver, err)
	}
	return db, nil
}

// migrate runs AutoMigrate one model at a time so a failure on one table,
// typically missing privileges, does not block the others.
func migrate(db *gorm.DB, logger *slog.Logger) {
	for _, m := range []struct {
		table string
		model any
	}{
		{"users", &models.User{}},
		{"card_records", &models.CardRecord{}},
		{"scan_attempts", &models.ScanAttempt{}},
	} {
		if err := db.AutoMigrate(m.model); err != nil {
			logger.Warn("migration warning", "table", m.table, "error", err)
		}
	}
}

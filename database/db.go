// Package database opens the ledger store.
package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"game-rating-ledger/config"
	"game-rating-ledger/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to Postgres when DATABASE_URL is set and to the SQLite file otherwise,
// then migrates the schema.
func Open(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.SQLDebug {
		level = logger.Info
	}
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	var dialector gorm.Dialector
	sqliteFile := cfg.DatabaseURL == ""
	if sqliteFile {
		dialector = sqlite.Open(cfg.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	} else {
		dialector = postgres.Open(cfg.DatabaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if sqliteFile {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY between requests
		sqlDB.SetMaxOpenConns(1)
		log.Printf("🗄️  Using SQLite database at %s", cfg.SQLitePath)
	} else {
		log.Println("🗄️  Using Postgres database")
	}

	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
